package device

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// Attributes is a Device1 property bag with D-Bus variants already unwrapped.
type Attributes map[string]any

// AnnouncedObject is one "object appeared" notification. It is consumed once
// by the registry worker and not retained.
type AnnouncedObject struct {
	Path       string
	Attributes Attributes
}

// Properties is the cached view of a remote device's Device1 properties.
type Properties struct {
	Address          string
	AddressType      string
	Name             string
	Icon             string
	Class            uint32
	UUIDs            []string
	Paired           bool
	Connected        bool
	Trusted          bool
	Blocked          bool
	ServicesResolved bool
	Alias            string
	Adapter          string
	LegacyPairing    bool
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
}

// Clone returns a deep copy.
func (p Properties) Clone() Properties {
	out := p
	out.UUIDs = slices.Clone(p.UUIDs)
	if p.ServiceData != nil {
		out.ServiceData = make(map[string][]byte, len(p.ServiceData))
		for k, v := range p.ServiceData {
			out.ServiceData[k] = slices.Clone(v)
		}
	}
	if p.ManufacturerData != nil {
		out.ManufacturerData = make(map[uint16][]byte, len(p.ManufacturerData))
		for k, v := range p.ManufacturerData {
			out.ManufacturerData[k] = slices.Clone(v)
		}
	}
	return out
}

// PropertyKind tags a Change with the property it updates.
type PropertyKind int

const (
	KindAddress PropertyKind = iota
	KindAddressType
	KindName
	KindIcon
	KindClass
	KindUUIDs
	KindPaired
	KindConnected
	KindTrusted
	KindBlocked
	KindServicesResolved
	KindAlias
	KindAdapter
	KindLegacyPairing
	KindServiceData
	KindManufacturerData
)

// Change is one typed property update. Build it with ParseChange.
type Change struct {
	Kind  PropertyKind
	Name  string
	Value any
}

type field struct {
	name string
	kind PropertyKind
	// check validates the dynamic type of a raw value.
	check func(v any) bool
	// set stores v and reports whether the cached value changed.
	set func(p *Properties, v any) bool
}

func setIfDiff[T comparable](dst *T, v any) bool {
	nv := v.(T)
	if *dst == nv {
		return false
	}
	*dst = nv
	return true
}

func is[T any](v any) bool {
	_, ok := v.(T)
	return ok
}

var fields = map[string]field{
	"Address":          {"Address", KindAddress, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.Address, v) }},
	"AddressType":      {"AddressType", KindAddressType, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.AddressType, v) }},
	"Name":             {"Name", KindName, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.Name, v) }},
	"Icon":             {"Icon", KindIcon, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.Icon, v) }},
	"Class":            {"Class", KindClass, is[uint32], func(p *Properties, v any) bool { return setIfDiff(&p.Class, v) }},
	"Paired":           {"Paired", KindPaired, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.Paired, v) }},
	"Connected":        {"Connected", KindConnected, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.Connected, v) }},
	"Trusted":          {"Trusted", KindTrusted, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.Trusted, v) }},
	"Blocked":          {"Blocked", KindBlocked, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.Blocked, v) }},
	"ServicesResolved": {"ServicesResolved", KindServicesResolved, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.ServicesResolved, v) }},
	"Alias":            {"Alias", KindAlias, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.Alias, v) }},
	"Adapter":          {"Adapter", KindAdapter, is[string], func(p *Properties, v any) bool { return setIfDiff(&p.Adapter, v) }},
	"LegacyPairing":    {"LegacyPairing", KindLegacyPairing, is[bool], func(p *Properties, v any) bool { return setIfDiff(&p.LegacyPairing, v) }},
	"UUIDs": {"UUIDs", KindUUIDs, is[[]string], func(p *Properties, v any) bool {
		nv := v.([]string)
		if slices.Equal(p.UUIDs, nv) {
			return false
		}
		p.UUIDs = slices.Clone(nv)
		return true
	}},
	"ServiceData": {"ServiceData", KindServiceData, is[map[string][]byte], func(p *Properties, v any) bool {
		nv := v.(map[string][]byte)
		if maps.EqualFunc(p.ServiceData, nv, bytes.Equal) {
			return false
		}
		p.ServiceData = Properties{ServiceData: nv}.Clone().ServiceData
		return true
	}},
	"ManufacturerData": {"ManufacturerData", KindManufacturerData, is[map[uint16][]byte], func(p *Properties, v any) bool {
		nv := v.(map[uint16][]byte)
		if maps.EqualFunc(p.ManufacturerData, nv, bytes.Equal) {
			return false
		}
		p.ManufacturerData = Properties{ManufacturerData: nv}.Clone().ManufacturerData
		return true
	}},
}

// byKind indexes fields by the tag carried in a Change.
var byKind = func() map[PropertyKind]field {
	m := make(map[PropertyKind]field, len(fields))
	for _, f := range fields {
		m[f.kind] = f
	}
	return m
}()

// ParseChange validates a raw property update. It fails for unknown names
// and for values of the wrong type.
func ParseChange(name string, value any) (Change, error) {
	f, ok := fields[name]
	if !ok {
		return Change{}, fmt.Errorf("device: unknown property %q", name)
	}
	if !f.check(value) {
		return Change{}, fmt.Errorf("device: property %q: unexpected type %T", name, value)
	}
	return Change{Kind: f.kind, Name: name, Value: value}, nil
}

// ParseChanges converts a property bag into changes, skipping entries that
// ParseChange rejects. The rejected names are returned for logging.
func ParseChanges(attrs Attributes) (changes []Change, rejected []string) {
	names := slices.Sorted(maps.Keys(attrs))
	for _, name := range names {
		c, err := ParseChange(name, attrs[name])
		if err != nil {
			rejected = append(rejected, name)
			continue
		}
		changes = append(changes, c)
	}
	return changes, rejected
}

// apply stores c and reports whether the cached value changed. Changes
// with an unknown Kind, a Name that disagrees with Kind, or a Value of the
// wrong type are rejected and leave p untouched.
func (p *Properties) apply(c Change) (bool, error) {
	f, ok := byKind[c.Kind]
	if !ok {
		return false, fmt.Errorf("device: unknown property kind %d", c.Kind)
	}
	if c.Name != "" && c.Name != f.name {
		return false, fmt.Errorf("device: property %q does not match kind %s", c.Name, f.name)
	}
	if !f.check(c.Value) {
		return false, fmt.Errorf("device: property %q: unexpected type %T", f.name, c.Value)
	}
	return f.set(p, c.Value), nil
}

// PropertiesFromAttributes builds the initial cache from an announcement.
func PropertiesFromAttributes(attrs Attributes) Properties {
	var p Properties
	changes, _ := ParseChanges(attrs)
	for _, c := range changes {
		_, _ = p.apply(c)
	}
	return p
}
