package devclass

import (
	"fmt"
	"sort"
	"strings"
)

// Filter accepts announced devices whose major class is allow-listed.
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	allow map[MajorClass]struct{}
}

// NewFilter returns a filter accepting the given major classes.
func NewFilter(allowed ...MajorClass) *Filter {
	f := &Filter{allow: make(map[MajorClass]struct{}, len(allowed))}
	for _, m := range allowed {
		f.allow[m] = struct{}{}
	}
	return f
}

// DefaultFilter accepts phones and audio/video devices.
func DefaultFilter() *Filter {
	return NewFilter(Phone, AudioVideo)
}

// FilterFromNames builds a filter from config names. An empty list yields
// DefaultFilter.
func FilterFromNames(names []string) (*Filter, error) {
	if len(names) == 0 {
		return DefaultFilter(), nil
	}
	classes := make([]MajorClass, 0, len(names))
	for _, n := range names {
		m, err := ParseMajorClass(n)
		if err != nil {
			return nil, err
		}
		classes = append(classes, m)
	}
	return NewFilter(classes...), nil
}

// AcceptClass reports whether c's major class is allow-listed.
func (f *Filter) AcceptClass(c Class) bool {
	_, ok := f.allow[c.Major()]
	return ok
}

// Accept reports whether a Device1 property bag describes a relevant device.
// Rejection is not an error.
func (f *Filter) Accept(attrs map[string]any) bool {
	return f.AcceptClass(FromAttributes(attrs))
}

func (f *Filter) String() string {
	names := make([]string, 0, len(f.allow))
	for m := range f.allow {
		names = append(names, m.String())
	}
	sort.Strings(names)
	return fmt.Sprintf("allow[%s]", strings.Join(names, ","))
}
