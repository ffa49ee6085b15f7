package connmgr

import (
	"maps"
	"slices"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-peer/internal/device"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = DeviceInterface
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	sigInterfacesAdded   = objManagerIface + ".InterfacesAdded"
	sigInterfacesRemoved = objManagerIface + ".InterfacesRemoved"
	sigPropertiesChanged = propsIface + ".PropertiesChanged"
)

// managedObjects is the GetManagedObjects reply shape.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// unwrapAttributes converts a D-Bus property bag into plain Go values.
func unwrapAttributes(props map[string]dbus.Variant) device.Attributes {
	out := make(device.Attributes, len(props))
	for name, v := range props {
		out[name] = unwrapValue(v.Value())
	}
	return out
}

// unwrapValue strips variants and object paths. ServiceData and
// ManufacturerData arrive as dictionaries of byte-array variants and come
// out as map[string][]byte and map[uint16][]byte.
func unwrapValue(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return unwrapValue(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case []dbus.ObjectPath:
		out := make([]string, len(x))
		for i, p := range x {
			out[i] = string(p)
		}
		return out
	case map[string]dbus.Variant:
		if b, ok := allBytes(x); ok {
			return b
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = unwrapValue(e.Value())
		}
		return out
	case map[uint16]dbus.Variant:
		out := make(map[uint16][]byte, len(x))
		for k, e := range x {
			if b, ok := unwrapValue(e.Value()).([]byte); ok {
				out[k] = b
			}
		}
		return out
	default:
		return v
	}
}

func allBytes(m map[string]dbus.Variant) (map[string][]byte, bool) {
	out := make(map[string][]byte, len(m))
	for k, e := range m {
		b, ok := unwrapValue(e.Value()).([]byte)
		if !ok {
			return nil, false
		}
		out[k] = b
	}
	return out, true
}

// dispatcher turns bus signals into Handler calls.
type dispatcher struct {
	adapter string
	h       Handler
	log     Logger
}

// owns reports whether path belongs to the watched adapter.
func (d *dispatcher) owns(path dbus.ObjectPath) bool {
	if d.adapter == "" {
		return true
	}
	prefix := "/org/bluez/" + d.adapter + "/"
	return strings.HasPrefix(string(path), prefix)
}

// replay announces every Device1 object in objs, in path order.
func (d *dispatcher) replay(objs managedObjects) int {
	n := 0
	for _, path := range slices.Sorted(maps.Keys(objs)) {
		if d.announce(path, objs[path]) {
			n++
		}
	}
	return n
}

func (d *dispatcher) announce(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) bool {
	props, ok := ifaces[deviceIface]
	if !ok || !d.owns(path) {
		return false
	}
	d.h.OnObjectAnnounced(string(path), unwrapAttributes(props))
	return true
}

func (d *dispatcher) dispatch(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case sigInterfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil {
			return
		}
		d.announce(path, ifaces)

	case sigInterfacesRemoved:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		if !d.owns(path) || !slices.Contains(ifaces, deviceIface) {
			return
		}
		d.h.OnObjectRemoved(string(path), ifaces)

	case sigPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface || len(changed) == 0 || !d.owns(sig.Path) {
			return
		}
		d.h.OnPropertiesChanged(string(sig.Path), unwrapAttributes(changed))

	default:
		d.log.Debug("ignoring signal", "name", sig.Name, "path", sig.Path)
	}
}

// deviceObjects extracts the Device1 objects of objs, sorted by path.
func deviceObjects(objs managedObjects, adapter string) []device.AnnouncedObject {
	d := dispatcher{adapter: adapter}
	var out []device.AnnouncedObject
	for _, path := range slices.Sorted(maps.Keys(objs)) {
		props, ok := objs[path][deviceIface]
		if !ok || !d.owns(path) {
			continue
		}
		out = append(out, device.AnnouncedObject{Path: string(path), Attributes: unwrapAttributes(props)})
	}
	return out
}

// macFromPath returns the address encoded in a Device1 object path.
func macFromPath(p dbus.ObjectPath) string {
	return device.IdentityFromPath(string(p)).String()
}
