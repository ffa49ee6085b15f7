package connmgr

import (
	"bytes"
	"slices"
	"sync"
	"testing"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-peer/internal/device"
)

type recordedCall struct {
	kind  string
	path  string
	attrs device.Attributes
	ifs   []string
	fd    int
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeHandler) add(c recordedCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeHandler) OnObjectAnnounced(path string, attrs device.Attributes) {
	f.add(recordedCall{kind: "announced", path: path, attrs: attrs})
}

func (f *fakeHandler) OnPropertiesChanged(path string, changed device.Attributes) {
	f.add(recordedCall{kind: "changed", path: path, attrs: changed})
}

func (f *fakeHandler) OnObjectRemoved(path string, ifaces []string) {
	f.add(recordedCall{kind: "removed", path: path, ifs: ifaces})
}

func (f *fakeHandler) OnConnectionEstablished(path string, fd int, props device.Attributes) {
	f.add(recordedCall{kind: "connection", path: path, fd: fd, attrs: props})
}

func (f *fakeHandler) OnDisconnectRequested(path string) {
	f.add(recordedCall{kind: "disconnect", path: path})
}

func (f *fakeHandler) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

const (
	phonePath = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_11_22_33")
	otherPath = dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_11_22_44")
)

func deviceBag() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Address":   dbus.MakeVariant("AA:BB:CC:11:22:33"),
		"Class":     dbus.MakeVariant(uint32(0x5A020C)),
		"Connected": dbus.MakeVariant(false),
		"Adapter":   dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0")),
		"UUIDs":     dbus.MakeVariant([]string{SPPUUID}),
		"RSSI":      dbus.MakeVariant(int16(-60)),
		"ServiceData": dbus.MakeVariant(map[string]dbus.Variant{
			"0000feaa-0000-1000-8000-00805f9b34fb": dbus.MakeVariant([]byte{1, 2}),
		}),
		"ManufacturerData": dbus.MakeVariant(map[uint16]dbus.Variant{
			0x004c: dbus.MakeVariant([]byte{0x02, 0x15}),
		}),
	}
}

func TestUnwrapAttributes(t *testing.T) {
	attrs := unwrapAttributes(deviceBag())

	if got, _ := attrs["Adapter"].(string); got != "/org/bluez/hci0" {
		t.Errorf("Adapter = %#v, want string path", attrs["Adapter"])
	}
	if got, _ := attrs["Class"].(uint32); got != 0x5A020C {
		t.Errorf("Class = %#v", attrs["Class"])
	}
	if got, _ := attrs["RSSI"].(int16); got != -60 {
		t.Errorf("RSSI = %#v", attrs["RSSI"])
	}
	sd, ok := attrs["ServiceData"].(map[string][]byte)
	if !ok || !bytes.Equal(sd["0000feaa-0000-1000-8000-00805f9b34fb"], []byte{1, 2}) {
		t.Errorf("ServiceData = %#v", attrs["ServiceData"])
	}
	md, ok := attrs["ManufacturerData"].(map[uint16][]byte)
	if !ok || !bytes.Equal(md[0x004c], []byte{0x02, 0x15}) {
		t.Errorf("ManufacturerData = %#v", attrs["ManufacturerData"])
	}

	// The unwrapped bag must be usable by the device model as-is.
	props := device.PropertiesFromAttributes(attrs)
	if props.Adapter != "/org/bluez/hci0" || props.Class != 0x5A020C || len(props.ManufacturerData) != 1 {
		t.Errorf("PropertiesFromAttributes() = %+v", props)
	}
}

func TestUnwrapValueNested(t *testing.T) {
	v := unwrapValue(dbus.MakeVariant(dbus.MakeVariant([]dbus.ObjectPath{"/a", "/b"})))
	if got, _ := v.([]string); !slices.Equal(got, []string{"/a", "/b"}) {
		t.Errorf("unwrapValue() = %#v", v)
	}

	mixed := unwrapValue(map[string]dbus.Variant{
		"a": dbus.MakeVariant("x"),
		"b": dbus.MakeVariant([]byte{1}),
	})
	if _, ok := mixed.(map[string]any); !ok {
		t.Errorf("mixed dictionary = %T, want map[string]any", mixed)
	}
}

func TestDispatcherReplay(t *testing.T) {
	h := &fakeHandler{}
	d := &dispatcher{h: h, log: noopLogger{}}
	objs := managedObjects{
		phonePath:         {deviceIface: deviceBag()},
		"/org/bluez/hci0": {adapterIface: {"Powered": dbus.MakeVariant(true)}},
		otherPath:         {deviceIface: deviceBag()},
	}

	if n := d.replay(objs); n != 2 {
		t.Fatalf("replay() = %d, want 2", n)
	}
	calls := h.Calls()
	if calls[0].path != string(phonePath) || calls[1].path != string(otherPath) {
		t.Errorf("replay order = %s, %s", calls[0].path, calls[1].path)
	}
}

func TestDispatcherAdapterFilter(t *testing.T) {
	h := &fakeHandler{}
	d := &dispatcher{adapter: "hci0", h: h, log: noopLogger{}}
	objs := managedObjects{
		phonePath: {deviceIface: deviceBag()},
		otherPath: {deviceIface: deviceBag()},
	}
	if n := d.replay(objs); n != 1 {
		t.Fatalf("replay() = %d, want 1", n)
	}
	if got := deviceObjects(objs, "hci1"); len(got) != 1 || got[0].Path != string(otherPath) {
		t.Errorf("deviceObjects(hci1) = %+v", got)
	}
}

func TestDispatcherSignals(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		want []string // kind:path
	}{
		{
			name: "device added",
			sig: &dbus.Signal{Name: sigInterfacesAdded, Body: []interface{}{
				phonePath,
				map[string]map[string]dbus.Variant{deviceIface: deviceBag()},
			}},
			want: []string{"announced:" + string(phonePath)},
		},
		{
			name: "adapter added",
			sig: &dbus.Signal{Name: sigInterfacesAdded, Body: []interface{}{
				dbus.ObjectPath("/org/bluez/hci0"),
				map[string]map[string]dbus.Variant{adapterIface: {}},
			}},
		},
		{
			name: "device removed",
			sig: &dbus.Signal{Name: sigInterfacesRemoved, Body: []interface{}{
				phonePath,
				[]string{propsIface, deviceIface},
			}},
			want: []string{"removed:" + string(phonePath)},
		},
		{
			name: "other interface removed",
			sig: &dbus.Signal{Name: sigInterfacesRemoved, Body: []interface{}{
				phonePath,
				[]string{"org.bluez.MediaControl1"},
			}},
		},
		{
			name: "device property changed",
			sig: &dbus.Signal{Name: sigPropertiesChanged, Path: phonePath, Body: []interface{}{
				deviceIface,
				map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)},
				[]string{},
			}},
			want: []string{"changed:" + string(phonePath)},
		},
		{
			name: "adapter property changed",
			sig: &dbus.Signal{Name: sigPropertiesChanged, Path: "/org/bluez/hci0", Body: []interface{}{
				adapterIface,
				map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)},
				[]string{},
			}},
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Name: sigInterfacesAdded, Body: []interface{}{phonePath}},
		},
		{
			name: "unrelated signal",
			sig:  &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged"},
		},
		{name: "nil signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{}
			d := &dispatcher{h: h, log: noopLogger{}}
			d.dispatch(tt.sig)

			var got []string
			for _, c := range h.Calls() {
				got = append(got, c.kind+":"+c.path)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPropertiesChangedCarriesUnwrappedValues(t *testing.T) {
	h := &fakeHandler{}
	d := &dispatcher{h: h, log: noopLogger{}}
	d.dispatch(&dbus.Signal{Name: sigPropertiesChanged, Path: phonePath, Body: []interface{}{
		deviceIface,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(true), "Alias": dbus.MakeVariant("kitchen")},
		[]string{},
	}})

	calls := h.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	changes, rejected := device.ParseChanges(calls[0].attrs)
	if len(changes) != 2 || len(rejected) != 0 {
		t.Errorf("ParseChanges() = %v, rejected %v", changes, rejected)
	}
}

func TestMacFromPath(t *testing.T) {
	if got := macFromPath(phonePath); got != "AA:BB:CC:11:22:33" {
		t.Errorf("macFromPath() = %q", got)
	}
	if got := macFromPath("/org/bluez/hci0"); got != "" {
		t.Errorf("macFromPath(adapter) = %q, want empty", got)
	}
}
