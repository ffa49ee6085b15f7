package device

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestIdentityFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Identity
	}{
		{"/org/x/dev_AA_BB_CC_11_22_33", "AA:BB:CC:11:22:33"},
		{"/org/bluez/hci0/dev_aa_bb_cc_11_22_33", "aa:bb:cc:11:22:33"},
		{"/org/bluez/hci0/dev_AA_BB_CC_11_22_33/sep1", "AA:BB:CC:11:22:33"},
		{"/org/bluez/hci0/dev_Aa_bB_cc_11_22_33", "Aa:bB:cc:11:22:33"},
		{"/org/bluez/hci0", ""},
		{"/org/bluez/hci0/dev_AA_BB_CC", ""},
		{"/org/bluez/hci0/dev_AA_BB_CC_11_22_3Z", ""},
		{"/org/bluez/hci0/dev_AAA_BB_CC_11_22_33", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IdentityFromPath(tt.path); got != tt.want {
				t.Errorf("IdentityFromPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestIdentityFromPathDeterministic(t *testing.T) {
	p := "/org/bluez/hci1/dev_01_23_45_67_89_AB"
	if IdentityFromPath(p) != IdentityFromPath(p) {
		t.Fatal("same path produced different identities")
	}
}

func TestParseChange(t *testing.T) {
	if _, err := ParseChange("Connected", true); err != nil {
		t.Errorf("ParseChange(Connected, true) error = %v", err)
	}
	if _, err := ParseChange("Connected", "yes"); err == nil {
		t.Error("ParseChange(Connected, string) expected type error")
	}
	if _, err := ParseChange("RSSI", int16(-40)); err == nil {
		t.Error("ParseChange(RSSI) expected unknown property error")
	}

	c, err := ParseChange("Class", uint32(0x5A020C))
	if err != nil {
		t.Fatalf("ParseChange(Class) error = %v", err)
	}
	if c.Kind != KindClass {
		t.Errorf("Kind = %v, want %v", c.Kind, KindClass)
	}
}

func TestPropertiesFromAttributes(t *testing.T) {
	attrs := Attributes{
		"Address":     "AA:BB:CC:11:22:33",
		"Name":        "Pixel",
		"Class":       uint32(0x5A020C),
		"UUIDs":       []string{"0000110a-0000-1000-8000-00805f9b34fb"},
		"Paired":      true,
		"Adapter":     "/org/bluez/hci0",
		"ServiceData": map[string][]byte{"fe2c": {1, 2}},
		"RSSI":        int16(-60),
	}

	p := PropertiesFromAttributes(attrs)
	if p.Address != "AA:BB:CC:11:22:33" || p.Name != "Pixel" || p.Class != 0x5A020C {
		t.Errorf("unexpected properties %+v", p)
	}
	if !p.Paired || p.Connected {
		t.Errorf("Paired/Connected = %v/%v, want true/false", p.Paired, p.Connected)
	}
	if p.Adapter != "/org/bluez/hci0" {
		t.Errorf("Adapter = %q", p.Adapter)
	}
	if len(p.UUIDs) != 1 || len(p.ServiceData["fe2c"]) != 2 {
		t.Errorf("UUIDs/ServiceData not copied: %+v", p)
	}

	_, rejected := ParseChanges(attrs)
	if !slices.Equal(rejected, []string{"RSSI"}) {
		t.Errorf("rejected = %v, want [RSSI]", rejected)
	}
}

func TestPropertiesCloneIsDeep(t *testing.T) {
	p := Properties{
		UUIDs:            []string{"a"},
		ServiceData:      map[string][]byte{"k": {1}},
		ManufacturerData: map[uint16][]byte{76: {2}},
	}
	c := p.Clone()
	c.UUIDs[0] = "b"
	c.ServiceData["k"][0] = 9
	c.ManufacturerData[76][0] = 9

	if p.UUIDs[0] != "a" || p.ServiceData["k"][0] != 1 || p.ManufacturerData[76][0] != 2 {
		t.Errorf("Clone shares memory with original: %+v", p)
	}
}

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeController) Connect(context.Context) error       { return f.record("Connect") }
func (f *fakeController) Disconnect(context.Context) error    { return f.record("Disconnect") }
func (f *fakeController) Pair(context.Context) error          { return f.record("Pair") }
func (f *fakeController) CancelPairing(context.Context) error { return f.record("CancelPairing") }
func (f *fakeController) ConnectProfile(_ context.Context, uuid string) error {
	return f.record("ConnectProfile " + uuid)
}
func (f *fakeController) DisconnectProfile(_ context.Context, uuid string) error {
	return f.record("DisconnectProfile " + uuid)
}
func (f *fakeController) SetTrusted(context.Context, bool) error  { return f.record("SetTrusted") }
func (f *fakeController) SetBlocked(context.Context, bool) error  { return f.record("SetBlocked") }
func (f *fakeController) SetAlias(context.Context, string) error  { return f.record("SetAlias") }

type fakeSession struct {
	id       string
	stopOnce sync.Once
	done     chan struct{}
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (s *fakeSession) ID() string              { return s.id }
func (s *fakeSession) Stop()                   { s.stopOnce.Do(func() { close(s.done) }) }
func (s *fakeSession) Done() <-chan struct{}   { return s.done }
func (s *fakeSession) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func newTestHandle(t *testing.T, attrs Attributes) (*Handle, *fakeController) {
	t.Helper()
	ctrl := &fakeController{}
	h, err := NewHandle(AnnouncedObject{Path: "/org/bluez/hci0/dev_AA_BB_CC_11_22_33", Attributes: attrs}, ctrl, nil)
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	return h, ctrl
}

func TestNewHandleRejectsMalformedPath(t *testing.T) {
	if _, err := NewHandle(AnnouncedObject{Path: "/org/bluez/hci0"}, &fakeController{}, nil); err == nil {
		t.Fatal("NewHandle() expected error for path without identity")
	}
}

func TestHandleApply(t *testing.T) {
	h, _ := newTestHandle(t, Attributes{"Connected": false})

	c1, _ := ParseChange("Connected", true)
	c2, _ := ParseChange("Name", "")
	applied := h.Apply([]Change{c1, c2})

	if len(applied) != 1 || applied[0].Kind != KindConnected {
		t.Fatalf("Apply() = %v, want only Connected", applied)
	}
	if !h.Properties().Connected {
		t.Error("Connected not applied")
	}
}

func TestHandleApplySkipsInvalidChanges(t *testing.T) {
	h, _ := newTestHandle(t, Attributes{"Connected": false, "Name": "phone"})

	tests := []struct {
		name   string
		change Change
	}{
		{"mistyped value", Change{Kind: KindConnected, Name: "Connected", Value: "yes"}},
		{"name disagrees with kind", Change{Name: "Connected", Value: "yes"}},
		{"unknown kind", Change{Kind: PropertyKind(999), Value: true}},
		{"nil value", Change{Kind: KindName, Name: "Name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.Properties()
			applied := h.Apply([]Change{tt.change})
			if len(applied) != 0 {
				t.Errorf("Apply() = %v, want nothing applied", applied)
			}
			if got := h.Properties(); got.Name != before.Name || got.Address != before.Address || got.Connected != before.Connected {
				t.Errorf("properties changed: %+v", got)
			}
		})
	}

	// Kind alone is enough to dispatch.
	if applied := h.Apply([]Change{{Kind: KindConnected, Value: true}}); len(applied) != 1 || !h.Properties().Connected {
		t.Errorf("Apply() by kind = %v, connected = %v", applied, h.Properties().Connected)
	}

	// A valid change after invalid ones in the same batch still lands.
	valid, _ := ParseChange("Name", "renamed")
	applied := h.Apply([]Change{{Kind: KindClass, Value: "bad"}, valid})
	if len(applied) != 1 || h.Properties().Name != "renamed" {
		t.Errorf("Apply() = %v, name = %q", applied, h.Properties().Name)
	}
}

func TestHandleTeardownConnected(t *testing.T) {
	h, ctrl := newTestHandle(t, Attributes{"Connected": true, "Paired": true})
	s := newFakeSession("s1")
	h.AttachSession(s)

	h.Teardown(context.Background())

	want := []string{"Disconnect", "CancelPairing"}
	if got := ctrl.Calls(); !slices.Equal(got, want) {
		t.Errorf("controller calls = %v, want %v", got, want)
	}
	if !s.stopped() {
		t.Error("attached session was not stopped")
	}
	if !h.Removed() {
		t.Error("Removed() = false after Teardown")
	}

	h.Teardown(context.Background())
	if got := ctrl.Calls(); len(got) != 2 {
		t.Errorf("second Teardown issued calls: %v", got)
	}
	if err := h.Connect(context.Background()); !errors.Is(err, ErrRemoved) {
		t.Errorf("Connect() after teardown = %v, want ErrRemoved", err)
	}
}

func TestHandleTeardownIdle(t *testing.T) {
	h, ctrl := newTestHandle(t, Attributes{})
	h.Teardown(context.Background())
	if got := ctrl.Calls(); len(got) != 0 {
		t.Errorf("idle teardown issued calls: %v", got)
	}
}

func TestHandleControllerShortcuts(t *testing.T) {
	h, ctrl := newTestHandle(t, Attributes{"Connected": true, "Paired": false})
	ctx := context.Background()

	_ = h.Connect(ctx)       // already connected
	_ = h.CancelPairing(ctx) // not paired
	_ = h.Pair(ctx)
	_ = h.Disconnect(ctx)

	want := []string{"Pair", "Disconnect"}
	if got := ctrl.Calls(); !slices.Equal(got, want) {
		t.Errorf("controller calls = %v, want %v", got, want)
	}
}

func TestHandleAttachSessionReplaces(t *testing.T) {
	h, _ := newTestHandle(t, Attributes{})
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")

	h.AttachSession(s1)
	h.AttachSession(s2)

	if !s1.stopped() {
		t.Error("previous session not stopped")
	}
	if got, ok := h.Session(); !ok || got.ID() != "s2" {
		t.Errorf("Session() = %v, %v; want s2", got, ok)
	}

	s2.Stop()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.Session(); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("finished session still attached")
}

func TestHandleAttachAfterTeardown(t *testing.T) {
	h, _ := newTestHandle(t, Attributes{})
	h.Teardown(context.Background())

	s := newFakeSession("late")
	h.AttachSession(s)
	if !s.stopped() {
		t.Error("session attached to removed handle was not stopped")
	}
}
