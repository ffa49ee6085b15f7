package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"bluetooth-peer/internal/device"
)

type stubController struct {
	mu    sync.Mutex
	calls []string
	// onCall runs before a call is recorded.
	onCall func(name string)
}

func (s *stubController) record(name string) error {
	if s.onCall != nil {
		s.onCall(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return nil
}

func (s *stubController) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *stubController) Connect(context.Context) error                   { return s.record("Connect") }
func (s *stubController) Disconnect(context.Context) error                { return s.record("Disconnect") }
func (s *stubController) Pair(context.Context) error                      { return s.record("Pair") }
func (s *stubController) CancelPairing(context.Context) error             { return s.record("CancelPairing") }
func (s *stubController) ConnectProfile(context.Context, string) error    { return s.record("ConnectProfile") }
func (s *stubController) DisconnectProfile(context.Context, string) error { return s.record("DisconnectProfile") }
func (s *stubController) SetTrusted(context.Context, bool) error          { return s.record("SetTrusted") }
func (s *stubController) SetBlocked(context.Context, bool) error          { return s.record("SetBlocked") }
func (s *stubController) SetAlias(context.Context, string) error          { return s.record("SetAlias") }

func devPath(i int) string {
	return fmt.Sprintf("/org/bluez/hci0/dev_00_00_00_00_%02X_%02X", i>>8, i&0xFF)
}

func newHandle(t *testing.T, path string) *device.Handle {
	t.Helper()
	h, err := device.NewHandle(device.AnnouncedObject{Path: path}, &stubController{}, nil)
	if err != nil {
		t.Fatalf("NewHandle(%q) error = %v", path, err)
	}
	return h
}

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := New()
	p := devPath(1)
	id := device.IdentityFromPath(p)
	h := newHandle(t, p)

	if !r.Insert(id, h) {
		t.Fatal("Insert() = false for new identity")
	}
	if r.Insert(id, newHandle(t, p)) {
		t.Error("Insert() = true for duplicate identity")
	}
	if got, ok := r.Lookup(id); !ok || got != h {
		t.Errorf("Lookup() = %p, %v; want original handle", got, ok)
	}

	if got, ok := r.Remove(id); !ok || got != h {
		t.Errorf("Remove() = %p, %v; want original handle", got, ok)
	}
	if _, ok := r.Remove(id); ok {
		t.Error("second Remove() reported found")
	}
	if _, ok := r.Lookup(id); ok {
		t.Error("Lookup() after Remove reported found")
	}
}

func TestRegistryRejectsEmptyIdentity(t *testing.T) {
	r := New()
	if r.Insert("", newHandle(t, devPath(1))) {
		t.Fatal("Insert() accepted empty identity")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryIdentitiesSnapshot(t *testing.T) {
	r := New()
	for _, i := range []int{3, 1, 2} {
		p := devPath(i)
		r.Insert(device.IdentityFromPath(p), newHandle(t, p))
	}

	ids := r.Identities()
	want := []device.Identity{
		device.IdentityFromPath(devPath(1)),
		device.IdentityFromPath(devPath(2)),
		device.IdentityFromPath(devPath(3)),
	}
	if !slices.Equal(ids, want) {
		t.Fatalf("Identities() = %v, want %v", ids, want)
	}

	// Mutating the registry must not affect an existing snapshot.
	r.Remove(want[0])
	if len(ids) != 3 {
		t.Errorf("snapshot changed length to %d", len(ids))
	}

	all := r.RemoveAll()
	if len(all) != 2 || r.Len() != 0 {
		t.Errorf("RemoveAll() returned %d, Len() = %d", len(all), r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	handles := make([]*device.Handle, 800)
	for i := range handles {
		handles[i] = newHandle(t, devPath(i))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h := handles[g*100+i]
				id := h.Identity()
				r.Insert(id, h)
				_ = r.Identities()
				if i%2 == 0 {
					r.Remove(id)
				}
			}
		}(g)
	}
	wg.Wait()

	if r.Len() != 400 {
		t.Errorf("Len() = %d, want 400", r.Len())
	}
}
