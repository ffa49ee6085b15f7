package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRemoved is returned by Handle operations after Teardown.
var ErrRemoved = errors.New("device: handle removed")

// Controller issues request/response calls against one remote device.
// Implementations live outside this package (see connmgr).
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Pair(ctx context.Context) error
	CancelPairing(ctx context.Context) error
	ConnectProfile(ctx context.Context, uuid string) error
	DisconnectProfile(ctx context.Context, uuid string) error
	SetTrusted(ctx context.Context, v bool) error
	SetBlocked(ctx context.Context, v bool) error
	SetAlias(ctx context.Context, alias string) error
}

// Session is a live byte-stream attached to a device.
type Session interface {
	ID() string
	Stop()
	Done() <-chan struct{}
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handle owns the live state of one remote device: its cached properties,
// its controller and at most one attached session.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Cached properties change only through Apply.
type Handle struct {
	id   Identity
	path string
	ctrl Controller
	log  Logger

	mu      sync.Mutex
	props   Properties
	session Session
	removed bool
}

// NewHandle creates a handle with properties seeded from an announcement.
// log may be nil.
func NewHandle(obj AnnouncedObject, ctrl Controller, log Logger) (*Handle, error) {
	id := IdentityFromPath(obj.Path)
	if !id.Valid() {
		return nil, fmt.Errorf("device: no identity in path %q", obj.Path)
	}
	if ctrl == nil {
		return nil, errors.New("device: nil controller")
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Handle{
		id:    id,
		path:  obj.Path,
		ctrl:  ctrl,
		log:   log,
		props: PropertiesFromAttributes(obj.Attributes),
	}, nil
}

func (h *Handle) Identity() Identity { return h.id }

func (h *Handle) Path() string { return h.path }

// Properties returns a deep copy of the cached properties.
func (h *Handle) Properties() Properties {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.props.Clone()
}

// Apply stores property changes and returns the ones that altered the cache.
// Invalid changes are logged and skipped.
func (h *Handle) Apply(changes []Change) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	var applied []Change
	for _, c := range changes {
		changed, err := h.props.apply(c)
		if err != nil {
			h.log.Warn("skipping invalid property change", "device", h.id, "error", err)
			continue
		}
		if changed {
			applied = append(applied, c)
		}
	}
	for _, c := range applied {
		h.log.Debug("property changed", "device", h.id, "property", c.Name, "value", c.Value)
	}
	return applied
}

// Removed reports whether Teardown has run.
func (h *Handle) Removed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// AttachSession makes s the device's session, stopping any previous one.
// Attaching to a removed handle stops s immediately.
func (h *Handle) AttachSession(s Session) {
	h.mu.Lock()
	prev := h.session
	removed := h.removed
	if !removed {
		h.session = s
	}
	h.mu.Unlock()

	if removed {
		s.Stop()
		return
	}
	if prev != nil && prev != s {
		h.log.Info("replacing session", "device", h.id, "old", prev.ID(), "new", s.ID())
		prev.Stop()
	}
	go h.detachOnDone(s)
}

func (h *Handle) detachOnDone(s Session) {
	<-s.Done()
	h.mu.Lock()
	if h.session == s {
		h.session = nil
	}
	h.mu.Unlock()
}

// Session returns the attached session, if any.
func (h *Handle) Session() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session, h.session != nil
}

// Teardown disconnects a connected device, cancels pairing on a paired one
// and stops the attached session. Controller failures are logged only.
// Subsequent calls are no-ops.
func (h *Handle) Teardown(ctx context.Context) {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return
	}
	h.removed = true
	props := h.props
	s := h.session
	h.session = nil
	h.mu.Unlock()

	if props.Connected {
		if err := h.ctrl.Disconnect(ctx); err != nil {
			h.log.Warn("disconnect on teardown failed", "device", h.id, "error", err)
		}
	}
	if props.Paired {
		if err := h.ctrl.CancelPairing(ctx); err != nil {
			h.log.Warn("cancel pairing on teardown failed", "device", h.id, "error", err)
		}
	}
	if s != nil {
		s.Stop()
	}
	h.log.Debug("device torn down", "device", h.id)
}

func (h *Handle) live() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return ErrRemoved
	}
	return nil
}

// Connect is a no-op when the device is already connected.
func (h *Handle) Connect(ctx context.Context) error {
	if err := h.live(); err != nil {
		return err
	}
	if h.Properties().Connected {
		h.log.Debug("already connected", "device", h.id)
		return nil
	}
	return h.ctrl.Connect(ctx)
}

// Disconnect is a no-op when the device is not connected.
func (h *Handle) Disconnect(ctx context.Context) error {
	if err := h.live(); err != nil {
		return err
	}
	if !h.Properties().Connected {
		h.log.Debug("not connected", "device", h.id)
		return nil
	}
	return h.ctrl.Disconnect(ctx)
}

// Pair is a no-op when the device is already paired.
func (h *Handle) Pair(ctx context.Context) error {
	if err := h.live(); err != nil {
		return err
	}
	if h.Properties().Paired {
		h.log.Debug("already paired", "device", h.id)
		return nil
	}
	return h.ctrl.Pair(ctx)
}

func (h *Handle) CancelPairing(ctx context.Context) error {
	if err := h.live(); err != nil {
		return err
	}
	if !h.Properties().Paired {
		h.log.Debug("not paired", "device", h.id)
		return nil
	}
	return h.ctrl.CancelPairing(ctx)
}

func (h *Handle) ConnectProfile(ctx context.Context, uuid string) error {
	if err := h.live(); err != nil {
		return err
	}
	if len(h.Properties().UUIDs) == 0 {
		h.log.Warn("device reports no service UUIDs", "device", h.id, "uuid", uuid)
	}
	return h.ctrl.ConnectProfile(ctx, uuid)
}

func (h *Handle) DisconnectProfile(ctx context.Context, uuid string) error {
	if err := h.live(); err != nil {
		return err
	}
	return h.ctrl.DisconnectProfile(ctx, uuid)
}

func (h *Handle) SetTrusted(ctx context.Context, v bool) error {
	if err := h.live(); err != nil {
		return err
	}
	return h.ctrl.SetTrusted(ctx, v)
}

func (h *Handle) SetBlocked(ctx context.Context, v bool) error {
	if err := h.live(); err != nil {
		return err
	}
	return h.ctrl.SetBlocked(ctx, v)
}

func (h *Handle) SetAlias(ctx context.Context, alias string) error {
	if err := h.live(); err != nil {
		return err
	}
	return h.ctrl.SetAlias(ctx, alias)
}
