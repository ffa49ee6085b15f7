//go:build linux

package service

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"bluetooth-peer/internal/connmgr"
	"bluetooth-peer/internal/devclass"
	"bluetooth-peer/internal/device"
	"bluetooth-peer/internal/registry"
	"bluetooth-peer/internal/session"
)

// Session state names reported to the EventSink.
const (
	SessionStarted = "started"
	SessionClosed  = "closed"
)

// ControllerSource yields the request/response channel for a device path.
// connmgr.Mgr implements it.
type ControllerSource interface {
	Device(path string) device.Controller
}

// EventSink receives registry membership and session traffic. Methods must
// not block.
type EventSink interface {
	registry.Notifier
	SessionData(sessionID string, dev device.Identity, data []byte)
	SessionState(sessionID string, dev device.Identity, state string)
}

// Logger is the logging interface used by the service.
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

type noopSink struct{}

func (noopSink) DeviceAdded(device.Identity, device.Properties) {}
func (noopSink) DeviceRemoved(device.Identity)                  {}
func (noopSink) SessionData(string, device.Identity, []byte)    {}
func (noopSink) SessionState(string, device.Identity, string)   {}

// Options configures a Service. Controllers is required.
type Options struct {
	Controllers ControllerSource
	Filter      *devclass.Filter
	// Session is the template for every connection; OnData and Logger are
	// filled in by the service.
	Session         session.Options
	Events          EventSink
	Logger          Logger
	TeardownTimeout time.Duration
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID       string
	Device   device.Identity
	State    session.State
	Attached bool
	Stats    session.Stats
}

type tracked struct {
	sess     *session.Session
	dev      device.Identity
	seq      uint64
	attached bool
}

// Service adapts connmgr callbacks onto the device registry and runs a
// session on every handed-over connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Service struct {
	mgr      *registry.Manager
	sessOpts session.Options
	events   EventSink
	log      Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*tracked
	nextSeq  uint64
	// newest is the start sequence of the last session attached per device.
	newest map[device.Identity]uint64
	wg     sync.WaitGroup

	// attachMu orders AttachSession calls so a later session always ends up
	// attached.
	attachMu sync.Mutex
}

var _ connmgr.Handler = (*Service)(nil)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("service: closed")

// New builds a service around a fresh device registry. Call Start before
// handing the service to connmgr.Watch.
func New(opts Options) (*Service, error) {
	if opts.Controllers == nil {
		return nil, errors.New("service: Controllers is required")
	}
	if opts.Events == nil {
		opts.Events = noopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	s := &Service{
		sessOpts: opts.Session,
		events:   opts.Events,
		log:      opts.Logger,
		sessions: make(map[string]*tracked),
		newest:   make(map[device.Identity]uint64),
	}
	ctrls := opts.Controllers
	mgr, err := registry.NewManager(registry.Options{
		Filter: opts.Filter,
		NewHandle: func(obj device.AnnouncedObject) (*device.Handle, error) {
			return device.NewHandle(obj, ctrls.Device(obj.Path), opts.Logger)
		},
		Notifier:        (*notifier)(s),
		Logger:          opts.Logger,
		TeardownTimeout: opts.TeardownTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.mgr = mgr
	return s, nil
}

// Start launches the registry worker.
func (s *Service) Start() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.mgr.Start()
}

// OnObjectAnnounced queues the object for registration.
func (s *Service) OnObjectAnnounced(path string, attrs device.Attributes) {
	if !s.mgr.Announce(path, attrs) {
		s.log.Debug("announcement dropped after close", "path", path)
	}
}

// OnPropertiesChanged validates the changed values and queues the valid
// ones. Values of the wrong type are logged and skipped.
func (s *Service) OnPropertiesChanged(path string, changed device.Attributes) {
	changes, rejected := device.ParseChanges(changed)
	if len(rejected) > 0 {
		s.log.Debug("ignoring malformed properties", "path", path, "properties", rejected)
	}
	s.mgr.UpdateProperties(path, changes)
}

// OnObjectRemoved removes the device when its Device1 interface goes away.
func (s *Service) OnObjectRemoved(path string, interfaces []string) {
	if !slices.Contains(interfaces, connmgr.DeviceInterface) {
		return
	}
	s.mgr.Remove(path)
}

// OnConnectionEstablished runs a session over fd. A registered device gets
// the session attached, replacing its previous one; otherwise the session
// is attached when the device registers.
func (s *Service) OnConnectionEstablished(path string, fd int, _ device.Attributes) {
	id := device.IdentityFromPath(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("connection after close, dropping", "path", path)
		_ = unix.Close(fd)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	opts := s.sessOpts
	opts.Logger = s.log
	opts.OnData = func(sid string, data []byte) {
		s.events.SessionData(sid, id, data)
	}
	sess, err := session.New(fd, opts)
	if err != nil {
		s.wg.Done()
		s.log.Error("creating session failed", "path", path, "error", err)
		return
	}
	if err := sess.Start(); err != nil {
		// Start releases fd on failure.
		s.wg.Done()
		s.log.Error("starting session failed", "path", path, "error", err)
		return
	}

	t := &tracked{sess: sess, dev: id}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Stop()
		s.wg.Done()
		return
	}
	s.nextSeq++
	t.seq = s.nextSeq
	s.sessions[sess.ID()] = t
	s.mu.Unlock()

	s.log.Info("session started", "session", sess.ID(), "device", id)
	s.events.SessionState(sess.ID(), id, SessionStarted)
	if h, ok := s.mgr.Lookup(id); ok {
		s.attach(h, t)
	}
	go s.untrack(t)
}

// OnDisconnectRequested stops every session of the device at path.
func (s *Service) OnDisconnectRequested(path string) {
	id := device.IdentityFromPath(path)
	for _, t := range s.sessionsOf(id) {
		s.log.Info("disconnect requested, stopping session", "session", t.sess.ID(), "device", id)
		t.sess.Stop()
	}
}

// attach makes t the device's session unless a later session is already
// attached, in which case t is stopped.
func (s *Service) attach(h *device.Handle, t *tracked) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if t.attached {
		s.mu.Unlock()
		return
	}
	if t.seq < s.newest[t.dev] {
		s.mu.Unlock()
		s.log.Info("stopping superseded session", "session", t.sess.ID(), "device", t.dev)
		t.sess.Stop()
		return
	}
	t.attached = true
	s.newest[t.dev] = t.seq
	s.mu.Unlock()
	h.AttachSession(t.sess)
}

func (s *Service) untrack(t *tracked) {
	defer s.wg.Done()
	<-t.sess.Done()

	s.mu.Lock()
	delete(s.sessions, t.sess.ID())
	s.mu.Unlock()

	st := t.sess.Stats()
	s.log.Info("session closed", "session", t.sess.ID(), "device", t.dev,
		"bytes_read", st.BytesRead, "bytes_written", st.BytesWritten)
	s.events.SessionState(t.sess.ID(), t.dev, SessionClosed)
}

func (s *Service) sessionsOf(id device.Identity) []*tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tracked
	for _, t := range s.sessions {
		if t.dev == id {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *tracked) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Lookup returns the registered handle for id.
func (s *Service) Lookup(id device.Identity) (*device.Handle, bool) {
	return s.mgr.Lookup(id)
}

// ListIdentities returns the registered identities in sorted order.
func (s *Service) ListIdentities() []device.Identity {
	return s.mgr.Identities()
}

// Sessions lists live sessions ordered by device then ID.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, t := range s.sessions {
		out = append(out, SessionInfo{
			ID:       t.sess.ID(),
			Device:   t.dev,
			State:    t.sess.State(),
			Attached: t.attached,
			Stats:    t.sess.Stats(),
		})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if a.Device != b.Device {
			return strings.Compare(string(a.Device), string(b.Device))
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close closes the registry, which tears down every device, stops the
// remaining sessions and waits for them to finish. It is idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.mgr.Close()

	s.mu.Lock()
	remaining := make([]*session.Session, 0, len(s.sessions))
	for _, t := range s.sessions {
		remaining = append(remaining, t.sess)
	}
	s.mu.Unlock()
	for _, sess := range remaining {
		sess.Stop()
	}
	s.wg.Wait()
}

// notifier forwards registry membership events and attaches sessions that
// arrived before their device registered, oldest first, so the newest one
// stays attached.
type notifier Service

func (n *notifier) DeviceAdded(id device.Identity, props device.Properties) {
	s := (*Service)(n)
	s.events.DeviceAdded(id, props)
	pending := s.sessionsOf(id)
	if len(pending) == 0 {
		return
	}
	h, ok := s.mgr.Lookup(id)
	if !ok {
		return
	}
	for _, t := range pending {
		s.attach(h, t)
	}
}

func (n *notifier) DeviceRemoved(id device.Identity) {
	(*Service)(n).events.DeviceRemoved(id)
}
