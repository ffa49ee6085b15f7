package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"bluetooth-peer/internal/devclass"
	"bluetooth-peer/internal/device"
)

// Logger defines the logging interface used by the registry.
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

// defaultTeardownTimeout bounds the controller calls made while removing a
// device.
const defaultTeardownTimeout = 5 * time.Second

// Options configures a Manager. NewHandle is required.
type Options struct {
	Filter          *devclass.Filter
	NewHandle       HandleFactory
	Notifier        Notifier
	Logger          Logger
	TeardownTimeout time.Duration
}

// Manager ties the notification queue, the registry worker and the device
// registry together.
//
// Thread Safety:
//   - Announce, UpdateProperties, Remove, Lookup and Identities may be called
//     from any goroutine.
//   - Start must be called once; Close is idempotent.
type Manager struct {
	reg             *Registry
	queue           *Queue
	worker          *Worker
	logger          Logger
	notifier        Notifier
	teardownTimeout time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewManager creates a manager. Call Start to launch the worker.
func NewManager(opts Options) (*Manager, error) {
	if opts.NewHandle == nil {
		return nil, errors.New("registry: NewHandle is required")
	}
	if opts.Filter == nil {
		opts.Filter = devclass.DefaultFilter()
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}

	m := &Manager{
		reg:             New(),
		queue:           NewQueue(),
		logger:          opts.Logger,
		notifier:        opts.Notifier,
		teardownTimeout: opts.TeardownTimeout,
	}
	m.worker = &Worker{
		queue:     m.queue,
		reg:       m.reg,
		filter:    opts.Filter,
		newHandle: opts.NewHandle,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
	}
	return m, nil
}

// Start launches the registry worker.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("registry: already started")
	}
	select {
	case <-m.queue.Done():
		return errors.New("registry: closed")
	default:
	}
	m.started = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.worker.Drain()
		m.logger.Debug("registry worker exited")
	}()
	return nil
}

// Announce queues an "object appeared" notification. It never blocks and
// returns false once the manager is closed.
func (m *Manager) Announce(path string, attrs device.Attributes) bool {
	return m.queue.Enqueue(Announced(path, attrs))
}

// UpdateProperties queues property changes for the device at path.
func (m *Manager) UpdateProperties(path string, changes []device.Change) bool {
	if len(changes) == 0 {
		return false
	}
	return m.queue.Enqueue(PropertiesChanged(path, changes))
}

// Remove tears down and erases the device at path on the calling goroutine.
// It reports false when no device is registered under the path's identity.
func (m *Manager) Remove(path string) bool {
	id := device.IdentityFromPath(path)
	if !id.Valid() {
		return false
	}
	h, ok := m.reg.Lookup(id)
	if !ok {
		m.logger.Debug("remove of unknown device", "device", id)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	h.Teardown(ctx)
	cancel()

	if _, ok := m.reg.Remove(id); !ok {
		return false
	}
	m.logger.Info("device removed", "device", id, "count", m.reg.Len())
	m.notifier.DeviceRemoved(id)
	return true
}

// Lookup returns the handle for id.
func (m *Manager) Lookup(id device.Identity) (*device.Handle, bool) {
	return m.reg.Lookup(id)
}

// Identities returns a sorted snapshot of registered identities.
func (m *Manager) Identities() []device.Identity {
	return m.reg.Identities()
}

// Close stops the worker, waits for it to exit and tears down every
// registered device. Queued notifications are discarded.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if n := m.queue.Close(); n > 0 {
			m.logger.Info("discarding queued notifications", "count", n)
		}
		m.wg.Wait()

		handles := m.reg.RemoveAll()
		for _, h := range handles {
			ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
			h.Teardown(ctx)
			cancel()
			m.notifier.DeviceRemoved(h.Identity())
		}
		m.logger.Info("registry closed", "devices", len(handles))
	})
}
