//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-peer/internal/device"
)

var (
	ErrClosed          = errors.New("connmgr: closed")
	ErrAlreadyWatching = errors.New("connmgr: watch already started")
)

// New creates a new manager instance. The bus connection is opened lazily.
func New(opts Options) Mgr {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &mgr{
		adapter: opts.Adapter,
		log:     opts.Logger,
		stop:    make(chan struct{}),
	}
}

var pathCounter uint64

type mgr struct {
	adapter string
	log     Logger

	mu       sync.Mutex
	closed   bool
	bus      *dbus.Conn
	handler  Handler
	watching bool
	stop     chan struct{}
	wg       sync.WaitGroup

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { c.Close() })
	return nil
}

func (m *mgr) busForCall() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

func (m *mgr) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.handler
}

func (m *mgr) Watch(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("connmgr: nil handler")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.watching {
		m.mu.Unlock()
		return ErrAlreadyWatching
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.watching = true
	m.handler = h
	bus := m.bus
	m.mu.Unlock()

	// Subscribe before the replay so nothing added in between is missed.
	// A device announced twice is harmless downstream.
	sigCh := make(chan *dbus.Signal, 64)
	bus.Signal(sigCh)
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchArg(0, deviceIface)},
	}
	var added [][]dbus.MatchOption
	unsubscribe := func() {
		for _, opts := range added {
			_ = bus.RemoveMatchSignal(opts...)
		}
		bus.RemoveSignal(sigCh)
	}
	for _, opts := range matches {
		if err := bus.AddMatchSignalContext(ctx, opts...); err != nil {
			unsubscribe()
			return fmt.Errorf("connmgr: AddMatchSignal: %w", err)
		}
		added = append(added, opts)
	}

	d := &dispatcher{adapter: m.adapter, h: h, log: m.log}
	objs, err := managedObjectsOf(ctx, bus)
	if err != nil {
		unsubscribe()
		return err
	}
	n := d.replay(objs)
	m.log.Info("watching bluez objects", "adapter", m.adapter, "devices", n)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	// Drop subscriptions before the bus itself is closed.
	m.cleanup = append(m.cleanup, func() {
		m.wg.Wait()
		unsubscribe()
	})
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				d.dispatch(sig)
			}
		}
	}()
	return nil
}

// profile implements org.bluez.Profile1 and forwards connections to the
// manager's handler.
type profile struct {
	m    *mgr
	path dbus.ObjectPath
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error {
	p.m.log.Info("profile released", "profile", p.path)
	return nil
}

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.m.log.Info("disconnection requested", "device", macFromPath(dev))
	if h := p.m.currentHandler(); h != nil {
		h.OnDisconnectRequested(string(dev))
	}
	return nil
}

// NewConnection hands the connected descriptor to the handler, which owns it
// from then on.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	p.m.log.Info("new connection", "device", macFromPath(dev), "fd", int(fd))
	h := p.m.currentHandler()
	if h == nil {
		// No handler: the descriptor is ours to close.
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	h.OnConnectionEstablished(string(dev), int(fd), unwrapAttributes(props))
	return nil
}

func (o ProfileOptions) withDefaults() ProfileOptions {
	if o.Name == "" {
		o.Name = DefaultProfileName
	}
	if o.UUID == "" {
		o.UUID = SPPUUID
	}
	if o.Role == "" {
		o.Role = "client"
	}
	if o.Channel == 0 && o.PSM == 0 {
		if o.Role == "server" {
			o.Channel = DefaultRFCOMMChannel
		} else {
			o.PSM = DefaultPSM
		}
	}
	return o
}

// registration builds the RegisterProfile options dictionary.
func (o ProfileOptions) registration() map[string]dbus.Variant {
	out := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(o.Name),
		"Role": dbus.MakeVariant(o.Role),
	}
	// BlueZ expects Channel and PSM as uint16.
	if o.Channel != 0 {
		out["Channel"] = dbus.MakeVariant(o.Channel)
	}
	if o.PSM != 0 {
		out["PSM"] = dbus.MakeVariant(o.PSM)
	}
	if o.RequireAuthentication {
		out["RequireAuthentication"] = dbus.MakeVariant(true)
	}
	if o.RequireAuthorization {
		out["RequireAuthorization"] = dbus.MakeVariant(true)
	}
	return out
}

func (m *mgr) RegisterProfile(ctx context.Context, opts ProfileOptions) error {
	opts = opts.withDefaults()
	if opts.Role != "client" && opts.Role != "server" {
		return fmt.Errorf("connmgr: invalid profile role %q", opts.Role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}

	// Unique object path per registration to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_peer/profile/p" + strconv.FormatUint(id, 10))
	prof := &profile{m: m, path: path}
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export profile: %w", err)
	}

	bus := m.bus
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, opts.UUID, opts.registration()); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(%s): %w", opts.Role, call.Err)
	}
	// On close, unregister the profile before closing the bus.
	m.cleanup = append(m.cleanup, func() {
		if err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err; err != nil {
			m.log.Warn("unregister profile failed", "profile", path, "error", err)
		}
		// Unexport the object path (best-effort).
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	m.log.Info("profile registered",
		"profile", path,
		"name", opts.Name,
		"uuid", opts.UUID,
		"role", opts.Role,
		"channel", opts.Channel,
		"psm", opts.PSM,
	)
	return nil
}

func (m *mgr) Device(path string) device.Controller {
	return &controller{m: m, path: dbus.ObjectPath(path)}
}

func (m *mgr) Snapshot(ctx context.Context) ([]device.AnnouncedObject, error) {
	bus, err := m.busForCall()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjectsOf(ctx, bus)
	if err != nil {
		return nil, err
	}
	return deviceObjects(objs, m.adapter), nil
}

func (m *mgr) Discover(ctx context.Context) ([]device.AnnouncedObject, error) {
	bus, err := m.busForCall()
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

	objs, err := managedObjectsOf(ctx, bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adaptersOf(objs, m.adapter) {
		if err := bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			m.log.Warn("start discovery failed", "adapter", ap, "error", err)
			continue
		}
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-m.stop:
			break loop
		case sig := <-sigCh:
			if sig == nil || sig.Name != sigInterfacesAdded || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces != nil {
				objs[path] = ifaces
			}
		}
	}
	return deviceObjects(objs, m.adapter), nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func managedObjectsOf(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func adaptersOf(objs managedObjects, only string) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		if only != "" && string(path) != "/org/bluez/"+only {
			continue
		}
		out = append(out, path)
	}
	return out
}
