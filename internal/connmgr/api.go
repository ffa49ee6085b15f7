// Package connmgr is the BlueZ side of btpeerd: it watches the bluetoothd
// object tree over the system D-Bus, registers a Profile1 so BlueZ hands over
// connected RFCOMM/L2CAP descriptors, and issues Device1 calls.
//
// Thread-safety: all methods are safe for concurrent use. Close is idempotent.
// Handler callbacks run on connmgr goroutines (the signal dispatcher and the
// D-Bus method dispatcher) and must not block for long.
package connmgr

import (
	"context"

	"bluetooth-peer/internal/device"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the RFCOMM channel used for a server-role profile
	// when none is configured.
	DefaultRFCOMMChannel uint16 = 22

	// DefaultPSM is the L2CAP PSM used for a client-role profile when none is
	// configured.
	DefaultPSM uint16 = 0x0003

	DefaultProfileName = "Test SPP Profile"

	// DeviceInterface is the BlueZ interface name of remote devices.
	DeviceInterface = "org.bluez.Device1"
)

// Handler receives everything connmgr observes. Attributes are already
// unwrapped from D-Bus variants.
type Handler interface {
	// OnObjectAnnounced is called for every Device1 object, both those present
	// when Watch starts and those added later.
	OnObjectAnnounced(path string, attrs device.Attributes)
	// OnPropertiesChanged carries the changed Device1 properties of path.
	OnPropertiesChanged(path string, changed device.Attributes)
	// OnObjectRemoved lists the interfaces removed from path.
	OnObjectRemoved(path string, interfaces []string)
	// OnConnectionEstablished hands over a connected descriptor. The handler
	// owns fd from this point and must close it.
	OnConnectionEstablished(path string, fd int, props device.Attributes)
	// OnDisconnectRequested is called when BlueZ asks the profile to drop
	// its connection to path.
	OnDisconnectRequested(path string)
}

// ProfileOptions controls RegisterProfile. Zero values are omitted from the
// registration except where noted.
type ProfileOptions struct {
	// Name defaults to DefaultProfileName.
	Name string
	// UUID defaults to SPPUUID.
	UUID string
	// Role is "client" or "server"; defaults to "client".
	Role string
	// Channel is the RFCOMM channel. A server role without Channel or PSM
	// uses DefaultRFCOMMChannel.
	Channel uint16
	// PSM is the L2CAP PSM. A client role without Channel or PSM uses
	// DefaultPSM.
	PSM                   uint16
	RequireAuthentication bool
	RequireAuthorization  bool
}

// Options configures New.
type Options struct {
	// Adapter restricts the watch to one controller, e.g. "hci0". Empty
	// means every adapter.
	Adapter string
	Logger  Logger
}

// Logger is the logging interface used by connmgr.
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

// Mgr is the single public interface to bluetoothd.
type Mgr interface {
	// Watch subscribes to object and property signals, replays the current
	// Device1 objects to h as announcements, then returns. Dispatch goes on
	// in the background until ctx is done or Close is called. Watch may be
	// called once.
	Watch(ctx context.Context, h Handler) error

	// RegisterProfile exports a Profile1 object and registers it with
	// ProfileManager1. Every NewConnection is forwarded to the Handler given
	// to Watch; without one the descriptor is closed and the call rejected.
	RegisterProfile(ctx context.Context, opts ProfileOptions) error

	// Device returns a controller for the Device1 object at path.
	Device(path string) device.Controller

	// Snapshot lists the Device1 objects bluetoothd currently knows.
	Snapshot(ctx context.Context) ([]device.AnnouncedObject, error)

	// Discover runs discovery on every adapter until ctx is done and returns
	// all Device1 objects seen, including those known beforehand.
	Discover(ctx context.Context) ([]device.AnnouncedObject, error)

	// Close unregisters profiles, drops signal subscriptions and closes the
	// bus connection. After Close, all other methods return ErrClosed.
	Close() error
}
