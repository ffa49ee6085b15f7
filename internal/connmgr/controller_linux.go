//go:build linux

package connmgr

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

// controller issues org.bluez.Device1 calls for one object path.
type controller struct {
	m    *mgr
	path dbus.ObjectPath
}

func (c *controller) call(ctx context.Context, method string, args ...any) error {
	bus, err := c.m.busForCall()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, c.path)
	if call := obj.CallWithContext(ctx, deviceIface+"."+method, 0, args...); call.Err != nil {
		return fmt.Errorf("connmgr: %s %s: %w", method, macFromPath(c.path), call.Err)
	}
	return nil
}

func (c *controller) set(ctx context.Context, name string, v any) error {
	bus, err := c.m.busForCall()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, c.path)
	if call := obj.CallWithContext(ctx, propsIface+".Set", 0, deviceIface, name, dbus.MakeVariant(v)); call.Err != nil {
		return fmt.Errorf("connmgr: set %s on %s: %w", name, macFromPath(c.path), call.Err)
	}
	return nil
}

func (c *controller) Connect(ctx context.Context) error       { return c.call(ctx, "Connect") }
func (c *controller) Disconnect(ctx context.Context) error    { return c.call(ctx, "Disconnect") }
func (c *controller) Pair(ctx context.Context) error          { return c.call(ctx, "Pair") }
func (c *controller) CancelPairing(ctx context.Context) error { return c.call(ctx, "CancelPairing") }

func (c *controller) ConnectProfile(ctx context.Context, uuid string) error {
	return c.call(ctx, "ConnectProfile", uuid)
}

func (c *controller) DisconnectProfile(ctx context.Context, uuid string) error {
	return c.call(ctx, "DisconnectProfile", uuid)
}

func (c *controller) SetTrusted(ctx context.Context, v bool) error {
	return c.set(ctx, "Trusted", v)
}

func (c *controller) SetBlocked(ctx context.Context, v bool) error {
	return c.set(ctx, "Blocked", v)
}

func (c *controller) SetAlias(ctx context.Context, alias string) error {
	return c.set(ctx, "Alias", alias)
}
