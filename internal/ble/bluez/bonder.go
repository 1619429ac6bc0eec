// Package bluez bonds and unbonds peripherals through the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"

	errAlreadyExists = "org.bluez.Error.AlreadyExists"
	errDoesNotExist  = "org.bluez.Error.DoesNotExist"
)

// Bonder pairs devices on one BlueZ adapter (hci0 by default).
type Bonder struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// Dial connects to the system bus and checks that BlueZ is present.
func Dial(adapter string) (*Bonder, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, errors.New("bluez: org.bluez not found on system bus")
	}
	return &Bonder{conn: conn, adapterPath: dbus.ObjectPath("/org/bluez/" + adapter)}, nil
}

func (b *Bonder) Close() error {
	return b.conn.Close()
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to the adapter's dev_AA_BB_... path.
func (b *Bonder) DevicePath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + escaped)
}

// Paired reports the Device1.Paired property.
func (b *Bonder) Paired(addr string) (bool, error) {
	obj := b.conn.Object(busName, b.DevicePath(addr))
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, deviceIface, "Paired").Store(&v); err != nil {
		return false, err
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return false, errors.New("bluez: Paired is not a bool")
	}
	return paired, nil
}

// Pair bonds with addr. An existing bond counts as success.
func (b *Bonder) Pair(ctx context.Context, addr string) error {
	if paired, err := b.Paired(addr); err == nil && paired {
		return nil
	}
	obj := b.conn.Object(busName, b.DevicePath(addr))
	err := obj.CallWithContext(ctx, deviceIface+".Pair", 0).Err
	if err == nil || isDBusError(err, errAlreadyExists) {
		return nil
	}
	return fmt.Errorf("bluez: pair %s: %w", addr, err)
}

// Remove deletes the device and its bond from the adapter.
func (b *Bonder) Remove(addr string) error {
	obj := b.conn.Object(busName, b.adapterPath)
	err := obj.Call(adapterIface+".RemoveDevice", 0, b.DevicePath(addr)).Err
	if err == nil || isDBusError(err, errDoesNotExist) {
		return nil
	}
	return fmt.Errorf("bluez: remove %s: %w", addr, err)
}

func isDBusError(err error, name string) bool {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name == name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name == name
	}
	return false
}
