package tinyble

import (
	"sync"

	"github.com/danmuck/glasslink/internal/ble"
	"tinygo.org/x/bluetooth"
)

type conn struct {
	central *Central
	key     string
	h       ble.Handler

	mu     sync.Mutex
	device bluetooth.Device
	open   bool
	closed bool
	tx     bluetooth.DeviceCharacteristic
	rx     bluetooth.DeviceCharacteristic
	ready  bool
}

var _ ble.Conn = (*conn)(nil)

// attach records the connected device; false means Close won the race.
func (c *conn) attach(device bluetooth.Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.device = device
	c.open = true
	return true
}

func (c *conn) DiscoverServices() {
	go func() {
		c.h.ServicesDiscovered(c.discover())
	}()
}

func (c *conn) discover() error {
	c.mu.Lock()
	device, open := c.device, c.open
	c.mu.Unlock()
	if !open {
		return ble.ErrNotConnected
	}

	svcUUID, err := bluetooth.ParseUUID(ble.UARTServiceUUID)
	if err != nil {
		return err
	}
	txUUID, _ := bluetooth.ParseUUID(ble.UARTTXCharUUID)
	rxUUID, _ := bluetooth.ParseUUID(ble.UARTRXCharUUID)

	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		return ble.ErrServiceNotFound
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID})
	if err != nil {
		return ble.ErrServiceNotFound
	}

	var tx, rx bluetooth.DeviceCharacteristic
	var haveTX, haveRX bool
	for _, ch := range chars {
		switch ch.UUID() {
		case txUUID:
			tx, haveTX = ch, true
		case rxUUID:
			rx, haveRX = ch, true
		}
	}
	if !haveTX || !haveRX {
		return ble.ErrServiceNotFound
	}

	c.mu.Lock()
	c.tx, c.rx, c.ready = tx, rx, true
	c.mu.Unlock()
	return nil
}

func (c *conn) Subscribe() error {
	c.mu.Lock()
	rx, ready := c.rx, c.ready
	c.mu.Unlock()
	if !ready {
		return ble.ErrServiceNotFound
	}
	return rx.EnableNotifications(func(buf []byte) {
		p := make([]byte, len(buf))
		copy(p, buf)
		c.h.Notification(p)
	})
}

func (c *conn) Write(id uint64, p []byte) error {
	c.mu.Lock()
	tx, ready, closed := c.tx, c.ready, c.closed
	c.mu.Unlock()
	if closed {
		return ble.ErrClosed
	}
	if !ready {
		return ble.ErrNotConnected
	}
	data := make([]byte, len(p))
	copy(data, p)
	go func() {
		_, err := tx.WriteWithoutResponse(data)
		c.h.WriteComplete(id, err)
	}()
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	device, open := c.device, c.open
	c.open, c.ready = false, false
	c.mu.Unlock()

	c.central.forget(c.key, c)
	if !open {
		return nil
	}
	return device.Disconnect()
}

// lost reports a platform-side disconnect once.
func (c *conn) lost(err error) {
	c.mu.Lock()
	if c.closed || !c.open {
		c.mu.Unlock()
		return
	}
	c.open, c.ready = false, false
	c.mu.Unlock()
	c.central.forget(c.key, c)
	c.h.ConnectionChanged(false, err)
}
