// Package tinyble implements ble.Central on tinygo.org/x/bluetooth.
package tinyble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"
)

// Bonder pairs a peripheral at the OS level. bluez.Bonder satisfies it.
type Bonder interface {
	Pair(ctx context.Context, addr string) error
	Remove(addr string) error
}

// Central drives one local adapter.
type Central struct {
	adapter     *bluetooth.Adapter
	bonder      Bonder
	bondTimeout time.Duration

	mu       sync.Mutex
	seen     map[string]bluetooth.Address
	conns    map[string]*conn
	scanning bool
	found    func(ble.Advertisement)
}

var _ ble.Central = (*Central)(nil)

// New wraps adapter. bonder may be nil when the platform bonds on connect.
func New(adapter *bluetooth.Adapter, bonder Bonder, bondTimeout time.Duration) *Central {
	if bondTimeout <= 0 {
		bondTimeout = 15 * time.Second
	}
	return &Central{
		adapter:     adapter,
		bonder:      bonder,
		bondTimeout: bondTimeout,
		seen:        make(map[string]bluetooth.Address),
		conns:       make(map[string]*conn),
	}
}

// Enable powers the adapter and routes disconnects to open connections.
func (c *Central) Enable() error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("tinyble: enable adapter: %w", err)
	}
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := normalize(device.Address.String())
		c.mu.Lock()
		cn := c.conns[key]
		c.mu.Unlock()
		if cn != nil {
			cn.lost(ble.ErrNotConnected)
		}
	})
	return nil
}

// StartScan begins scanning, or swaps the result callback of a running scan.
func (c *Central) StartScan(found func(ble.Advertisement)) error {
	c.mu.Lock()
	c.found = found
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	go func() {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if name == "" {
				return
			}
			key := normalize(result.Address.String())
			c.mu.Lock()
			c.seen[key] = result.Address
			found := c.found
			c.mu.Unlock()
			if found != nil {
				found(ble.Advertisement{Address: key, Name: name, RSSI: result.RSSI})
			}
		})
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil {
			log.Warn().Str("component", "tinyble").Err(err).Msg("tinyble.scan stopped")
		}
	}()
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return c.adapter.StopScan()
}

func (c *Central) Bond(addr string, result func(error)) {
	if c.bonder == nil {
		go result(nil)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.bondTimeout)
		defer cancel()
		result(c.bonder.Pair(ctx, addr))
	}()
}

func (c *Central) RemoveBond(addr string) error {
	if c.bonder == nil {
		return nil
	}
	return c.bonder.Remove(addr)
}

func (c *Central) Connect(addr string, h ble.Handler) (ble.Conn, error) {
	key := normalize(addr)
	c.mu.Lock()
	address, ok := c.seen[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ble.ErrUnknownAddress, addr)
	}
	cn := &conn{central: c, key: key, h: h}
	c.conns[key] = cn
	c.mu.Unlock()

	go func() {
		device, err := c.adapter.Connect(address, bluetooth.ConnectionParams{})
		if err != nil {
			c.forget(key, cn)
			h.ConnectionChanged(false, err)
			return
		}
		if !cn.attach(device) {
			_ = device.Disconnect()
			return
		}
		h.ConnectionChanged(true, nil)
	}()
	return cn, nil
}

func (c *Central) forget(key string, cn *conn) {
	c.mu.Lock()
	if c.conns[key] == cn {
		delete(c.conns, key)
	}
	c.mu.Unlock()
}

func normalize(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
