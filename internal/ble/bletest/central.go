// Package bletest provides a scripted ble.Central for tests.
//
// In manual mode the test drives every callback itself (CompleteBond,
// Conn.Connected, Conn.Discovered, Conn.Ack, Conn.Complete, Conn.Drop). In auto mode bonds,
// connections, discovery and write completions resolve on their own, each
// from a fresh goroutine the way a platform stack delivers them.
package bletest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/glasslink/internal/ble"
)

var ErrScripted = errors.New("bletest: scripted failure")

// Script configures auto mode. Zero value is manual mode.
type Script struct {
	Auto bool
	// BondErr decides the outcome of bonding attempt n (1-based) for addr.
	BondErr func(addr string, attempt int) error
	// MissingService makes discovery fail for addr.
	MissingService func(addr string) bool
	// HoldAcks leaves write completions to the test even in auto mode.
	HoldAcks bool
	// StopScanErr is returned by StopScan after the scan has stopped.
	StopScanErr error
}

type pendingBond struct {
	addr   string
	result func(error)
}

// Central is an in-memory ble.Central.
type Central struct {
	script Script

	mu          sync.Mutex
	scanning    bool
	found       func(ble.Advertisement)
	scanStarts  int
	bondCalls   map[string]int
	pending     []pendingBond
	removed     []string
	connects    map[string]int
	conns       map[string]*Conn
	connHistory []*Conn
}

var _ ble.Central = (*Central)(nil)

func New(script Script) *Central {
	return &Central{
		script:    script,
		bondCalls: make(map[string]int),
		connects:  make(map[string]int),
		conns:     make(map[string]*Conn),
	}
}

func (c *Central) StartScan(found func(ble.Advertisement)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = true
	c.found = found
	c.scanStarts++
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = false
	return c.script.StopScanErr
}

// Advertise delivers adv to the active scan. It reports false when no scan runs.
func (c *Central) Advertise(adv ble.Advertisement) bool {
	c.mu.Lock()
	found, scanning := c.found, c.scanning
	c.mu.Unlock()
	if !scanning || found == nil {
		return false
	}
	found(adv)
	return true
}

func (c *Central) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

func (c *Central) ScanStarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanStarts
}

func (c *Central) Bond(addr string, result func(error)) {
	c.mu.Lock()
	c.bondCalls[addr]++
	attempt := c.bondCalls[addr]
	if !c.script.Auto {
		c.pending = append(c.pending, pendingBond{addr: addr, result: result})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var err error
	if c.script.BondErr != nil {
		err = c.script.BondErr(addr, attempt)
	}
	go result(err)
}

// CompleteBond resolves the oldest pending bond for addr.
func (c *Central) CompleteBond(addr string, err error) error {
	c.mu.Lock()
	for i, p := range c.pending {
		if p.addr != addr {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		c.mu.Unlock()
		p.result(err)
		return nil
	}
	c.mu.Unlock()
	return fmt.Errorf("bletest: no pending bond for %s", addr)
}

func (c *Central) BondAttempts(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bondCalls[addr]
}

func (c *Central) RemoveBond(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, addr)
	return nil
}

func (c *Central) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

func (c *Central) Connect(addr string, h ble.Handler) (ble.Conn, error) {
	c.mu.Lock()
	c.connects[addr]++
	cn := &Conn{central: c, addr: addr, h: h}
	c.conns[addr] = cn
	c.connHistory = append(c.connHistory, cn)
	auto := c.script.Auto
	c.mu.Unlock()

	if auto {
		go cn.Connected()
	}
	return cn, nil
}

func (c *Central) ConnectAttempts(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[addr]
}

// Conn returns the latest connection opened to addr.
func (c *Central) Conn(addr string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[addr]
}

// Conn is a scripted peripheral connection.
type Conn struct {
	central *Central
	addr    string
	h       ble.Handler

	mu          sync.Mutex
	discovering bool
	subscribed  bool
	closed      bool
	writes      [][]byte
	pending     []uint64
	maxOutstand int
}

var _ ble.Conn = (*Conn)(nil)

func (c *Conn) DiscoverServices() {
	c.mu.Lock()
	c.discovering = true
	c.mu.Unlock()

	script := c.central.script
	if !script.Auto {
		return
	}
	var err error
	if script.MissingService != nil && script.MissingService(c.addr) {
		err = ble.ErrServiceNotFound
	}
	go c.h.ServicesDiscovered(err)
}

func (c *Conn) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ble.ErrClosed
	}
	c.subscribed = true
	return nil
}

func (c *Conn) Write(id uint64, p []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ble.ErrClosed
	}
	data := make([]byte, len(p))
	copy(data, p)
	c.writes = append(c.writes, data)
	c.pending = append(c.pending, id)
	if len(c.pending) > c.maxOutstand {
		c.maxOutstand = len(c.pending)
	}
	auto := c.central.script.Auto && !c.central.script.HoldAcks
	c.mu.Unlock()

	if auto {
		go c.Complete(id, nil)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Connected reports the link as up.
func (c *Conn) Connected() {
	c.h.ConnectionChanged(true, nil)
}

// Discovered completes a pending service discovery.
func (c *Conn) Discovered(err error) {
	c.h.ServicesDiscovered(err)
}

// Drop simulates a transport-level disconnect.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = ErrScripted
	}
	c.h.ConnectionChanged(false, err)
}

// Ack completes the oldest outstanding write. With none outstanding it
// delivers a completion for id 0.
func (c *Conn) Ack(err error) {
	c.mu.Lock()
	var id uint64
	if len(c.pending) > 0 {
		id = c.pending[0]
	}
	c.mu.Unlock()
	c.Complete(id, err)
}

// Complete delivers the completion of write id, outstanding or not.
func (c *Conn) Complete(id uint64, err error) {
	c.mu.Lock()
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.h.WriteComplete(id, err)
}

// Pending lists the ids of writes awaiting completion, oldest first.
func (c *Conn) Pending() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.pending...)
}

// Notify delivers an inbound notification.
func (c *Conn) Notify(p []byte) {
	c.h.Notification(p)
}

func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *Conn) Discovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovering
}

// MaxOutstanding is the highest number of writes ever awaiting completion.
func (c *Conn) MaxOutstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxOutstand
}
