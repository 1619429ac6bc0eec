// Package link drives one glasses arm through scan, bond, connect, service
// discovery and subscription, and exposes a non-blocking frame write.
package link

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrNotDiscovered = errors.New("link: peripheral not discovered")
	ErrInvalidState  = errors.New("link: invalid state for operation")
	ErrClosed        = errors.New("link: closed")
)

// Observer receives link events. Calls are made without the link lock held
// and may arrive from any goroutine.
type Observer interface {
	LinkStateChanged(side protocol.Side, from, to protocol.PeripheralState)
	// LinkBondFailed reports one failed attempt; permanent is true exactly
	// once, when the retry ceiling is reached.
	LinkBondFailed(side protocol.Side, err error, permanent bool)
	LinkNotification(side protocol.Side, p []byte)
	LinkWriteComplete(side protocol.Side, id uint64, err error)
}

type transition struct {
	from, to protocol.PeripheralState
}

// Link is the state machine for one arm. Each connection phase owns one
// slot in a timer table keyed by the state it bounds.
type Link struct {
	side    protocol.Side
	central ble.Central
	cfg     session.Config
	obs     Observer
	timers  *session.Timers[protocol.PeripheralState]
	logger  zerolog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	state      protocol.PeripheralState
	peripheral ble.Advertisement
	identity   protocol.PairingIdentity
	bondedAddr string
	gen        uint64
	conn       ble.Conn
	failures   int
	permanent  bool
	closed     bool
}

func New(side protocol.Side, central ble.Central, cfg session.Config, obs Observer) *Link {
	return &Link{
		side:    side,
		central: central,
		cfg:     cfg.WithDefaults(),
		obs:     obs,
		timers:  session.NewTimers[protocol.PeripheralState](),
		logger:  observability.Component("link").With().Str("side", side.String()).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(side))),
		state:   protocol.StateIdle,
	}
}

func (l *Link) Side() protocol.Side { return l.side }

func (l *Link) State() protocol.PeripheralState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Peripheral returns the advertisement the link is bound to, if any.
func (l *Link) Peripheral() (ble.Advertisement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peripheral, l.peripheral.Address != ""
}

func (l *Link) Identity() protocol.PairingIdentity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity
}

// Bonded reports whether the platform holds a bond for the current peripheral.
func (l *Link) Bonded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bondedAddr != "" && l.bondedAddr == l.peripheral.Address
}

// BeginScan resets the arm to Scanning and forgets the previous peripheral.
// The durable bond record is kept.
func (l *Link) BeginScan() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state.Live() {
		l.mu.Unlock()
		return fmt.Errorf("%w: scan while %s", ErrInvalidState, l.state)
	}
	l.gen++
	l.peripheral = ble.Advertisement{}
	l.failures = 0
	l.permanent = false
	tr := l.setLocked(protocol.StateScanning)
	l.mu.Unlock()

	l.timers.CancelAll()
	l.emit(tr)
	return nil
}

// Discovered binds the arm to adv while scanning. It returns true only for
// the first matching advertisement of a scan.
func (l *Link) Discovered(adv ble.Advertisement) bool {
	id, side, ok := protocol.ParseAdvertisedName(adv.Name)
	if !ok || side != l.side {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != protocol.StateScanning || l.peripheral.Address != "" {
		return false
	}
	l.peripheral = adv
	l.identity = id
	l.logger.Info().
		Str("address", adv.Address).
		Str("name", adv.Name).
		Int16("rssi", adv.RSSI).
		Msg("link.discovered")
	return true
}

// StartBonding bonds the discovered peripheral. A peripheral the platform
// already holds a bond for moves straight to Bonded.
func (l *Link) StartBonding() error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.permanent:
		l.mu.Unlock()
		return protocol.WrapSide(l.side, "bond", protocol.ErrPermanentBondFailure)
	case l.peripheral.Address == "":
		l.mu.Unlock()
		return ErrNotDiscovered
	case l.state == protocol.StateBonding || l.state == protocol.StateBonded:
		l.mu.Unlock()
		return nil
	case l.state != protocol.StateScanning && l.state != protocol.StateIdle && l.state != protocol.StateDisconnected:
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: bond while %s", ErrInvalidState, state)
	}

	addr := l.peripheral.Address
	if l.bondedAddr == addr {
		tr := l.setLocked(protocol.StateBonded)
		l.mu.Unlock()
		l.emit(tr)
		return nil
	}

	l.gen++
	gen := l.gen
	l.failures++
	attempt := l.failures
	tr := l.setLocked(protocol.StateBonding)
	l.mu.Unlock()

	l.logger.Info().Str("address", addr).Int("attempt", attempt).Msg("link.bond start")
	l.emit(tr)
	l.timers.Schedule(protocol.StateBonding, l.cfg.BondTimeout, func() {
		l.bondResult(gen, fmt.Errorf("%w: timeout after %s", protocol.ErrBondingFailure, l.cfg.BondTimeout))
	})
	l.central.Bond(addr, func(err error) {
		if err != nil && !errors.Is(err, protocol.ErrBondingFailure) {
			err = fmt.Errorf("%w: %v", protocol.ErrBondingFailure, err)
		}
		l.bondResult(gen, err)
	})
	return nil
}

func (l *Link) bondResult(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || l.state != protocol.StateBonding || l.closed {
		l.mu.Unlock()
		return
	}
	l.timers.Cancel(protocol.StateBonding)

	if err == nil {
		l.bondedAddr = l.peripheral.Address
		l.failures = 0
		tr := l.setLocked(protocol.StateBonded)
		l.mu.Unlock()
		l.logger.Info().Str("identity", string(l.Identity())).Msg("link.bonded")
		l.emit(tr)
		return
	}

	attempt := l.failures
	observability.RecordBondFailure(l.side.String())
	if attempt >= l.cfg.BondRetryCeiling {
		l.permanent = true
		l.gen++
		tr := l.setLocked(protocol.StateIdle)
		l.mu.Unlock()

		l.logger.Error().Err(err).Int("attempt", attempt).Msg("link.bond permanent failure")
		l.emit(tr)
		l.obs.LinkBondFailed(l.side, protocol.WrapSide(l.side, "bond", protocol.ErrPermanentBondFailure), true)
		return
	}

	delay := l.cfg.BondBackoff.Delay(attempt, l.rng)
	tr := l.setLocked(protocol.StateScanning)
	l.mu.Unlock()

	l.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("link.bond failed")
	l.emit(tr)
	l.obs.LinkBondFailed(l.side, protocol.WrapSide(l.side, "bond", err), false)
	l.timers.Schedule(protocol.StateScanning, delay, func() {
		l.mu.Lock()
		stale := gen != l.gen || l.state != protocol.StateScanning
		l.mu.Unlock()
		if stale {
			return
		}
		if err := l.StartBonding(); err != nil {
			l.logger.Warn().Err(err).Msg("link.bond retry")
		}
	})
}

// Connect opens the transport connection. Valid only from Bonded.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != protocol.StateBonded {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	l.gen++
	gen := l.gen
	addr := l.peripheral.Address
	tr := l.setLocked(protocol.StateConnecting)
	l.mu.Unlock()

	l.emit(tr)
	l.timers.Schedule(protocol.StateConnecting, l.cfg.ConnectTimeout, func() {
		l.fail(gen, fmt.Errorf("%w: connect timeout after %s", protocol.ErrTransientTransport, l.cfg.ConnectTimeout))
	})

	a := &attempt{link: l, gen: gen, ready: make(chan struct{})}
	conn, err := l.central.Connect(addr, a)
	if err != nil {
		close(a.ready)
		l.fail(gen, fmt.Errorf("%w: %v", protocol.ErrTransientTransport, err))
		return nil
	}

	l.mu.Lock()
	if gen == l.gen {
		l.conn = conn
		conn = nil
	}
	l.mu.Unlock()
	close(a.ready)
	if conn != nil {
		// superseded while connecting
		_ = conn.Close()
	}
	return nil
}

// Write sends f without waiting for completion, which is reported under id.
// It returns false when the arm is not ServiceReady or the transport refused
// the write.
func (l *Link) Write(id uint64, f frame.Frame) bool {
	l.mu.Lock()
	conn := l.conn
	ready := l.state == protocol.StateServiceReady
	l.mu.Unlock()
	if !ready || conn == nil {
		return false
	}
	if err := conn.Write(id, f.Bytes()); err != nil {
		l.logger.Warn().Err(err).Str("frame", f.String()).Msg("link.write")
		return false
	}
	return true
}

// Disconnect forces the arm to Disconnected and releases the transport. It
// reports whether anything changed.
func (l *Link) Disconnect() bool {
	l.mu.Lock()
	switch l.state {
	case protocol.StateIdle, protocol.StateDisconnected:
		l.mu.Unlock()
		return false
	}
	l.gen++
	conn := l.conn
	l.conn = nil
	tr := l.setLocked(protocol.StateDisconnected)
	l.mu.Unlock()

	l.timers.CancelAll()
	closeConn(conn)
	l.emit(tr)
	return true
}

// Teardown releases the transport and resets the arm to Idle.
func (l *Link) Teardown() {
	l.mu.Lock()
	l.gen++
	conn := l.conn
	l.conn = nil
	l.failures = 0
	l.permanent = false
	tr := l.setLocked(protocol.StateIdle)
	l.mu.Unlock()

	l.timers.CancelAll()
	closeConn(conn)
	l.emit(tr)
}

// Unbond tears the arm down and removes the platform bond for its peripheral.
func (l *Link) Unbond() error {
	l.mu.Lock()
	addr := l.peripheral.Address
	l.bondedAddr = ""
	l.peripheral = ble.Advertisement{}
	l.identity = ""
	l.mu.Unlock()

	l.Teardown()
	if addr == "" {
		return nil
	}
	if err := l.central.RemoveBond(addr); err != nil {
		return protocol.WrapSide(l.side, "unbond", err)
	}
	l.logger.Info().Str("address", addr).Msg("link.unbonded")
	return nil
}

// Close tears down and stops every timer for good.
func (l *Link) Close() {
	l.Teardown()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.timers.Close()
}

// fail drops the current attempt to Disconnected if gen is still current.
func (l *Link) fail(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || !l.state.Live() {
		l.mu.Unlock()
		return
	}
	l.gen++
	conn := l.conn
	l.conn = nil
	tr := l.setLocked(protocol.StateDisconnected)
	l.mu.Unlock()

	l.timers.Cancel(protocol.StateConnecting)
	closeConn(conn)
	l.logger.Warn().Err(err).Msg("link.disconnected")
	l.emit(tr)
}

func (l *Link) setLocked(to protocol.PeripheralState) transition {
	tr := transition{from: l.state, to: to}
	l.state = to
	return tr
}

func (l *Link) emit(tr transition) {
	if tr.from == tr.to {
		return
	}
	observability.RecordStateTransition(l.side.String(), tr.to.String())
	l.logger.Debug().Str("from", tr.from.String()).Str("to", tr.to.String()).Msg("link.state")
	l.obs.LinkStateChanged(l.side, tr.from, tr.to)
}

func closeConn(conn ble.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
