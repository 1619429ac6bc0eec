// Package coordinator composes the two arm links into one logical device:
// joint bonding, left-then-right connection and forced pair reconnects.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/danmuck/glasslink/internal/link"
	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrClosed      = errors.New("coordinator: closed")
	ErrBusy        = errors.New("coordinator: link active")
	ErrInvalidHint = errors.New("coordinator: pairing hint must be numeric")
)

// FlowControl is the slice of the send queue the coordinator resets on a
// forced pair disconnect.
type FlowControl interface {
	Flush()
	ResetGates()
}

// Observer receives composite events. Implementations must not call back
// into the coordinator synchronously.
type Observer interface {
	LinkStateChanged(state protocol.LinkState)
	PairConfirmed(id protocol.PairingIdentity)
	Warning(err error)
	PermanentFailure(err error)
	Notification(side protocol.Side, p []byte)
	WriteComplete(side protocol.Side, id uint64, err error)
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseScanning
	phaseConnecting
	phaseConnected
	phaseReconnecting
	phaseFailed
)

type timerKey uint8

const (
	timerRightConnect timerKey = iota
	timerJointReady
	timerReconnect
)

// Status is a point-in-time view of the pair.
type Status struct {
	State    protocol.LinkState       `json:"state"`
	Left     protocol.PeripheralState `json:"left"`
	Right    protocol.PeripheralState `json:"right"`
	Identity protocol.PairingIdentity `json:"identity,omitempty"`
	Wanted   bool                     `json:"wanted"`
}

type Coordinator struct {
	central ble.Central
	cfg     session.Config
	links   [2]*link.Link
	flow    FlowControl
	obs     Observer
	timers  *session.Timers[timerKey]
	logger  zerolog.Logger

	// emitMu keeps composite-state deliveries in the order they were derived.
	emitMu sync.Mutex

	mu          sync.Mutex
	wanted      bool
	closed      bool
	phase       phase
	gen         uint64
	hint        protocol.PairingIdentity
	filter      protocol.PairingIdentity
	confirmed   protocol.PairingIdentity
	bondSeq     uint64
	bondedAt    [2]uint64
	unbonding   [2]bool
	scanning    bool
	discovering bool
	reported    protocol.LinkState
}

func New(central ble.Central, cfg session.Config, flow FlowControl, obs Observer) *Coordinator {
	if obs == nil {
		obs = nopObserver{}
	}
	c := &Coordinator{
		central: central,
		cfg:     cfg.WithDefaults(),
		flow:    flow,
		obs:     obs,
		timers:  session.NewTimers[timerKey](),
		logger:  observability.Component("coordinator"),
	}
	for _, side := range protocol.Sides {
		c.links[side] = link.New(side, central, c.cfg, c)
	}
	return c
}

func (c *Coordinator) Link(side protocol.Side) *link.Link {
	return c.links[side]
}

// Start begins the joint scan, bond and connect sequence. A non-empty hint
// restricts it to one pairing identity. Calling Start while the link is
// wanted is a no-op; while Discover runs it fails with ErrBusy.
func (c *Coordinator) Start(hint protocol.PairingIdentity) error {
	if !hint.Empty() && !hint.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidHint, hint)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.wanted {
		c.mu.Unlock()
		return nil
	}
	if c.discovering {
		c.mu.Unlock()
		return fmt.Errorf("%w: discovery in progress", ErrBusy)
	}
	c.wanted = true
	c.hint = hint
	c.filter = hint
	c.confirmed = ""
	c.mu.Unlock()

	c.logger.Info().Str("hint", string(hint)).Msg("coordinator.start")
	c.beginCycle()
	return nil
}

// beginCycle puts both arms back to scanning under a fresh generation.
func (c *Coordinator) beginCycle() {
	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.phase = phaseScanning
	c.bondedAt = [2]uint64{}
	c.unbonding = [2]bool{}
	c.scanning = true
	c.mu.Unlock()

	c.timers.CancelAll()
	for _, l := range c.links {
		l.Disconnect()
		if err := l.BeginScan(); err != nil {
			c.logger.Warn().Err(err).Str("side", l.Side().String()).Msg("coordinator.begin scan")
		}
	}
	c.refresh()

	if err := c.central.StartScan(c.onAdvertisement); err != nil {
		c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("coordinator.scan failed")
		c.mu.Lock()
		c.scanning = false
		c.phase = phaseReconnecting
		gen := c.gen
		c.mu.Unlock()
		c.refresh()
		c.timers.Schedule(timerReconnect, c.cfg.ReconnectDelay, func() { c.reconnect(gen) })
	}
}

func (c *Coordinator) onAdvertisement(adv ble.Advertisement) {
	id, side, ok := protocol.ParseAdvertisedName(adv.Name)
	if !ok {
		return
	}
	c.mu.Lock()
	active := c.wanted && c.phase == phaseScanning
	filter := c.filter
	c.mu.Unlock()
	if !active || (!filter.Empty() && id != filter) {
		return
	}

	l := c.links[side]
	if !l.Discovered(adv) {
		return
	}
	if err := l.StartBonding(); err != nil {
		c.logger.Warn().Err(err).Str("side", side.String()).Msg("coordinator.bond")
	}
}

// LinkStateChanged implements link.Observer.
func (c *Coordinator) LinkStateChanged(side protocol.Side, from, to protocol.PeripheralState) {
	switch to {
	case protocol.StateBonded:
		c.onBonded(side)
	case protocol.StateServiceReady:
		c.onServiceReady(side)
	case protocol.StateDisconnected:
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		c.forceReconnect(gen, protocol.WrapSide(side, "link", fmt.Errorf("%w: %s lost", protocol.ErrTransientTransport, from)))
	}
	c.refresh()
}

func (c *Coordinator) onBonded(side protocol.Side) {
	other := side.Other()

	c.mu.Lock()
	if !c.wanted || c.phase != phaseScanning {
		c.mu.Unlock()
		return
	}
	c.unbonding[side] = false
	c.bondSeq++
	c.bondedAt[side] = c.bondSeq
	if c.links[other].State() != protocol.StateBonded || c.unbonding[other] {
		c.mu.Unlock()
		return
	}

	mine, theirs := c.links[side].Identity(), c.links[other].Identity()
	if mine != theirs {
		recent := side
		if c.bondedAt[other] > c.bondedAt[side] {
			recent = other
		}
		keep := recent.Other()
		c.unbonding[recent] = true
		c.filter = c.links[keep].Identity()
		c.mu.Unlock()

		err := fmt.Errorf("%w: %s arm bonded to %q, %s arm to %q", protocol.ErrInvariantViolation,
			side, mine, other, theirs)
		c.logger.Warn().Err(err).Str("unbond", recent.String()).Msg("coordinator.identity mismatch")
		c.obs.Warning(err)
		if err := c.links[recent].Unbond(); err != nil {
			c.logger.Warn().Err(err).Msg("coordinator.unbond")
		}
		if err := c.links[recent].BeginScan(); err != nil {
			c.logger.Warn().Err(err).Msg("coordinator.rescan")
		}
		return
	}

	c.phase = phaseConnecting
	c.confirmed = mine
	c.scanning = false
	gen := c.gen
	c.mu.Unlock()

	c.stopScan()
	c.logger.Info().Str("identity", string(mine)).Msg("coordinator.pair confirmed")
	c.obs.PairConfirmed(mine)

	c.timers.Schedule(timerJointReady, c.cfg.JointReadyTimeout, func() {
		c.forceReconnect(gen, fmt.Errorf("%w: pair not ready after %s", protocol.ErrTransientTransport, c.cfg.JointReadyTimeout))
	})
	if err := c.links[protocol.Left].Connect(); err != nil {
		c.logger.Warn().Err(err).Msg("coordinator.connect left")
	}
	c.scheduleRight(gen)
}

func (c *Coordinator) scheduleRight(gen uint64) {
	c.timers.Schedule(timerRightConnect, c.cfg.RightConnectRetry, func() { c.connectRight(gen) })
}

// connectRight connects the right arm once the left one is ServiceReady,
// otherwise it retries on the right-connect interval.
func (c *Coordinator) connectRight(gen uint64) {
	c.mu.Lock()
	active := gen == c.gen && c.phase == phaseConnecting
	c.mu.Unlock()
	if !active {
		return
	}
	right := c.links[protocol.Right]
	if right.State() != protocol.StateBonded {
		return
	}
	if c.links[protocol.Left].State() != protocol.StateServiceReady {
		c.logger.Debug().Msg("coordinator.right deferred")
		c.scheduleRight(gen)
		return
	}
	c.timers.Cancel(timerRightConnect)
	if err := right.Connect(); err != nil {
		c.logger.Warn().Err(err).Msg("coordinator.connect right")
	}
}

func (c *Coordinator) onServiceReady(side protocol.Side) {
	c.mu.Lock()
	gen := c.gen
	connecting := c.phase == phaseConnecting
	c.mu.Unlock()
	if !connecting {
		return
	}
	if side == protocol.Left {
		c.connectRight(gen)
	}
	if c.links[protocol.Left].State() != protocol.StateServiceReady ||
		c.links[protocol.Right].State() != protocol.StateServiceReady {
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.phase != phaseConnecting {
		c.mu.Unlock()
		return
	}
	c.phase = phaseConnected
	c.mu.Unlock()

	c.timers.Cancel(timerJointReady)
	c.logger.Info().Msg("coordinator.pair connected")
}

// forceReconnect drops both arms, clears the send path and schedules a new
// cycle after the settle delay. Only the first fault of a cycle acts.
func (c *Coordinator) forceReconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || !c.wanted || (c.phase != phaseConnecting && c.phase != phaseConnected) {
		c.mu.Unlock()
		return
	}
	c.phase = phaseReconnecting
	c.gen++
	next := c.gen
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Dur("retry_in", c.cfg.ReconnectDelay).Msg("coordinator.forced pair disconnect")
	c.timers.CancelAll()
	for _, l := range c.links {
		l.Disconnect()
	}
	if c.flow != nil {
		c.flow.Flush()
		c.flow.ResetGates()
	}
	observability.RecordReconnect()
	c.refresh()
	c.timers.Schedule(timerReconnect, c.cfg.ReconnectDelay, func() { c.reconnect(next) })
}

func (c *Coordinator) reconnect(gen uint64) {
	c.mu.Lock()
	current := gen == c.gen && c.wanted && c.phase == phaseReconnecting
	c.mu.Unlock()
	if current {
		c.beginCycle()
	}
}

// LinkBondFailed implements link.Observer.
func (c *Coordinator) LinkBondFailed(side protocol.Side, err error, permanent bool) {
	if !permanent {
		return
	}
	c.mu.Lock()
	if c.phase == phaseFailed || !c.wanted {
		c.mu.Unlock()
		return
	}
	c.phase = phaseFailed
	c.wanted = false
	c.gen++
	scanning := c.scanning
	c.scanning = false
	c.mu.Unlock()

	c.timers.CancelAll()
	if scanning {
		c.stopScan()
	}
	c.links[side.Other()].Teardown()
	c.logger.Error().Err(err).Str("side", side.String()).Msg("coordinator.permanent bond failure")
	c.refresh()
	c.obs.PermanentFailure(err)
}

// LinkNotification implements link.Observer.
func (c *Coordinator) LinkNotification(side protocol.Side, p []byte) {
	c.obs.Notification(side, p)
}

// LinkWriteComplete implements link.Observer.
func (c *Coordinator) LinkWriteComplete(side protocol.Side, id uint64, err error) {
	c.obs.WriteComplete(side, id, err)
}

// Stop tears both arms down and cancels every pending retry.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.wanted = false
	if c.phase != phaseFailed {
		c.phase = phaseIdle
	}
	c.gen++
	scanning := c.scanning
	c.scanning = false
	c.filter = ""
	c.mu.Unlock()

	c.timers.CancelAll()
	if scanning {
		c.stopScan()
	}
	for _, l := range c.links {
		l.Teardown()
	}
	if c.flow != nil {
		c.flow.Flush()
		c.flow.ResetGates()
	}
	c.refresh()
}

// Close stops the pair for good; no timer fires afterwards.
func (c *Coordinator) Close() {
	c.Stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.timers.Close()
	for _, l := range c.links {
		l.Close()
	}
}

func (c *Coordinator) Status() Status {
	left, right := c.links[protocol.Left].State(), c.links[protocol.Right].State()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:    c.compositeLocked(left, right),
		Left:     left,
		Right:    right,
		Identity: c.confirmed,
		Wanted:   c.wanted,
	}
}

func (c *Coordinator) State() protocol.LinkState {
	return c.Status().State
}

// refresh derives the composite state and reports it when it changed.
func (c *Coordinator) refresh() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	left, right := c.links[protocol.Left].State(), c.links[protocol.Right].State()
	c.mu.Lock()
	state := c.compositeLocked(left, right)
	changed := state != c.reported
	c.reported = state
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info().
		Str("state", state.String()).
		Str("left", left.String()).
		Str("right", right.String()).
		Msg("coordinator.link state")
	c.obs.LinkStateChanged(state)
}

func (c *Coordinator) compositeLocked(left, right protocol.PeripheralState) protocol.LinkState {
	switch c.phase {
	case phaseFailed:
		return protocol.LinkPermanentFailure
	case phaseIdle, phaseReconnecting:
		return protocol.LinkDisconnected
	case phaseScanning:
		if bonding(left) || bonding(right) {
			return protocol.LinkBonding
		}
		return protocol.LinkScanning
	default:
		derived := protocol.DeriveLinkState(left, right)
		if derived == protocol.LinkDisconnected {
			return protocol.LinkConnecting
		}
		return derived
	}
}

func (c *Coordinator) stopScan() {
	if err := c.central.StopScan(); err != nil {
		c.logger.Debug().Err(err).Msg("coordinator.stop scan")
	}
}

func bonding(s protocol.PeripheralState) bool {
	return s == protocol.StateBonding || s == protocol.StateBonded
}

// Discover scans for window and returns the pairing identities with at least
// one arm advertising. It refuses to run while the link is wanted, and Start
// refuses to run while it scans.
func (c *Coordinator) Discover(ctx context.Context, window time.Duration) ([]protocol.PairingIdentity, error) {
	if window <= 0 {
		window = c.cfg.ScanWindow
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.wanted || c.scanning || c.discovering {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.discovering = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.discovering = false
		c.mu.Unlock()
	}()

	var mu sync.Mutex
	seen := make(map[protocol.PairingIdentity]struct{})
	if err := c.central.StartScan(func(adv ble.Advertisement) {
		if id, _, ok := protocol.ParseAdvertisedName(adv.Name); ok {
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}
	}); err != nil {
		return nil, fmt.Errorf("coordinator: discover: %w", err)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	var err error
	select {
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.stopScan()

	mu.Lock()
	defer mu.Unlock()
	out := make([]protocol.PairingIdentity, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

type nopObserver struct{}

func (nopObserver) LinkStateChanged(protocol.LinkState)        {}
func (nopObserver) PairConfirmed(protocol.PairingIdentity)     {}
func (nopObserver) Warning(error)                              {}
func (nopObserver) PermanentFailure(error)                     {}
func (nopObserver) Notification(protocol.Side, []byte)         {}
func (nopObserver) WriteComplete(protocol.Side, uint64, error) {}
