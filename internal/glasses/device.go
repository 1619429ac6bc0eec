// Package glasses is the host-facing device: one logical pair of arms with
// connect, render, control and event APIs on top of the link layer.
package glasses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/danmuck/glasslink/internal/coordinator"
	"github.com/danmuck/glasslink/internal/flow"
	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/demux"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/danmuck/glasslink/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("glasses: device closed")
	ErrUnknownControl = errors.New("glasses: unknown control")
)

// micSettle is the pause the right arm needs after a microphone toggle.
const micSettle = 300 * time.Millisecond

// AudioDecoder turns one compressed microphone frame into PCM.
type AudioDecoder interface {
	Decode(frame []byte) ([]byte, error)
}

type Options struct {
	Config session.Config
	// Store defaults to an in-memory store.
	Store     store.Store
	Font      *render.Font
	Whitelist []frame.App
	Audio     AudioDecoder
}

// Status is a snapshot for diagnostics.
type Status struct {
	Link        coordinator.Status `json:"link"`
	Battery     [2]int             `json:"battery"`
	QueueDepth  int                `json:"queue_depth"`
	Degraded    bool               `json:"degraded"`
	Preferences store.Preferences  `json:"preferences"`
}

type Device struct {
	cfg       session.Config
	store     store.Store
	codec     *frame.Codec
	planner   *render.Planner
	queue     *flow.Controller
	coord     *coordinator.Coordinator
	demux     *demux.Demux
	ready     *flow.Readiness
	bus       *Bus
	audio     AudioDecoder
	whitelist []frame.App
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	prefs    store.Preferences
	state    protocol.LinkState
	changed  chan struct{}
	permErr  error
	battery  [2]int
	minLevel int
	failures int
	degraded bool
	closed   bool

	// stopSession ends the init and heartbeat loop of the current connection.
	stopSession context.CancelFunc
}

// New wires a device on top of central and starts its drain worker.
func New(central ble.Central, opts Options) (*Device, error) {
	cfg := opts.Config.WithDefaults()
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	prefs, err := store.LoadPreferences(context.Background(), st)
	if err != nil {
		return nil, fmt.Errorf("glasses: load preferences: %w", err)
	}

	codec := frame.NewCodec(frame.DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cfg:       cfg,
		store:     st,
		codec:     codec,
		planner:   render.NewPlanner(opts.Font, codec),
		ready:     flow.NewReadiness(),
		bus:       NewBus(),
		audio:     opts.Audio,
		whitelist: opts.Whitelist,
		logger:    observability.Component("glasses"),
		ctx:       ctx,
		cancel:    cancel,
		prefs:     prefs,
		changed:   make(chan struct{}),
		battery:   [2]int{-1, -1},
		minLevel:  -1,
	}
	d.queue = flow.New(cfg, d.onWrite)
	d.demux = demux.New(d.onEvent)
	d.coord = coordinator.New(central, cfg, d.queue, (*observer)(d))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.queue.Run(ctx, transport{d})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flow.ErrClosed) {
			d.logger.Error().Err(err).Msg("glasses.drain worker stopped")
		}
	}()
	return d, nil
}

// Connect starts the link and waits until both arms are ready. An empty
// hint falls back to the saved pairing. Cancelling ctx stops the wait only;
// the link keeps trying until Disconnect.
func (d *Device) Connect(ctx context.Context, hint protocol.PairingIdentity) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if hint.Empty() {
		hint = d.prefs.Identity
	}
	d.permErr = nil
	d.mu.Unlock()

	if err := d.coord.Start(hint); err != nil {
		return err
	}
	for {
		d.mu.Lock()
		state, permErr, changed, closed := d.state, d.permErr, d.changed, d.closed
		d.mu.Unlock()
		switch {
		case closed:
			return ErrClosed
		case state == protocol.LinkConnected:
			return nil
		case state == protocol.LinkPermanentFailure && permErr != nil:
			return permErr
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tears both arms down and stops reconnecting.
func (d *Device) Disconnect() {
	d.coord.Stop()
}

// Close disconnects, stops the drain worker and ends every subscription.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.stopSession != nil {
		d.stopSession()
		d.stopSession = nil
	}
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()

	d.coord.Close()
	d.queue.Close()
	d.cancel()
	d.wg.Wait()
	d.bus.Close()
	return nil
}

// Subscribe streams events until cancel is called or the device closes.
func (d *Device) Subscribe(buffer int) (<-chan Event, func()) {
	return d.bus.Subscribe(buffer)
}

func (d *Device) State() protocol.LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Status() Status {
	link := d.coord.Status()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Link:        link,
		Battery:     d.battery,
		QueueDepth:  d.queue.Pending(),
		Degraded:    d.degraded,
		Preferences: d.prefs,
	}
}

// Discover lists pairing identities currently advertising.
func (d *Device) Discover(ctx context.Context) ([]protocol.PairingIdentity, error) {
	return d.coord.Discover(ctx, d.cfg.ScanWindow)
}

func (d *Device) Preferences() store.Preferences {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prefs
}

// SavePreferredIdentity makes id the unit Connect targets by default.
func (d *Device) SavePreferredIdentity(ctx context.Context, id protocol.PairingIdentity) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %q", coordinator.ErrInvalidHint, id)
	}
	if err := d.store.Set(ctx, store.KeyPreferredIdentity, string(id)); err != nil {
		return err
	}
	d.mu.Lock()
	d.prefs.Identity = id
	d.mu.Unlock()
	return nil
}

// ForgetPairing drops every saved preference.
func (d *Device) ForgetPairing(ctx context.Context) error {
	if err := d.store.DeleteAll(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.prefs = store.DefaultPreferences()
	d.mu.Unlock()
	return nil
}

func (d *Device) enqueue(sides protocol.SideSet, delay time.Duration, frames ...frame.Frame) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return d.queue.Enqueue(flow.Request{Frames: frames, Sides: sides, Delay: delay})
}

// transport adapts the coordinator's links to the drain worker.
type transport struct {
	d *Device
}

func (t transport) WaitReady(ctx context.Context) error {
	return t.d.ready.Wait(ctx)
}

func (t transport) Write(side protocol.Side, id uint64, f frame.Frame) bool {
	return t.d.coord.Link(side).Write(id, f)
}
