// Package flow serializes outbound frames to both arms: callers enqueue send
// requests without blocking and a single drain worker writes them one frame
// at a time per arm, gated on write completion.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("flow: queue closed")
	ErrEmptyRequest   = errors.New("flow: request has no frames")
	ErrNoTargetSides  = errors.New("flow: request has no target sides")
	ErrAlreadyRunning = errors.New("flow: drain worker already running")
)

// Request is the atomic unit of outbound traffic: every frame goes to every
// target arm, in order, before the next request starts.
type Request struct {
	Frames []frame.Frame
	Sides  protocol.SideSet
	// Delay is added to the inter-chunk delay after each frame.
	Delay time.Duration
}

// Transport is the link below the queue.
type Transport interface {
	// WaitReady blocks until both arms can take writes.
	WaitReady(ctx context.Context) error
	// Write sends f to side. The completion must be passed to Ack with id.
	Write(side protocol.Side, id uint64, f frame.Frame) bool
}

// Outcome reports how one frame write to one arm ended.
type Outcome struct {
	Side protocol.Side
	// Err is nil for an acknowledged write.
	Err  error
	Wait time.Duration
}

// Controller is the send queue plus its ack gates.
type Controller struct {
	cfg     session.Config
	gates   [2]*AckGate
	onWrite func(Outcome)
	logger  zerolog.Logger

	mu      sync.Mutex
	items   []Request
	signal  chan struct{}
	epoch   uint64
	closed  bool
	running bool
}

// New builds a controller. onWrite, if set, is called from the drain
// worker after every frame write.
func New(cfg session.Config, onWrite func(Outcome)) *Controller {
	return &Controller{
		cfg:     cfg.WithDefaults(),
		gates:   [2]*AckGate{NewAckGate(), NewAckGate()},
		onWrite: onWrite,
		logger:  observability.Component("flow"),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends req. It never blocks.
func (c *Controller) Enqueue(req Request) error {
	if len(req.Frames) == 0 {
		return ErrEmptyRequest
	}
	if len(req.Sides.Ordered()) == 0 {
		return ErrNoTargetSides
	}
	req.Frames = append([]frame.Frame(nil), req.Frames...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.items = append(c.items, req)
	depth := len(c.items)
	c.mu.Unlock()

	observability.SetQueueDepth(depth)
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of requests not yet picked up by the worker.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Flush drops every queued request and abandons the one in flight.
func (c *Controller) Flush() {
	c.mu.Lock()
	dropped := len(c.items)
	c.items = nil
	c.epoch++
	c.mu.Unlock()

	observability.SetQueueDepth(0)
	if dropped > 0 {
		c.logger.Info().Int("dropped", dropped).Msg("flow.flush")
	}
}

// ResetGates lowers both ack gates, releasing a parked worker.
func (c *Controller) ResetGates() {
	for _, g := range c.gates {
		g.Reset()
	}
}

// Ack releases side's gate with the outcome of write id. Completions for
// any other write are ignored.
func (c *Controller) Ack(side protocol.Side, id uint64, err error) bool {
	if !side.Valid() {
		return false
	}
	if !c.gates[side].Release(id, err) {
		c.logger.Debug().Str("side", side.String()).Uint64("id", id).Msg("flow.stale completion")
		return false
	}
	return true
}

func (c *Controller) Gate(side protocol.Side) *AckGate {
	return c.gates[side]
}

// Close rejects new requests and drops queued ones. A running worker
// returns after its current write.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.items = nil
	c.epoch++
	c.mu.Unlock()
	c.ResetGates()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Run is the drain worker. Only one may run at a time. It returns when ctx
// ends, or after Close once it next looks at the queue.
func (c *Controller) Run(ctx context.Context, t Transport) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		req, epoch, ok := c.next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrClosed
		}
		if err := c.drain(ctx, t, req, epoch); err != nil {
			return err
		}
	}
}

// next pops the head request, parking on the signal channel while empty.
func (c *Controller) next(ctx context.Context) (Request, uint64, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Request{}, 0, false
		}
		if len(c.items) > 0 {
			req := c.items[0]
			c.items[0] = Request{}
			c.items = c.items[1:]
			depth := len(c.items)
			epoch := c.epoch
			c.mu.Unlock()
			observability.SetQueueDepth(depth)
			return req, epoch, true
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-ctx.Done():
			return Request{}, 0, false
		}
	}
}

func (c *Controller) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.epoch == epoch
}

func (c *Controller) drain(ctx context.Context, t Transport, req Request, epoch uint64) error {
	sides := req.Sides.Ordered()
	for i, f := range req.Frames {
		if err := t.WaitReady(ctx); err != nil {
			return err
		}
		if !c.current(epoch) {
			c.logger.Debug().Int("remaining", len(req.Frames)-i).Msg("flow.request abandoned")
			return nil
		}
		for _, side := range sides {
			if err := c.send(ctx, t, side, f); err != nil {
				return err
			}
		}
		if err := sleep(ctx, c.cfg.InterChunkDelay+req.Delay); err != nil {
			return err
		}
	}
	return nil
}

// send performs one gated write. Only a cancelled ctx is returned; write
// failures are absorbed and reported through onWrite.
func (c *Controller) send(ctx context.Context, t Transport, side protocol.Side, f frame.Frame) error {
	gate := c.gates[side]
	id, err := gate.Raise()
	if err != nil {
		// a stale raise survived; clear it rather than stall the queue
		gate.Reset()
		if id, err = gate.Raise(); err != nil {
			return fmt.Errorf("flow: raise %s gate: %w", side, err)
		}
	}

	start := time.Now()
	if !t.Write(side, id, f) {
		gate.Release(id, nil)
		c.report(side, fmt.Errorf("%w: write refused", protocol.ErrTransientTransport), 0, "dropped")
		return nil
	}

	err = gate.Wait(ctx, c.cfg.AckTimeout)
	wait := time.Since(start)
	switch {
	case err == nil:
		c.report(side, nil, wait, "acked")
	case errors.Is(err, ErrAckTimeout):
		c.logger.Warn().Str("side", side.String()).Str("frame", f.String()).Msg("flow.ack timeout")
		c.report(side, err, wait, "timeout")
	case errors.Is(err, ErrGateReset):
		c.report(side, err, wait, "reset")
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		c.report(side, err, wait, "failed")
	}
	return nil
}

func (c *Controller) report(side protocol.Side, err error, wait time.Duration, result string) {
	observability.RecordWrite(side.String(), result, wait)
	if c.onWrite != nil {
		c.onWrite(Outcome{Side: side, Err: err, Wait: wait})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
