package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/glasslink/internal/protocol"
)

var (
	ErrGateRaised = errors.New("flow: ack gate already raised")
	ErrAckTimeout = fmt.Errorf("%w: ack timeout", protocol.ErrTransientTransport)
	ErrGateReset  = fmt.Errorf("%w: ack gate reset", protocol.ErrTransientTransport)
)

// AckGate is the per-arm latch allowing one unacknowledged write. Raise
// before writing, Release from the completion callback, Wait from the
// drain worker. Each raise hands out a write id; a completion only lowers
// the gate it was raised for.
type AckGate struct {
	mu     sync.Mutex
	raised bool
	seq    uint64
	id     uint64
	done   chan struct{}
	err    error
}

func NewAckGate() *AckGate {
	return &AckGate{}
}

// Raise marks a write as outstanding and returns its id. It fails while one
// already is.
func (g *AckGate) Raise() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.raised {
		return 0, ErrGateRaised
	}
	g.seq++
	g.id = g.seq
	g.raised = true
	g.done = make(chan struct{})
	g.err = nil
	return g.id, nil
}

// Release lowers the gate with the outcome of write id. It reports false when
// id is not the outstanding write, such as a completion arriving after its
// ack timeout.
func (g *AckGate) Release(id uint64, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id != g.id {
		return false
	}
	return g.lowerLocked(err)
}

func (g *AckGate) lowerLocked(err error) bool {
	if !g.raised {
		return false
	}
	g.raised = false
	g.err = err
	close(g.done)
	return true
}

// Wait blocks until the gate is released, timeout elapses or ctx ends. On
// timeout the gate lowers itself and ErrAckTimeout is returned.
func (g *AckGate) Wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if !g.raised {
		err := g.err
		g.mu.Unlock()
		return err
	}
	done := g.done
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.err
	case <-timer.C:
		return g.abandon(done, ErrAckTimeout)
	case <-ctx.Done():
		return g.abandon(done, ctx.Err())
	}
}

// abandon lowers the gate unless a release won the race.
func (g *AckGate) abandon(done chan struct{}, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done == done && g.lowerLocked(err) {
		return err
	}
	return g.err
}

// Reset lowers the gate, failing any waiter with ErrGateReset.
func (g *AckGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lowerLocked(ErrGateReset)
}

func (g *AckGate) Raised() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.raised
}
