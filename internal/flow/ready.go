package flow

import (
	"context"
	"sync"
)

// Readiness is a level-triggered "link usable" signal the drain worker
// parks on while the pair is not Connected.
type Readiness struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

func NewReadiness() *Readiness {
	return &Readiness{ch: make(chan struct{})}
}

func (r *Readiness) Set(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ready == r.ready {
		return
	}
	r.ready = ready
	if ready {
		close(r.ch)
	} else {
		r.ch = make(chan struct{})
	}
}

func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Wait returns once ready or when ctx ends.
func (r *Readiness) Wait(ctx context.Context) error {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
