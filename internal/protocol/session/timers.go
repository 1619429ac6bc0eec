package session

import (
	"sync"
	"time"
)

// Timers is a table of pending one-shot tasks keyed by K. Scheduling under a
// key replaces whatever was pending there. After Close nothing fires and
// nothing new is accepted.
//
// A callback can still be mid-flight when Cancel returns; owners guard
// callbacks with their own generation check.
type Timers[K comparable] struct {
	mu      sync.Mutex
	pending map[K]*entry
	next    uint64
	closed  bool
}

type entry struct {
	id    uint64
	timer *time.Timer
}

func NewTimers[K comparable]() *Timers[K] {
	return &Timers[K]{pending: make(map[K]*entry)}
}

// Schedule arms fn to run after d. It returns false once the table is closed.
func (t *Timers[K]) Schedule(key K, d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}
	t.next++
	id := t.next
	e := &entry{id: id}
	e.timer = time.AfterFunc(d, func() {
		if t.claim(key, id) {
			fn()
		}
	})
	t.pending[key] = e
	return true
}

// claim removes the entry if it is still the one scheduled under key.
func (t *Timers[K]) claim(key K, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok || e.id != id || t.closed {
		return false
	}
	delete(t.pending, key)
	return true
}

func (t *Timers[K]) Cancel(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.pending, key)
	return true
}

// CancelAll drops every pending task but keeps the table usable.
func (t *Timers[K]) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
	}
}

func (t *Timers[K]) Pending(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Timers[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels everything and rejects later Schedule calls.
func (t *Timers[K]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
	}
}
