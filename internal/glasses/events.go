package glasses

import (
	"sync"

	"github.com/danmuck/glasslink/internal/protocol"
)

// Event is anything published to subscribers: classified notifications
// from the arms plus the device's own status events.
type Event interface {
	EventName() string
}

type LinkChanged struct {
	State protocol.LinkState `json:"state"`
}

type PairConfirmed struct {
	Identity protocol.PairingIdentity `json:"identity"`
}

// GlassesBattery is the lower of the two arm levels.
type GlassesBattery struct {
	Level int `json:"level"`
}

type Warning struct {
	Err     error  `json:"-"`
	Message string `json:"message"`
}

type PermanentFailure struct {
	Err     error  `json:"-"`
	Message string `json:"message"`
}

// AudioPCM is a decoded microphone frame.
type AudioPCM struct {
	Sequence uint8  `json:"sequence"`
	PCM      []byte `json:"pcm"`
}

func (LinkChanged) EventName() string      { return "link_changed" }
func (PairConfirmed) EventName() string    { return "pair_confirmed" }
func (GlassesBattery) EventName() string   { return "glasses_battery" }
func (Warning) EventName() string          { return "warning" }
func (PermanentFailure) EventName() string { return "permanent_failure" }
func (AudioPCM) EventName() string         { return "audio_pcm" }

func newWarning(err error) Warning {
	return Warning{Err: err, Message: err.Error()}
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than stalling the link.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns the event channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
