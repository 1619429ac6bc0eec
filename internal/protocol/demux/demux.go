// Package demux classifies raw arm notifications into semantic events.
package demux

import (
	"sort"

	"github.com/danmuck/glasslink/internal/observability"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// anySide accepts a rule's events from either arm.
const anySide = -1

type rule struct {
	name    string
	pattern []byte
	// mask is ANDed with the input before comparing; nil means exact match.
	mask   []byte
	minLen int
	// side is the only arm the event is meaningful from, or anySide.
	side  int
	build func(side protocol.Side, raw []byte) Event
}

func (r rule) match(raw []byte) bool {
	if len(raw) < r.minLen || len(raw) < len(r.pattern) {
		return false
	}
	for i, want := range r.pattern {
		got := raw[i]
		if r.mask != nil {
			got &= r.mask[i]
		}
		if got != want {
			return false
		}
	}
	return true
}

// Demux routes notifications through a precedence-ordered rule table:
// longer patterns are tried before single-byte fallbacks.
type Demux struct {
	rules   []rule
	handler func(Event)
}

// New returns a Demux that hands every accepted event to handler.
func New(handler func(Event)) *Demux {
	rules := defaultRules()
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].pattern) > len(rules[j].pattern)
	})
	return &Demux{rules: rules, handler: handler}
}

// Classify maps raw to an event. accepted is false when the matching rule
// belongs to the other arm; such events are dropped, not errors.
func (d *Demux) Classify(side protocol.Side, raw []byte) (ev Event, accepted bool) {
	for _, r := range d.rules {
		if !r.match(raw) {
			continue
		}
		if r.side != anySide && protocol.Side(r.side) != side {
			return nil, false
		}
		return r.build(side, raw), true
	}
	return Unknown{Side: side, Raw: clone(raw)}, true
}

// Dispatch classifies raw and delivers the result to the handler.
func (d *Demux) Dispatch(side protocol.Side, raw []byte) (Event, bool) {
	ev, ok := d.Classify(side, raw)
	if !ok {
		observability.RecordNotification(side.String(), "filtered")
		log.Trace().Str("component", "demux").Str("side", side.String()).Hex("raw", raw).Msg("demux.filtered")
		return nil, false
	}
	observability.RecordNotification(side.String(), ev.EventName())
	if u, unknown := ev.(Unknown); unknown {
		log.Warn().Str("component", "demux").Str("side", side.String()).Hex("raw", u.Raw).Msg("demux.unknown notification")
	}
	if d.handler != nil {
		d.handler(ev)
	}
	return ev, true
}

func defaultRules() []rule {
	return []rule{
		{
			name:    "head_up",
			pattern: []byte{frame.CmdDeviceEvent, frame.EventHeadUp},
			side:    int(protocol.Right),
			build: func(side protocol.Side, _ []byte) Event {
				return HeadGesture{Side: side, Gesture: GestureHeadUp}
			},
		},
		{
			name:    "head_down",
			pattern: []byte{frame.CmdDeviceEvent, frame.EventHeadDown},
			side:    int(protocol.Right),
			build: func(side protocol.Side, _ []byte) Event {
				return HeadGesture{Side: side, Gesture: GestureHeadDown}
			},
		},
		{
			name:    "battery",
			pattern: []byte{frame.CmdBattery, frame.BatteryReport},
			minLen:  3,
			side:    anySide,
			build: func(side protocol.Side, raw []byte) Event {
				return Battery{Side: side, Level: int(raw[2])}
			},
		},
		{
			name:    "bitmap_ack",
			pattern: []byte{frame.CmdBitmapCRC, frame.StatusSuccess & frame.StatusFailure},
			mask:    []byte{0xFF, 0xFC},
			side:    anySide,
			build: func(side protocol.Side, raw []byte) Event {
				return BitmapAck{Side: side, Success: raw[1] == frame.StatusSuccess}
			},
		},
		{
			name:    "text_ack",
			pattern: []byte{frame.CmdText},
			minLen:  2,
			side:    anySide,
			build: func(side protocol.Side, raw []byte) Event {
				return TextAck{Side: side, Success: raw[1] == frame.StatusSuccess, Status: raw[1]}
			},
		},
		{
			name:    "heartbeat",
			pattern: []byte{frame.CmdHeartbeat},
			side:    anySide,
			build: func(side protocol.Side, _ []byte) Event {
				return Heartbeat{Side: side}
			},
		},
		{
			name:    "audio",
			pattern: []byte{frame.CmdAudio},
			minLen:  2,
			side:    int(protocol.Right),
			build: func(side protocol.Side, raw []byte) Event {
				end := len(raw)
				if end > 2+frame.AudioFrameLen {
					end = 2 + frame.AudioFrameLen
				}
				return AudioChunk{Side: side, Sequence: raw[1], Frame: clone(raw[2:end])}
			},
		},
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
