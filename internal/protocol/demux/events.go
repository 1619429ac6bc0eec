package demux

import (
	"github.com/danmuck/glasslink/internal/protocol"
)

// Event is one classified inbound notification.
type Event interface {
	EventName() string
	Source() protocol.Side
}

// Gesture is a head-tilt direction reported by the IMU arm.
type Gesture string

const (
	GestureHeadUp   Gesture = "head_up"
	GestureHeadDown Gesture = "head_down"
)

type Battery struct {
	Side  protocol.Side `json:"side"`
	Level int           `json:"level"`
}

type HeadGesture struct {
	Side    protocol.Side `json:"side"`
	Gesture Gesture       `json:"gesture"`
}

// TextAck reports whether the firmware accepted a text frame.
type TextAck struct {
	Side    protocol.Side `json:"side"`
	Success bool          `json:"success"`
	Status  byte          `json:"status"`
}

// BitmapAck reports the firmware's verdict on a bitmap CRC footer.
type BitmapAck struct {
	Side    protocol.Side `json:"side"`
	Success bool          `json:"success"`
}

// AudioChunk is one compressed codec frame from the microphone arm.
type AudioChunk struct {
	Side     protocol.Side `json:"side"`
	Sequence uint8         `json:"sequence"`
	Frame    []byte        `json:"frame"`
}

type Heartbeat struct {
	Side protocol.Side `json:"side"`
}

// Unknown carries a notification no rule matched.
type Unknown struct {
	Side protocol.Side `json:"side"`
	Raw  []byte        `json:"raw"`
}

func (Battery) EventName() string     { return "battery" }
func (HeadGesture) EventName() string { return "head_gesture" }
func (TextAck) EventName() string     { return "text_ack" }
func (BitmapAck) EventName() string   { return "bitmap_ack" }
func (AudioChunk) EventName() string  { return "audio_chunk" }
func (Heartbeat) EventName() string   { return "heartbeat" }
func (Unknown) EventName() string     { return "unknown" }

func (e Battery) Source() protocol.Side     { return e.Side }
func (e HeadGesture) Source() protocol.Side { return e.Side }
func (e TextAck) Source() protocol.Side     { return e.Side }
func (e BitmapAck) Source() protocol.Side   { return e.Side }
func (e AudioChunk) Source() protocol.Side  { return e.Side }
func (e Heartbeat) Source() protocol.Side   { return e.Side }
func (e Unknown) Source() protocol.Side     { return e.Side }
