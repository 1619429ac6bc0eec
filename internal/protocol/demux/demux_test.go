package demux

import (
	"bytes"
	"testing"

	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/testutil/testlog"
)

func TestClassifyKnownNotifications(t *testing.T) {
	testlog.Start(t)
	d := New(nil)

	audio := append([]byte{0xF1, 0x07}, bytes.Repeat([]byte{0xAB}, 202)...)
	cases := []struct {
		name string
		side protocol.Side
		raw  []byte
		want Event
	}{
		{"battery", protocol.Left, []byte{0x2C, 0x66, 0x55}, Battery{Side: protocol.Left, Level: 0x55}},
		{"head up", protocol.Right, []byte{0xF5, 0x02}, HeadGesture{Side: protocol.Right, Gesture: GestureHeadUp}},
		{"head down", protocol.Right, []byte{0xF5, 0x03, 0x00}, HeadGesture{Side: protocol.Right, Gesture: GestureHeadDown}},
		{"text ok", protocol.Left, []byte{0x4E, 0xC9}, TextAck{Side: protocol.Left, Success: true, Status: 0xC9}},
		{"text fail", protocol.Right, []byte{0x4E, 0xCA}, TextAck{Side: protocol.Right, Success: false, Status: 0xCA}},
		{"bitmap ok", protocol.Left, []byte{0x16, 0xC9}, BitmapAck{Side: protocol.Left, Success: true}},
		{"bitmap nack", protocol.Left, []byte{0x16, 0xCA}, BitmapAck{Side: protocol.Left, Success: false}},
		{"heartbeat", protocol.Left, []byte{0x25, 0x06, 0x01}, Heartbeat{Side: protocol.Left}},
	}
	for _, tc := range cases {
		got, ok := d.Classify(tc.side, tc.raw)
		if !ok {
			t.Fatalf("%s: unexpectedly filtered", tc.name)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %#v, got %#v", tc.name, tc.want, got)
		}
	}

	got, ok := d.Classify(protocol.Right, audio)
	chunk, isAudio := got.(AudioChunk)
	if !ok || !isAudio {
		t.Fatalf("expected audio chunk, got %#v", got)
	}
	if chunk.Sequence != 7 || len(chunk.Frame) != 200 {
		t.Fatalf("unexpected audio chunk seq=%d len=%d", chunk.Sequence, len(chunk.Frame))
	}
}

func TestMultiBytePatternsTakePrecedence(t *testing.T) {
	testlog.Start(t)
	d := New(nil)

	// 0xF5 alone is not a gesture; only the two-byte patterns are.
	got, _ := d.Classify(protocol.Right, []byte{0xF5, 0x11})
	if _, ok := got.(Unknown); !ok {
		t.Fatalf("expected unknown for unmatched device event, got %#v", got)
	}
	// 0x2C without the report marker is not a battery level.
	got, _ = d.Classify(protocol.Left, []byte{0x2C, 0x01})
	if _, ok := got.(Unknown); !ok {
		t.Fatalf("expected unknown for battery echo, got %#v", got)
	}
}

func TestSideFilteredEventsAreDropped(t *testing.T) {
	testlog.Start(t)
	var delivered []Event
	d := New(func(ev Event) { delivered = append(delivered, ev) })

	if _, ok := d.Dispatch(protocol.Left, []byte{0xF5, 0x02}); ok {
		t.Fatalf("left head gesture must be filtered")
	}
	if _, ok := d.Dispatch(protocol.Left, []byte{0xF1, 0x00, 0x01}); ok {
		t.Fatalf("left audio must be filtered")
	}
	if len(delivered) != 0 {
		t.Fatalf("filtered events reached handler: %v", delivered)
	}
}

func TestUnknownIsDeliveredNotDiscarded(t *testing.T) {
	testlog.Start(t)
	var delivered []Event
	d := New(func(ev Event) { delivered = append(delivered, ev) })

	raw := []byte{0x99, 0x01, 0x02}
	ev, ok := d.Dispatch(protocol.Left, raw)
	if !ok {
		t.Fatalf("unknown notification must be accepted")
	}
	raw[0] = 0x00
	u, isUnknown := ev.(Unknown)
	if !isUnknown || !bytes.Equal(u.Raw, []byte{0x99, 0x01, 0x02}) {
		t.Fatalf("unexpected unknown event %#v", ev)
	}
	if len(delivered) != 1 || delivered[0].EventName() != "unknown" {
		t.Fatalf("expected unknown to reach handler, got %v", delivered)
	}
}
