package frame

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame      = errors.New("frame: empty frame")
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortFields     = errors.New("frame: short command fields")
	ErrFrameTooLarge   = errors.New("frame: exceeds transport unit")
	ErrInvalidLayout   = errors.New("frame: invalid layout")
	ErrInvalidChunk    = errors.New("frame: invalid chunk size")
	ErrChunkOverflow   = errors.New("frame: too many chunks")
	ErrChunkSetInvalid = errors.New("frame: chunk set incomplete or inconsistent")
)

// Layout selects which metadata bytes a command family puts on the wire
// between the command id and its fields.
type Layout uint8

const (
	// LayoutPlain is cmd | fields | payload.
	LayoutPlain Layout = iota
	// LayoutIndexed is cmd, chunkIndex | fields | payload.
	LayoutIndexed
	// LayoutChunked is cmd, chunkCount, chunkIndex | fields | payload.
	LayoutChunked
	// LayoutSequenced is cmd, sequence, chunkCount, chunkIndex | fields | payload.
	LayoutSequenced
)

func (l Layout) HeaderLen() int {
	switch l {
	case LayoutPlain:
		return 1
	case LayoutIndexed:
		return 2
	case LayoutChunked:
		return 3
	case LayoutSequenced:
		return 4
	default:
		return 0
	}
}

func (l Layout) String() string {
	switch l {
	case LayoutPlain:
		return "plain"
	case LayoutIndexed:
		return "indexed"
	case LayoutChunked:
		return "chunked"
	case LayoutSequenced:
		return "sequenced"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// Frame is one command or chunk, small enough for a single transport write.
// A Frame never shares its byte slices with the caller.
type Frame struct {
	layout  Layout
	command byte
	seq     uint8
	index   uint8
	count   uint8
	fields  []byte
	payload []byte
}

// New copies fields and payload into a new Frame.
func New(layout Layout, command byte, seq, index, count uint8, fields, payload []byte) Frame {
	return Frame{
		layout:  layout,
		command: command,
		seq:     seq,
		index:   index,
		count:   count,
		fields:  clone(fields),
		payload: clone(payload),
	}
}

// Command builds a single plain frame: cmd followed by fields.
func Command(command byte, fields ...byte) Frame {
	return New(LayoutPlain, command, 0, 0, 1, fields, nil)
}

func (f Frame) Layout() Layout     { return f.layout }
func (f Frame) CommandID() byte    { return f.command }
func (f Frame) Sequence() uint8    { return f.seq }
func (f Frame) ChunkIndex() uint8  { return f.index }
func (f Frame) ChunkCount() uint8  { return f.count }
func (f Frame) Fields() []byte     { return clone(f.fields) }
func (f Frame) Payload() []byte    { return clone(f.payload) }
func (f Frame) PayloadLen() int    { return len(f.payload) }
func (f Frame) Len() int           { return f.layout.HeaderLen() + len(f.fields) + len(f.payload) }

// Bytes serializes the frame for one transport write.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, f.Len())
	out = append(out, f.command)
	switch f.layout {
	case LayoutIndexed:
		out = append(out, f.index)
	case LayoutChunked:
		out = append(out, f.count, f.index)
	case LayoutSequenced:
		out = append(out, f.seq, f.count, f.index)
	}
	out = append(out, f.fields...)
	return append(out, f.payload...)
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{cmd=0x%02X layout=%s seq=%d chunk=%d/%d fields=%d payload=%d}",
		f.command, f.layout, f.seq, f.index, f.count, len(f.fields), len(f.payload))
}

// Parse is the inverse of Bytes for a known layout and field width.
func Parse(layout Layout, fieldLen int, b []byte) (Frame, error) {
	hl := layout.HeaderLen()
	if hl == 0 {
		return Frame{}, ErrInvalidLayout
	}
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if len(b) < hl {
		return Frame{}, ErrShortHeader
	}
	if fieldLen < 0 || len(b) < hl+fieldLen {
		return Frame{}, ErrShortFields
	}
	f := Frame{layout: layout, command: b[0], count: 1}
	switch layout {
	case LayoutIndexed:
		f.index = b[1]
	case LayoutChunked:
		f.count, f.index = b[1], b[2]
	case LayoutSequenced:
		f.seq, f.count, f.index = b[1], b[2], b[3]
	}
	f.fields = clone(b[hl : hl+fieldLen])
	f.payload = clone(b[hl+fieldLen:])
	return f, nil
}

// Limits bounds frame sizes against the negotiated transport unit.
type Limits struct {
	MaxFrameBytes int
}

// DefaultLimits matches an ATT MTU of 251 (248 usable bytes per write).
func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 248}
}

func (l Limits) Check(f Frame) error {
	if l.MaxFrameBytes > 0 && f.Len() > l.MaxFrameBytes {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, f.Len(), l.MaxFrameBytes)
	}
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
