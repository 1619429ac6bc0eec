package frame

import (
	"fmt"
	"sort"
)

// MaxChunks is the largest chunk set the one-byte chunk metadata can describe.
const MaxChunks = 255

// ChunkSpec describes how each chunk of one logical message is framed.
type ChunkSpec struct {
	Layout   Layout
	Command  byte
	Sequence uint8
	// Fields returns the family fields for chunk i of n. Nil means none.
	Fields func(i, n int) []byte
}

// Split cuts payload into pieces of at most maxChunk bytes. An empty payload
// yields one empty piece so the message still reaches the device.
func Split(payload []byte, maxChunk int) ([][]byte, error) {
	if maxChunk <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunk, maxChunk)
	}
	n := (len(payload) + maxChunk - 1) / maxChunk
	if n == 0 {
		n = 1
	}
	if n > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks", ErrChunkOverflow, len(payload), n)
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[start:end])
	}
	return out, nil
}

// Chunk frames payload into a chunk set sharing spec's command and sequence.
// Chunk indexes are 0-based and every frame carries the same chunk count.
func Chunk(spec ChunkSpec, payload []byte, maxChunk int) ([]Frame, error) {
	if spec.Layout.HeaderLen() == 0 {
		return nil, ErrInvalidLayout
	}
	pieces, err := Split(payload, maxChunk)
	if err != nil {
		return nil, err
	}
	n := len(pieces)
	frames := make([]Frame, 0, n)
	for i, piece := range pieces {
		var fields []byte
		if spec.Fields != nil {
			fields = spec.Fields(i, n)
		}
		frames = append(frames, New(spec.Layout, spec.Command, spec.Sequence, uint8(i), uint8(n), fields, piece))
	}
	return frames, nil
}

// Join reassembles the payload of a complete chunk set in chunk-index order.
func Join(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrChunkSetInvalid
	}
	sorted := make([]Frame, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })

	count := int(sorted[0].count)
	if count != len(sorted) {
		return nil, fmt.Errorf("%w: have %d of %d", ErrChunkSetInvalid, len(sorted), count)
	}
	var out []byte
	for i, f := range sorted {
		if int(f.index) != i || int(f.count) != count || f.command != sorted[0].command {
			return nil, fmt.Errorf("%w: chunk %d", ErrChunkSetInvalid, i)
		}
		out = append(out, f.payload...)
	}
	return out, nil
}
