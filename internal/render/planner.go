// Package render lays text and bitmaps out for the arm displays and turns
// them into frames.
package render

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/glasslink/internal/protocol/frame"
)

// Display geometry in pixels.
const (
	DisplayWidth     = 488
	LinesPerScreen   = 5
	MarginSpaces     = 5
	LeftColumnWidth  = DisplayWidth / 2
	RightColumnStart = DisplayWidth * 55 / 100
	maxPadSpaces     = 100
)

const enSpace = "\u2002"

var (
	ErrUnknownLayout = errors.New("render: unknown layout")
	ErrInvalidBitmap = errors.New("render: invalid bitmap")
)

type Layout uint8

const (
	SingleColumn Layout = iota
	DoubleColumn
)

func (l Layout) String() string {
	switch l {
	case SingleColumn:
		return "single"
	case DoubleColumn:
		return "double"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

func ParseLayout(raw string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "single", "single_column", "text_wall":
		return SingleColumn, nil
	case "double", "double_column", "double_text_wall":
		return DoubleColumn, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLayout, raw)
	}
}

// Planner turns render requests into frames. The codec supplies the text
// sequence counter, so one planner is shared per device.
type Planner struct {
	font  *Font
	codec *frame.Codec
}

func NewPlanner(font *Font, codec *frame.Codec) *Planner {
	if font == nil {
		font = DefaultFont()
	}
	return &Planner{font: font, codec: codec}
}

func (p *Planner) Font() *Font { return p.font }

// Text renders one screen. right is only used by DoubleColumn.
func (p *Planner) Text(layout Layout, text, right string) ([]frame.Frame, error) {
	switch layout {
	case SingleColumn:
		return p.codec.Text([]byte(p.SingleColumnPage(text)), 0, 1)
	case DoubleColumn:
		return p.codec.Text([]byte(p.DoubleColumnPage(text, right)), 0, 1)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayout, layout)
	}
}

// SingleColumnPage wraps text inside a margin of MarginSpaces spaces on
// both sides and keeps the first screenful.
func (p *Planner) SingleColumnPage(text string) string {
	budget := DisplayWidth - 2*MarginSpaces*p.font.SpaceWidth()
	lines := p.font.Wrap(text, budget)
	if len(lines) > LinesPerScreen {
		lines = lines[:LinesPerScreen]
	}

	indent := strings.Repeat(" ", MarginSpaces)
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// DoubleColumnPage wraps both columns to their own budgets and pads each left
// line with spaces so the right column starts at RightColumnStart, to the
// resolution of one space.
func (p *Planner) DoubleColumnPage(left, right string) string {
	leftLines := fitScreen(p.font.Wrap(left, LeftColumnWidth))
	rightLines := fitScreen(p.font.Wrap(right, DisplayWidth-RightColumnStart))
	space := p.font.SpaceWidth()

	var b strings.Builder
	for i := 0; i < LinesPerScreen; i++ {
		l := strings.ReplaceAll(leftLines[i], enSpace, "")
		r := strings.ReplaceAll(rightLines[i], enSpace, "")
		b.WriteString(l)
		b.WriteString(strings.Repeat(" ", padSpaces(p.font.Width(l), RightColumnStart, space)))
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return b.String()
}

func fitScreen(lines []string) []string {
	out := make([]string, LinesPerScreen)
	copy(out, lines)
	return out
}

// padSpaces is the number of spaces that moves from width to target, at
// least one and at most maxPadSpaces.
func padSpaces(width, target, space int) int {
	need := target - width
	if need <= 0 || space <= 0 {
		return 1
	}
	n := (need + space - 1) / space
	if n > maxPadSpaces {
		n = maxPadSpaces
	}
	return n
}

// Bitmap frames a 1-bit BMP file. Both arms must receive the identical
// frames, CRC footer included.
func (p *Planner) Bitmap(bmp []byte) ([]frame.Frame, error) {
	if err := ValidateBitmap(bmp); err != nil {
		return nil, err
	}
	return p.codec.Bitmap(bmp)
}

const (
	bmpHeaderLen   = 14
	bmpInfoLen     = 40
	bmpBitsOffset  = 28
	bmpMinFileSize = bmpHeaderLen + bmpInfoLen + 8
)

// ValidateBitmap accepts uncompressed monochrome BMP files.
func ValidateBitmap(bmp []byte) error {
	if len(bmp) < bmpMinFileSize {
		return fmt.Errorf("%w: %d bytes is too short", ErrInvalidBitmap, len(bmp))
	}
	if bmp[0] != 'B' || bmp[1] != 'M' {
		return fmt.Errorf("%w: missing BM signature", ErrInvalidBitmap)
	}
	if bpp := binary.LittleEndian.Uint16(bmp[bmpBitsOffset:]); bpp != 1 {
		return fmt.Errorf("%w: %d bits per pixel, want 1", ErrInvalidBitmap, bpp)
	}
	return nil
}
