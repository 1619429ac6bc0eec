package render

import (
	_ "embed"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
)

//go:embed fonts/g1.toml
var g1Table []byte

type fontTable struct {
	Default int            `toml:"default"`
	Glyphs  map[string]int `toml:"glyphs"`
}

// Font measures text in display pixels.
type Font struct {
	fallback int
	glyphs   map[rune]int
}

// LoadFont decodes a TOML width table: a default width plus one entry per
// single-rune key.
func LoadFont(data []byte) (*Font, error) {
	var table fontTable
	if err := toml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("render: decode font table: %w", err)
	}
	if table.Default <= 0 {
		return nil, fmt.Errorf("render: font table default width must be positive")
	}
	f := &Font{fallback: table.Default, glyphs: make(map[rune]int, len(table.Glyphs))}
	for key, w := range table.Glyphs {
		r, size := utf8.DecodeRuneInString(key)
		if r == utf8.RuneError || size != len(key) {
			return nil, fmt.Errorf("render: font glyph key %q is not a single rune", key)
		}
		if w < 0 {
			return nil, fmt.Errorf("render: negative width for glyph %q", key)
		}
		f.glyphs[r] = w
	}
	return f, nil
}

var (
	defaultFontOnce sync.Once
	defaultFont     *Font
)

// DefaultFont is the embedded firmware font.
func DefaultFont() *Font {
	defaultFontOnce.Do(func() {
		f, err := LoadFont(g1Table)
		if err != nil {
			panic(err)
		}
		defaultFont = f
	})
	return defaultFont
}

// RuneWidth includes the one pixel glyph gap and the 2x display scale.
func (f *Font) RuneWidth(r rune) int {
	w, ok := f.glyphs[r]
	if !ok {
		w = f.fallback
	}
	return (w + 1) * 2
}

func (f *Font) Width(s string) int {
	total := 0
	for _, r := range s {
		total += f.RuneWidth(r)
	}
	return total
}

func (f *Font) runesWidth(rs []rune) int {
	total := 0
	for _, r := range rs {
		total += f.RuneWidth(r)
	}
	return total
}

// SpaceWidth is the width of one ASCII space, the padding unit.
func (f *Font) SpaceWidth() int {
	return f.RuneWidth(' ')
}
