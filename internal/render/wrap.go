package render

import "strings"

var symbols = strings.NewReplacer("⬆", "^", "⟶", "-")

// Wrap splits text into display lines no wider than budget pixels. Each
// line is the longest prefix that fits, pulled back to the last space when
// there is one; a line with no space is broken mid-word. Budgets narrower
// than a single glyph still advance one rune per line.
func (f *Font) Wrap(text string, budget int) []string {
	text = symbols.Replace(text)
	if text == "" || text == " " {
		return []string{text}
	}

	raw := strings.Split(text, "\n")
	for len(raw) > 1 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}

	var lines []string
	for _, line := range raw {
		if line == "" {
			lines = append(lines, "")
			continue
		}
		lines = f.wrapLine(lines, []rune(line), budget)
	}
	return lines
}

func (f *Font) wrapLine(lines []string, rs []rune, budget int) []string {
	start := 0
	for start < len(rs) {
		if f.runesWidth(rs[start:]) <= budget {
			return append(lines, string(rs[start:]))
		}

		best := start + 1
		lo, hi := start+1, len(rs)
		for lo <= hi {
			mid := lo + (hi-lo)/2
			if f.runesWidth(rs[start:mid]) <= budget {
				best = mid
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}

		split := best
		for i := best; i > start; i-- {
			if rs[i-1] == ' ' {
				split = i
				break
			}
		}
		lines = append(lines, strings.TrimSpace(string(rs[start:split])))

		for split < len(rs) && rs[split] == ' ' {
			split++
		}
		start = split
	}
	return lines
}
