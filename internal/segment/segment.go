// Package segment normalizes free text and packs it into ordered,
// size-bounded units for dispatch.
package segment

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInputEmpty is returned when nothing remains after normalization.
	ErrInputEmpty = errors.New("input empty after normalization")
	// ErrInvalidBound is returned for a non-positive unit size.
	ErrInvalidBound = errors.New("max unit size must be positive")
)

var hyphenBreak = regexp.MustCompile(`-\s*\n\s*`)

// Unit is one ordered slice of the normalized input. Size is measured in
// characters. Oversized is set only for a single word longer than the bound.
type Unit struct {
	Index     int
	Content   string
	Size      int
	Oversized bool
}

// Normalize joins hyphenated line wraps, collapses every whitespace run to a
// single space and trims the ends. Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = hyphenBreak.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
func Sentences(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] != ' ' {
			continue
		}
		switch text[i-1] {
		case '.', '!', '?':
			out = append(out, text[start:i])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// Segment normalizes text and greedily packs sentences into units of at
// most maxUnitSize characters. A sentence longer than the bound is packed
// word by word; a single word longer than the bound becomes its own unit.
func Segment(text string, maxUnitSize int) ([]Unit, error) {
	if maxUnitSize <= 0 {
		return nil, ErrInvalidBound
	}
	sents := Sentences(text)
	if len(sents) == 0 {
		return nil, ErrInputEmpty
	}
	p := packer{limit: maxUnitSize}
	for _, s := range sents {
		p.add(s)
		if p.curLen > p.limit {
			words := strings.Fields(p.cur)
			p.cur, p.curLen = "", 0
			for _, w := range words {
				p.add(w)
			}
		}
	}
	p.flush()

	units := make([]Unit, len(p.chunks))
	for i, c := range p.chunks {
		size := utf8.RuneCountInString(c)
		units[i] = Unit{Index: i, Content: c, Size: size, Oversized: size > maxUnitSize}
	}
	return units, nil
}

type packer struct {
	limit  int
	cur    string
	curLen int
	chunks []string
}

func (p *packer) add(s string) {
	n := utf8.RuneCountInString(s)
	switch {
	case p.cur == "":
		p.cur, p.curLen = s, n
	case p.curLen+1+n <= p.limit:
		p.cur += " " + s
		p.curLen += 1 + n
	default:
		p.flush()
		p.cur, p.curLen = s, n
	}
}

func (p *packer) flush() {
	if p.cur != "" {
		p.chunks = append(p.chunks, p.cur)
	}
	p.cur, p.curLen = "", 0
}
