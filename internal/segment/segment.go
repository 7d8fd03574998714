package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segmenter locates sentence boundaries in buffered response text.
type Segmenter interface {
	// Cut returns the byte offset just past the first complete segment in
	// buf, or 0 if buf holds no complete segment yet. final reports that no
	// more text will follow, so a terminator at the very end counts.
	Cut(buf string, final bool) int
}

var _ Segmenter = Punctuation{}

// DefaultMaxRunes caps a segment when no boundary shows up.
const DefaultMaxRunes = 256

// Punctuation cuts after terminal punctuation followed by whitespace. A
// period between two digits (3.14) or ending a known abbreviation (Dr.)
// is not a boundary.
type Punctuation struct {
	// MaxRunes forces a cut at the last whitespace once the buffer grows
	// past this many runes. Zero means DefaultMaxRunes.
	MaxRunes int
	// Abbreviations overrides the default abbreviation list. Entries are
	// lower case without the trailing period.
	Abbreviations map[string]bool
}

var defaultAbbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true,
	"jr": true, "st": true, "vs": true, "etc": true, "e.g": true, "i.e": true,
	"approx": true,
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '?', '!', '…', '。', '？', '！':
		return true
	}
	return false
}

// isClosing reports runes that may trail a terminator and still belong to
// the sentence, like a closing quote.
func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»', '」':
		return true
	}
	return false
}

func (p Punctuation) maxRunes() int {
	if p.MaxRunes > 0 {
		return p.MaxRunes
	}
	return DefaultMaxRunes
}

func (p Punctuation) abbreviations() map[string]bool {
	if p.Abbreviations != nil {
		return p.Abbreviations
	}
	return defaultAbbreviations
}

func (p Punctuation) Cut(buf string, final bool) int {
	runes := 0
	lastSpace := 0
	for i := 0; i < len(buf); {
		r, size := utf8.DecodeRuneInString(buf[i:])
		runes++
		if r == '\n' {
			if strings.TrimSpace(buf[:i]) != "" {
				return i + size
			}
		}
		if unicode.IsSpace(r) {
			lastSpace = i + size
		}
		if isTerminal(r) {
			if end, ok := p.boundaryAfter(buf, i, size, final); ok {
				return end
			}
		}
		if runes >= p.maxRunes() && lastSpace > 0 {
			return lastSpace
		}
		i += size
	}
	return 0
}

// boundaryAfter decides whether the terminator at buf[i:i+size] ends a
// sentence and returns the cut offset if so.
func (p Punctuation) boundaryAfter(buf string, i, size int, final bool) (int, bool) {
	end := i + size
	// Runs like "?!" or "..." and closing quotes stay with the sentence.
	for end < len(buf) {
		r, sz := utf8.DecodeRuneInString(buf[end:])
		if !isTerminal(r) && !isClosing(r) {
			break
		}
		end += sz
	}

	if end == len(buf) {
		// Nothing follows yet; only the end of the stream settles it.
		if !final {
			return 0, false
		}
	} else {
		next, _ := utf8.DecodeRuneInString(buf[end:])
		cjk := isWide(buf[i:])
		if !unicode.IsSpace(next) && !cjk {
			return 0, false
		}
	}

	r, _ := utf8.DecodeRuneInString(buf[i:])
	if r == '.' {
		prev, _ := utf8.DecodeLastRuneInString(buf[:i])
		if unicode.IsDigit(prev) && end < len(buf) {
			next, _ := utf8.DecodeRuneInString(buf[end:])
			if unicode.IsDigit(next) {
				return 0, false
			}
		}
		if p.abbreviations()[strings.ToLower(lastWord(buf[:i]))] {
			return 0, false
		}
	}
	return end, true
}

// isWide reports full-width terminators, which are not followed by spaces
// in CJK text.
func isWide(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	switch r {
	case '。', '？', '！', '；':
		return true
	}
	return false
}

func lastWord(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}
