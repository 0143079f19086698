package services

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const narrativeKey = "narrative"

// NarrativeScanner incrementally extracts the top-level "narrative" string
// from a JSON object that is still arriving. Feed returns only the newly
// confirmed characters; bytes that might still change meaning (a split
// escape, a partial UTF-8 sequence) are held back until more input arrives.
//
// Extraction is best effort. The scanner does not validate the document and
// the final answer is still decided by the validator.
type NarrativeScanner struct {
	buf    []byte
	cursor int

	depth       int
	inString    bool
	escaped     bool
	expectKey   bool
	capturing   bool
	keyBuf      strings.Builder
	lastKey     string
	awaitValue  bool
	inNarrative bool
	complete    bool

	confirmed strings.Builder
}

func NewNarrativeScanner() *NarrativeScanner {
	return &NarrativeScanner{}
}

// Cursor is the number of input bytes consumed so far.
func (s *NarrativeScanner) Cursor() int { return s.cursor }

// Confirmed is the decoded narrative text revealed so far.
func (s *NarrativeScanner) Confirmed() string { return s.confirmed.String() }

// Complete reports whether the narrative string's closing quote was seen.
func (s *NarrativeScanner) Complete() bool { return s.complete }

func (s *NarrativeScanner) Feed(chunk string) string {
	if s.complete {
		return ""
	}
	s.buf = append(s.buf, chunk...)

	var delta strings.Builder
	for s.cursor < len(s.buf) && !s.complete {
		if s.inNarrative {
			r, n, ready := s.decodeNarrative()
			if !ready {
				break
			}
			s.cursor += n
			if r >= 0 {
				delta.WriteRune(r)
			}
			continue
		}
		s.scanStructure(s.buf[s.cursor])
		s.cursor++
	}

	out := delta.String()
	s.confirmed.WriteString(out)
	return out
}

// scanStructure advances the structural state by one byte outside the
// narrative value.
func (s *NarrativeScanner) scanStructure(c byte) {
	if s.inString {
		switch {
		case s.escaped:
			s.escaped = false
			if s.capturing {
				s.keyBuf.WriteByte(c)
			}
		case c == '\\':
			s.escaped = true
			if s.capturing {
				s.keyBuf.WriteByte(c)
			}
		case c == '"':
			s.inString = false
			if s.capturing {
				s.capturing = false
				s.lastKey = s.keyBuf.String()
				s.keyBuf.Reset()
			}
		default:
			if s.capturing {
				s.keyBuf.WriteByte(c)
			}
		}
		return
	}

	switch c {
	case ' ', '\t', '\n', '\r':
		return
	case '{', '[':
		if s.depth == 1 {
			s.awaitValue = false
		}
		s.depth++
		if c == '{' && s.depth == 1 {
			s.expectKey = true
		}
	case '}', ']':
		if s.depth > 0 {
			s.depth--
		}
	case ',':
		if s.depth == 1 {
			s.expectKey = true
			s.awaitValue = false
		}
	case ':':
		if s.depth == 1 {
			s.expectKey = false
			s.awaitValue = true
		}
	case '"':
		s.inString = true
		if s.depth != 1 {
			return
		}
		if s.expectKey {
			s.capturing = true
			return
		}
		if s.awaitValue && s.lastKey == narrativeKey {
			s.inString = false
			s.inNarrative = true
		}
		s.awaitValue = false
	default:
		if s.depth == 1 {
			s.awaitValue = false
		}
	}
}

// decodeNarrative decodes the next unit of the narrative value at the
// cursor. It returns ready=false when more input is needed, and r=-1 when
// the unit produced no character (the closing quote).
func (s *NarrativeScanner) decodeNarrative() (r rune, n int, ready bool) {
	rest := s.buf[s.cursor:]
	c := rest[0]

	switch {
	case c == '"':
		s.inNarrative = false
		s.complete = true
		return -1, 1, true
	case c == '\\':
		if len(rest) < 2 {
			return 0, 0, false
		}
		switch rest[1] {
		case '"', '\\', '/':
			return rune(rest[1]), 2, true
		case 'n':
			return '\n', 2, true
		case 't':
			return '\t', 2, true
		case 'r':
			return '\r', 2, true
		case 'b':
			return '\b', 2, true
		case 'f':
			return '\f', 2, true
		case 'u':
			return decodeUnicodeEscape(rest)
		default:
			return rune(rest[1]), 2, true
		}
	case c < utf8.RuneSelf:
		return rune(c), 1, true
	default:
		if !utf8.FullRune(rest) {
			return 0, 0, false
		}
		r, size := utf8.DecodeRune(rest)
		return r, size, true
	}
}

// decodeUnicodeEscape handles \uXXXX, joining surrogate pairs.
func decodeUnicodeEscape(rest []byte) (rune, int, bool) {
	if len(rest) < 6 {
		return 0, 0, false
	}
	hi, ok := parseHex4(rest[2:6])
	if !ok {
		return utf8.RuneError, 6, true
	}

	if hi < 0xD800 || hi > 0xDFFF {
		return hi, 6, true
	}
	if hi >= 0xDC00 {
		// lone low surrogate
		return utf8.RuneError, 6, true
	}

	if len(rest) < 12 {
		// a low surrogate may still be on its way
		if len(rest) > 6 && rest[6] != '\\' || len(rest) > 7 && rest[7] != 'u' {
			return utf8.RuneError, 6, true
		}
		return 0, 0, false
	}
	if rest[6] != '\\' || rest[7] != 'u' {
		return utf8.RuneError, 6, true
	}
	lo, ok := parseHex4(rest[8:12])
	if !ok || lo < 0xDC00 || lo > 0xDFFF {
		return utf8.RuneError, 6, true
	}
	return 0x10000 + (hi-0xD800)<<10 + (lo - 0xDC00), 12, true
}

func parseHex4(b []byte) (rune, bool) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}
