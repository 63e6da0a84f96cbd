package convo

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentence is one segment of a generation's text, independently synthesized.
// Index is 0-based, assigned in detection order, never reused within a
// generation.
type Sentence struct {
	GenerationID string
	Index        int
	Text         string
	Tag          string
}

// controlTagRE matches inline control tags of the form [[key:value]], e.g.
// [[emotion:happy]]. The value is surfaced alongside the sentence instead of
// being spoken.
var controlTagRE = regexp.MustCompile(`\[\[([A-Za-z0-9_]+):([^\[\]]*)\]\]`)

// Segmenter splits a growing cumulative text into sentences. Each Feed call
// receives the authoritative cumulative text; the segmenter diffs against
// what it has already consumed, so delta-only gateways work by appending
// before calling. Boundaries are sentence-terminal punctuation followed by
// whitespace; digit.digit sequences (decimals) and text inside control tags
// never split.
type Segmenter struct {
	generationID string
	consumed     int // byte offset into the cumulative text already emitted
	nextIndex    int
}

func NewSegmenter(generationID string) *Segmenter {
	return &Segmenter{generationID: generationID}
}

// Feed returns the sentences newly completed by this update, in detection
// order. Text after the last boundary stays buffered for the next call.
func (s *Segmenter) Feed(cumulative string) []Sentence {
	if len(cumulative) < s.consumed {
		// A shrinking cumulative text would mean the gateway rewrote
		// history; treat the new text as authoritative and start over
		// from its end without re-emitting.
		s.consumed = len(cumulative)
		return nil
	}

	var out []Sentence
	for {
		cut := s.findBoundary(cumulative)
		if cut < 0 {
			return out
		}
		if sent, ok := s.emit(cumulative[s.consumed:cut]); ok {
			out = append(out, sent)
		}
		s.consumed = cut
	}
}

// Flush emits whatever remains after the stream ends as a final sentence.
func (s *Segmenter) Flush(cumulative string) []Sentence {
	if len(cumulative) <= s.consumed {
		return nil
	}
	rest := cumulative[s.consumed:]
	s.consumed = len(cumulative)
	if sent, ok := s.emit(rest); ok {
		return []Sentence{sent}
	}
	return nil
}

// NextIndex reports the index the next detected sentence would get.
func (s *Segmenter) NextIndex() int { return s.nextIndex }

// findBoundary scans the unconsumed suffix for the first valid sentence
// boundary and returns the byte offset just past it (including trailing
// whitespace), or -1.
func (s *Segmenter) findBoundary(text string) int {
	inTag := false
	i := s.consumed
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if size <= 0 {
			return -1
		}

		if !inTag && strings.HasPrefix(text[i:], "[[") {
			inTag = true
		} else if inTag && strings.HasPrefix(text[i:], "]]") {
			inTag = false
		}

		if !inTag && isTerminal(r) {
			next := i + size
			if r == '.' && isDecimalPoint(text, i, next) {
				i = next
				continue
			}
			if next >= len(text) {
				// Possibly mid-token (e.g. "3." awaiting "14"); wait
				// for more input or Flush.
				return -1
			}
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if unicode.IsSpace(nr) {
				j := next
				for j < len(text) {
					wr, wsize := utf8.DecodeRuneInString(text[j:])
					if wsize <= 0 || !unicode.IsSpace(wr) {
						break
					}
					j += wsize
				}
				return j
			}
		}
		i += size
	}
	return -1
}

// emit builds a Sentence from raw text, stripping control tags. Sentences
// that are empty after trimming are dropped without consuming an index.
func (s *Segmenter) emit(raw string) (Sentence, bool) {
	tag := ""
	if m := controlTagRE.FindStringSubmatch(raw); m != nil {
		tag = m[2]
	}
	text := strings.TrimSpace(controlTagRE.ReplaceAllString(raw, ""))
	if text == "" {
		return Sentence{}, false
	}
	sent := Sentence{
		GenerationID: s.generationID,
		Index:        s.nextIndex,
		Text:         text,
		Tag:          tag,
	}
	s.nextIndex++
	return sent, true
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// isDecimalPoint reports whether the '.' at byte offset i sits between two
// digits, as in "3.14".
func isDecimalPoint(text string, i, next int) bool {
	if i == 0 || next >= len(text) {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	nr, _ := utf8.DecodeRuneInString(text[next:])
	return unicode.IsDigit(prev) && unicode.IsDigit(nr)
}
