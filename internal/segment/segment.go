// Package segment splits governed text into synthesis-sized segments and
// labels each one with a chapter title.
package segment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidOptions is returned when Options cannot produce valid segments.
var ErrInvalidOptions = errors.New("invalid segment options")

// paragraphBreak matches one or more blank lines.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)

const (
	paragraphSep = "\n\n"
	sentenceSep  = " "
)

// Segment is a bounded slice of text synthesized independently.
type Segment struct {
	// Index is the position of the segment in text order, starting at 0.
	Index int
	// Text is the segment content.
	Text string
	// ChapterTitle is a best-effort human-readable label.
	ChapterTitle string
}

// Options controls segmentation.
type Options struct {
	// MaxChars is the upper bound on segment length in characters.
	MaxChars int
	// MinChars is the length below which a segment is merged into a neighbour.
	MinChars int
	// MaxTitleWords bounds the length of chapter titles.
	MaxTitleWords int
}

// DefaultOptions returns the default segmentation options.
func DefaultOptions() Options {
	return Options{
		MaxChars:      1800,
		MinChars:      100,
		MaxTitleWords: 8,
	}
}

func (o Options) validate() error {
	if o.MaxChars <= 0 {
		return fmt.Errorf("%w: max chars must be positive", ErrInvalidOptions)
	}
	if o.MinChars < 0 || o.MinChars*2 > o.MaxChars {
		return fmt.Errorf("%w: min chars must be between 0 and half of max chars", ErrInvalidOptions)
	}
	return nil
}

// Split divides text into ordered segments.
//
// Paragraphs are packed greedily up to MaxChars. Paragraphs that do not fit
// on their own fall back to sentence, clause, and word boundaries. Segments
// shorter than MinChars are merged into a neighbour unless the whole text is
// shorter than MinChars.
func Split(text string, opts Options) ([]Segment, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	chunks := mergeShort(pack(pieces(text, opts.MaxChars), opts.MaxChars), opts)

	segments := make([]Segment, 0, len(chunks))
	for i, c := range chunks {
		segments = append(segments, Segment{
			Index:        i,
			Text:         c.text,
			ChapterTitle: ChapterTitle(c.text, opts.MaxTitleWords, i),
		})
	}
	return segments, nil
}

// piece is an indivisible unit of packing.
type piece struct {
	text string
	// paragraphStart is true when the piece opens a new paragraph.
	paragraphStart bool
}

// pieces breaks text into paragraphs and, for oversized paragraphs, sentences.
func pieces(text string, maxChars int) []piece {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []piece

	for _, para := range paragraphBreak.Split(strings.TrimSpace(text), -1) {
		para = collapseSpace(para)
		if para == "" {
			continue
		}
		if runeLen(para) <= maxChars {
			out = append(out, piece{text: para, paragraphStart: true})
			continue
		}

		first := true
		for _, sentence := range splitSentences(para) {
			for _, part := range splitLong(sentence, maxChars) {
				out = append(out, piece{text: part, paragraphStart: first})
				first = false
			}
		}
	}
	return out
}

// chunk is a packed run of pieces.
type chunk struct {
	text string
}

// pack joins consecutive pieces while the result stays within maxChars.
func pack(ps []piece, maxChars int) []chunk {
	var (
		out     []chunk
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			out = append(out, chunk{text: current.String()})
			current.Reset()
		}
	}

	for _, p := range ps {
		sep := sentenceSep
		if p.paragraphStart {
			sep = paragraphSep
		}
		if current.Len() > 0 && runeLen(current.String())+len(sep)+runeLen(p.text) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(p.text)
	}
	flush()
	return out
}

// mergeShort folds chunks shorter than MinChars into a neighbour. When the
// merged text would exceed MaxChars, the pair is rebalanced at the word
// boundary nearest its middle instead.
func mergeShort(chunks []chunk, opts Options) []chunk {
	for i := 0; i < len(chunks) && len(chunks) > 1; {
		if runeLen(chunks[i].text) >= opts.MinChars {
			i++
			continue
		}

		lo, hi := i-1, i
		if lo < 0 {
			lo, hi = i, i+1
		}

		combined := chunks[lo].text + sentenceSep + chunks[hi].text
		if runeLen(combined) <= opts.MaxChars {
			chunks[lo] = chunk{text: combined}
			chunks = append(chunks[:hi], chunks[hi+1:]...)
			i = lo
			continue
		}

		left, right := splitNearMiddle(combined)
		chunks[lo], chunks[hi] = chunk{text: left}, chunk{text: right}
		i = hi + 1
	}
	return chunks
}

// splitNearMiddle cuts s at the whitespace closest to its middle.
func splitNearMiddle(s string) (string, string) {
	runes := []rune(s)
	mid := len(runes) / 2
	for d := 0; d < len(runes); d++ {
		for _, i := range []int{mid - d, mid + d} {
			if i > 0 && i < len(runes)-1 && unicode.IsSpace(runes[i]) {
				return strings.TrimSpace(string(runes[:i])), strings.TrimSpace(string(runes[i+1:]))
			}
		}
	}
	return string(runes[:mid]), string(runes[mid:])
}

// ChapterTitle derives a short label from the opening of text: the leading
// clause of its first sentence, capped at maxWords words. It falls back to
// "Part N" (1-based) when nothing usable remains.
func ChapterTitle(text string, maxWords, index int) string {
	fallback := fmt.Sprintf("Part %d", index+1)

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return fallback
	}
	first := sentences[0]

	candidate := first
	if i := strings.IndexAny(first, ",;:—–("); i > 0 {
		if clause := first[:i]; len(strings.Fields(clause)) >= 2 {
			candidate = clause
		}
	}

	fields := strings.Fields(candidate)
	if maxWords > 0 && len(fields) > maxWords {
		fields = fields[:maxWords]
	}
	title := strings.TrimRightFunc(strings.Join(fields, " "), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	title = strings.TrimLeftFunc(title, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if title == "" || !strings.ContainsFunc(title, unicode.IsLetter) {
		return fallback
	}

	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
