package governance

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceTailFraction is the share of kept text in which a sentence end is
// preferred over a bare word boundary.
const sentenceTailFraction = 0.2

// Truncate shortens text to at most targetWords words and maxChars characters,
// cutting only at word boundaries. Paragraph breaks inside the kept text are
// preserved. The result always ends with terminal punctuation.
func Truncate(text string, targetWords, maxChars int) string {
	text = strings.TrimSpace(text)
	if text == "" || targetWords <= 0 {
		return ""
	}

	cut := text[:endOfWord(text, targetWords)]
	if maxChars > 1 {
		// Reserve one character for the terminal period.
		cut = clipAtWord(cut, maxChars-1)
	}

	if idx := lastSentenceEnd(cut); idx > 0 && float64(idx) >= float64(len(cut))*(1-sentenceTailFraction) {
		cut = cut[:idx+1]
	}

	cut = strings.TrimRightFunc(cut, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':' || r == '-' || r == '—'
	})
	if cut == "" {
		return ""
	}
	if !endsWithTerminal(cut) {
		cut += "."
	}
	return cut
}

// endOfWord returns the byte offset just past the n-th word of text.
func endOfWord(text string, n int) int {
	count := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord && count == n {
				return i
			}
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			count++
		}
	}
	return len(text)
}

// clipAtWord keeps at most maxChars characters, dropping any partial trailing word.
func clipAtWord(text string, maxChars int) string {
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	n := 0
	end := len(text)
	for i := range text {
		if n == maxChars {
			end = i
			break
		}
		n++
	}

	next, _ := utf8.DecodeRuneInString(text[end:])
	if unicode.IsSpace(next) {
		return text[:end]
	}
	if idx := strings.LastIndexFunc(text[:end], unicode.IsSpace); idx > 0 {
		return text[:idx]
	}
	// A single word longer than maxChars.
	return text[:end]
}

// lastSentenceEnd returns the byte offset of the last sentence-ending
// punctuation mark that is followed by whitespace or the end of text.
func lastSentenceEnd(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case '.', '!', '?':
			if i == len(text)-1 || isASCIISpace(text[i+1]) {
				return i
			}
		}
	}
	return -1
}

func endsWithTerminal(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}
