package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var commonAbbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "rev": {},
	"fig": {}, "al": {}, "inc": {}, "ltd": {}, "co": {}, "dept": {}, "est": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {}, "approx": {}, "eq": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {}, "cf": {},
}

// splitSentences splits a single paragraph into sentences.
// Whitespace is collapsed before scanning.
func splitSentences(text string) []string {
	text = collapseSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !isSentencePunctuation(ch) {
			continue
		}
		if ch == '.' && shouldSkipPeriodSplit(text, i) {
			continue
		}
		if !isBoundary(text, i) {
			continue
		}

		end := i + 1
		for end < len(text) && isClosingPunctuation(text[end]) {
			end++
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}

	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func collapseSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func isSentencePunctuation(ch byte) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

func shouldSkipPeriodSplit(text string, idx int) bool {
	// Ellipsis
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}

	// Decimal numbers
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	token := tokenBeforePeriod(text, idx)
	if token == "" {
		return false
	}

	// Initials such as "J."
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}

	_, ok := commonAbbreviations[strings.ToLower(token)]
	return ok
}

func tokenBeforePeriod(text string, idx int) string {
	i := idx - 1
	for i >= 0 && !isTokenBoundary(text[i]) {
		i--
	}
	return text[i+1 : idx]
}

func isBoundary(text string, punctIdx int) bool {
	i := punctIdx + 1
	for i < len(text) && isClosingPunctuation(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	if text[i] != ' ' {
		return false
	}
	for i < len(text) && text[i] == ' ' {
		i++
	}
	if i >= len(text) {
		return true
	}
	return isLikelySentenceStart(text, i)
}

func isLikelySentenceStart(text string, idx int) bool {
	for idx < len(text) && isOpeningQuoteOrBracket(text[idx]) {
		idx++
	}
	if idx >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[idx:])
	return unicode.IsUpper(r) || unicode.IsDigit(r)
}

// splitLong breaks a sentence longer than maxChars at clause boundaries,
// then at word boundaries. A single word longer than maxChars is cut hard.
func splitLong(sentence string, maxChars int) []string {
	runes := []rune(strings.TrimSpace(sentence))
	var out []string

	for len(runes) > maxChars {
		cut := findClauseBoundary(runes, maxChars/2, maxChars)
		if cut < 0 {
			cut = findSpace(runes, 1, maxChars)
		} else {
			cut++
		}
		if cut <= 0 {
			cut = maxChars
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			out = append(out, part)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}

	if part := strings.TrimSpace(string(runes)); part != "" {
		out = append(out, part)
	}
	return out
}

// findClauseBoundary returns the index of the last clause boundary in
// runes[from:to] that is followed by a space, or -1.
func findClauseBoundary(runes []rune, from, to int) int {
	if to >= len(runes) {
		to = len(runes) - 1
	}
	for i := to - 1; i >= from && i >= 0; i-- {
		if isClauseBoundaryRune(runes[i]) && i+1 < len(runes) && runes[i+1] == ' ' {
			return i
		}
	}
	return -1
}

// findSpace returns the index of the last space in runes[from:to+1], or -1.
func findSpace(runes []rune, from, to int) int {
	if to >= len(runes) {
		to = len(runes) - 1
	}
	for i := to; i >= from; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

func isClauseBoundaryRune(r rune) bool {
	switch r {
	case ',', ';', ':', '—', '–':
		return true
	default:
		return false
	}
}

func isTokenBoundary(ch byte) bool {
	return ch == ' ' || ch == '"' || ch == '\'' || ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == '{' || ch == '}'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isClosingPunctuation(ch byte) bool {
	switch ch {
	case '"', '\'', ')', ']', '}':
		return true
	default:
		return false
	}
}

func isOpeningQuoteOrBracket(ch byte) bool {
	switch ch {
	case '"', '\'', '(', '[', '{':
		return true
	default:
		return false
	}
}
