// Package identity derives deterministic content keys.
//
// Episode ids double as idempotency keys: identical (text, title, language)
// always resolve to the same id. Segment keys address reusable synthesis
// artifacts on disk.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EpisodePrefix is prepended to every episode id.
const EpisodePrefix = "ep-"

// episodeHashLen is the number of hex characters kept from the digest.
const episodeHashLen = 32

// NormalizeText collapses runs of whitespace into single spaces and trims the result.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// EpisodeID returns the content identity of an episode request.
// Format: ep-<32 hex chars>
// Example: ep-5f1c0a9e2b7d4c3a8e6f1b2d3c4a5e6f
func EpisodeID(text, title, lang string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(title)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(lang))))
	return EpisodePrefix + hex.EncodeToString(h.Sum(nil))[:episodeHashLen]
}

// SegmentKey returns the cache key for a synthesized segment.
func SegmentKey(text, voice string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(voice))))
	return hex.EncodeToString(h.Sum(nil))
}

// IsEpisodeID reports whether s has the shape of an id produced by EpisodeID.
func IsEpisodeID(s string) bool {
	if !strings.HasPrefix(s, EpisodePrefix) {
		return false
	}
	rest := s[len(EpisodePrefix):]
	if len(rest) != episodeHashLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
