package search

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash returns a 16-hex-char digest of normalized content:
// lowercased, with whitespace runs collapsed to single spaces. Items
// surfaced by different sources under different ids hash equal when
// their text matches.
func ContentHash(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// resolveIdentity returns the stable fusion identity for an item: the
// canonical id when the source supplied one, else the native id, else a
// hash of the content. Sources share an id namespace, so two sources
// returning the same id merge into one candidate.
func resolveIdentity(it SourceItem) string {
	if it.CanonicalID != "" {
		return it.CanonicalID
	}
	if it.ID != "" {
		return it.ID
	}
	return ContentHash(it.Content)
}

// normalizeScore linearly rescales raw into [0, 1] given the min/max
// observed for its source in this call. Out-of-range input clamps; a
// degenerate range maps to 0.
func normalizeScore(raw, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (raw - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// tokenJaccard measures set overlap between two token sets. Two empty
// sets are fully similar; one empty set is fully dissimilar.
func tokenJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
