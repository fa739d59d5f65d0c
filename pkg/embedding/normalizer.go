// Package embedding turns free-form text into fixed-dimension vectors. It
// owns text normalization, the model fallback chain, result validation,
// and the bounded embedding cache.
package embedding

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalizer preprocesses text before hashing, caching, and embedding.
// Normalization is idempotent: Normalize(Normalize(x)) == Normalize(x).
type Normalizer interface {
	Normalize(text string) string
}

// DefaultNormalizer applies Unicode NFC, collapses whitespace runs into a
// single space, and trims. It deliberately preserves case and punctuation:
// the same normalized form feeds both the content hash and the model, and
// stored content must round-trip readably.
type DefaultNormalizer struct {
	whitespaceRegex *regexp.Regexp
}

// NewNormalizer creates a DefaultNormalizer.
func NewNormalizer() *DefaultNormalizer {
	return &DefaultNormalizer{
		whitespaceRegex: regexp.MustCompile(`\s+`),
	}
}

// Normalize implements Normalizer.
func (n *DefaultNormalizer) Normalize(text string) string {
	if text == "" {
		return ""
	}
	normalized := norm.NFC.String(text)
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}
