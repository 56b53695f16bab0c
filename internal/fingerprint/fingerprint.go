// Package fingerprint normalizes listing text and hashes it for deduplication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var stripPolicy = bluemonday.StrictPolicy()

// Normalize strips markup, applies NFKC, lowercases, drops punctuation and collapses
// whitespace so that cosmetic listing changes do not alter the fingerprint.
func Normalize(text string) string {
	text = html.UnescapeString(stripPolicy.Sanitize(text))
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Compute returns the hex SHA-256 of the normalized title and abstract.
func Compute(title, abstract string) string {
	sum := sha256.Sum256([]byte(Normalize(title) + "\n" + Normalize(abstract)))
	return hex.EncodeToString(sum[:])
}

// Similarity is the Jaccard index of the normalized word sets of a and b.
func Similarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1
	}

	shared := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			shared++
		}
	}
	union := len(wordsA) + len(wordsB) - shared
	return float64(shared) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	fields := strings.Fields(Normalize(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
