package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	multiDashRegex  = regexp.MustCompile(`-+`)
	nonSlugRegex    = regexp.MustCompile(`[^a-z0-9\s-]`)
)

// QuerySignature is the content address of a (region, category, search
// term) query. Runs for the same signature are interchangeable.
func QuerySignature(region, category, searchTerm string) string {
	normalized := strings.ToLower(fmt.Sprintf("%s|%s|%s", region, category, searchTerm))
	sum := sha1.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ContentID hashes listing fields for sources that expose no stable id.
func ContentID(title, location, price string, pageNumber int) string {
	input := strings.TrimSpace(strings.ToLower(fmt.Sprintf("%s|%s|%s|%d", title, location, price, pageNumber)))
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Fold lowercases s and strips combining marks, so "Constitución" and
// "constitucion" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func Slugify(s string) string {
	s = nonSlugRegex.ReplaceAllString(Fold(s), " ")
	s = strings.TrimSpace(s)
	s = multiSpaceRegex.ReplaceAllString(s, "-")
	s = multiDashRegex.ReplaceAllString(s, "-")
	return s
}

// Tokens splits s into folded alphanumeric words in order of appearance.
func Tokens(s string) []string {
	cleaned := nonSlugRegex.ReplaceAllString(Fold(s), " ")
	var out []string
	for _, word := range strings.Fields(cleaned) {
		word = strings.Trim(word, "-")
		if word != "" {
			out = append(out, word)
		}
	}
	return out
}

// TokenSet returns the sorted unique tokens of all inputs.
func TokenSet(values ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, tok := range Tokens(v) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	sort.Strings(out)
	return out
}
