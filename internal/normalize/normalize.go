// Package normalize turns the raw text fields of a fetched item into a
// canonical string and the two fingerprints used for change detection.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Fields are the optional text-bearing fields of a fetched item.
type Fields struct {
	Title       string
	MainText    string
	Caption     string
	Description string
	CommentText string
	OCRText     string
	Transcript  string
}

// ordered returns the fields in the fixed concatenation order.
func (f Fields) ordered() []string {
	return []string{f.Title, f.MainText, f.Caption, f.Description, f.CommentText, f.OCRText, f.Transcript}
}

// Result holds the joined text, its canonical form and both digests.
type Result struct {
	Text               string
	Canonical          string
	NormalizedTextHash string
	ContentKey         string
}

var (
	nonWordPattern    = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s]+`)
	whitespacePattern = regexp.MustCompile(`[\s\p{Z}]+`)
)

// Join concatenates the non-empty fields with single spaces.
func Join(f Fields) string {
	var parts []string
	for _, v := range f.ordered() {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// Canonicalize lowercases s, removes everything that is neither a word
// character nor whitespace, collapses whitespace runs and trims.
//
// The order is fixed because stored hashes depend on it. NFKC runs first so
// compatibility forms (ligatures, full-width digits) lower and match as word
// characters. Stripping runs before collapsing so "a - b" and "a  b" hash the
// same. Reordering these steps changes every stored hash.
func Canonicalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Lower(language.Und).String(s)
	s = nonWordPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Hash returns the hex SHA-256 digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Normalize fingerprints one item. The locator is the item URL when present,
// otherwise its external id.
func Normalize(f Fields, url, externalID string) Result {
	text := Join(f)
	canonical := Canonicalize(text)

	locator := url
	if locator == "" {
		locator = externalID
	}

	return Result{
		Text:               text,
		Canonical:          canonical,
		NormalizedTextHash: Hash(canonical),
		ContentKey:         Hash(canonical + locator),
	}
}
