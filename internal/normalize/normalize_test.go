package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"punctuation and case", "Hello, World!", "hello world"},
		{"whitespace runs", "  hello \t\n  world  ", "hello world"},
		{"punctuation between spaces", "a - b", "a b"},
		{"underscore is a word character", "snake_case", "snake_case"},
		{"unicode letters survive", "Größe ÄNDERUNG", "größe änderung"},
		{"cyrillic", "Привет, МИР!", "привет мир"},
		{"non-breaking space", "hello\u00a0world", "hello world"},
		{"full-width folded", "\uff21\uff22\uff23", "abc"},
		{"ligature folded", "\ufb01ne", "fine"},
		{"empty", "", ""},
		{"only punctuation", "!!! ...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonicalize(tt.input))
		})
	}
}

func TestJoinUsesFixedOrder(t *testing.T) {
	f := Fields{
		Transcript:  "transcript",
		Title:       "title",
		Description: "description",
		MainText:    "   ",
		OCRText:     "ocr",
	}
	assert.Equal(t, "title description ocr transcript", Join(f))
}

func TestNormalizeIsInsensitiveToFormatting(t *testing.T) {
	a := Normalize(Fields{Title: "Hello, World!"}, "https://example.com", "1")
	b := Normalize(Fields{Title: "hello   world"}, "https://example.com", "1")

	assert.Equal(t, a.NormalizedTextHash, b.NormalizedTextHash)
	assert.Equal(t, a.ContentKey, b.ContentKey)
	assert.Len(t, a.NormalizedTextHash, 64)
	assert.Equal(t, "Hello, World!", a.Text)
}

func TestContentKeyLocator(t *testing.T) {
	withURL := Normalize(Fields{Title: "same"}, "https://example.com/a", "ext-1")
	otherURL := Normalize(Fields{Title: "same"}, "https://example.com/b", "ext-1")
	noURL := Normalize(Fields{Title: "same"}, "", "ext-1")

	assert.Equal(t, withURL.NormalizedTextHash, otherURL.NormalizedTextHash)
	assert.NotEqual(t, withURL.ContentKey, otherURL.ContentKey)
	assert.Equal(t, Hash("same"+"ext-1"), noURL.ContentKey)
	assert.Equal(t, Hash("same"+"https://example.com/a"), withURL.ContentKey)
}

func TestEmptyInputHashesDeterministically(t *testing.T) {
	a := Normalize(Fields{}, "", "")
	b := Normalize(Fields{}, "", "")

	assert.Equal(t, "", a.Canonical)
	assert.Equal(t, Hash(""), a.NormalizedTextHash)
	assert.Equal(t, a, b)
}
