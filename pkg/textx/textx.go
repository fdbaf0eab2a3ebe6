// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"

	"golang.org/x/net/html"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// StripHTML removes markup and returns the concatenated text content.
// Entities are left untouched; only tags go.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	tz := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			// Raw keeps entity sequences literal.
			b.Write(tz.Raw())
		}
	}
}

var mojibake = strings.NewReplacer(
	"¬Æ", "®", // stray "¬Æ" from a past encoding mixup -> ®
	"&deg;", "°",
)

// Normalize canonicalizes a field value for comparison: strip HTML,
// repair known mojibake sequences, collapse whitespace runs to a single
// space, trim. Normalize is idempotent.
func Normalize(s string) string {
	s = StripHTML(s)
	s = mojibake.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeHeader canonicalizes a CSV column name: trim, lowercase,
// whitespace runs become single underscores.
func NormalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), "_"))
}
