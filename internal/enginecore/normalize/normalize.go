// Package normalize provides the small value-normalization helpers the
// ingestor and evaluator share: claim-date parsing, BIN padding, NDC
// digit normalization, amount parsing, and name casing.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// claimDateLayouts is the explicit format table for upstream claim
// dates. Unlike ambient log timestamps (parsed with dateparse, see
// Timestamp below), the claim date format is a contract with the
// pharmacy export and is matched against a fixed, ordered list.
var claimDateLayouts = []string{
	"01/02/2006",
	"2006-01-02",
	"01-02-2006",
	"2006/01/02",
	"1/2/2006",
}

// ClaimDate parses an upstream claim date against the known export
// layouts, returning it in canonical ISO form (YYYY-MM-DD). A time
// suffix ("01/02/2025 10:33") is discarded before matching.
func ClaimDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		s = s[:idx]
	}
	for _, layout := range claimDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// Timestamp parses an ambient timestamp (log lines, run summaries)
// using dateparse's best-effort format detection, returning it in UTC.
func Timestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// BIN normalizes an insurance BIN to its canonical 6-digit
// zero-padded form: strip non-digit characters, then left-pad.
// Input with no digits at all yields the empty string.
func BIN(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) == 0 {
		return ""
	}
	out := string(digits)
	for len(out) < 6 {
		out = "0" + out
	}
	return out
}

// NDC strips hyphens and any other non-digit characters from an NDC.
// When the result is 11 digits long it is returned as-is (the
// canonical digit-only form); otherwise the original string is
// returned with only surrounding whitespace trimmed, and ok=false, so
// the caller can flag it in the raw bag.
func NDC(s string) (string, bool) {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) != 11 {
		return strings.TrimSpace(s), false
	}
	return string(digits), true
}

// Amount parses a currency-ish field ("$12.34", "12.34", "(12.34)")
// into a float64, treating parenthesized values as negative.
func Amount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// Name trims and title-cases a patient or prescriber name field,
// preserving internal hyphenation ("Smith-Jones").
func Name(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' })
	for i, p := range parts {
		parts[i] = titleHyphenated(p)
	}
	return strings.Join(parts, " ")
}

func titleHyphenated(s string) string {
	segments := strings.Split(s, "-")
	for i, seg := range segments {
		segments[i] = titleWord(seg)
	}
	return strings.Join(segments, "-")
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	b := []byte(strings.ToLower(s))
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 32
	}
	return string(b)
}

// Upper uppercases a string using ASCII rules only, matching the
// upstream export's convention for codes like BIN/group/contract IDs.
func Upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
