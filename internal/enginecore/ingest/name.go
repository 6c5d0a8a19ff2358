package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	parenSuffixRe = regexp.MustCompile(`\s*\([^)]*\)\s*`)
	honorificRe   = regexp.MustCompile(`(?i)\b(jr|sr|i{1,3}|iv|v)\.?\b`)
)

// splitPatientName parses a patient-name field into (first, last).
// "Last, First ..." form is detected by a comma; otherwise the first
// token is the first name and the last token is the last name.
// Parenthesized suffixes and honorifics are stripped first.
func splitPatientName(raw string) (first, last string) {
	s := parenSuffixRe.ReplaceAllString(raw, " ")
	s = honorificRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}

	if idx := strings.Index(s, ","); idx >= 0 {
		last = strings.TrimSpace(s[:idx])
		first = strings.TrimSpace(s[idx+1:])
		if sp := strings.Fields(first); len(sp) > 0 {
			first = sp[0]
		}
		return first, last
	}

	parts := strings.Fields(s)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[len(parts)-1]
}

// PatientHash computes the stable digest identifying a patient:
// sha256("last, first|dob") lower-cased, or "rx:<rx_number>" when no
// name is available at all.
func PatientHash(first, last, dob, rxNumber string) string {
	first = strings.ToLower(strings.TrimSpace(first))
	last = strings.ToLower(strings.TrimSpace(last))
	if first == "" && last == "" {
		return "rx:" + rxNumber
	}
	material := last + ", " + first + "|" + dob
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// conditionRules maps an uppercase therapeutic-class substring to the
// chronic condition it implies. Order doesn't matter — all matching
// rules apply, producing a set.
var conditionRules = []struct {
	substrings []string
	condition  string
}{
	{[]string{"DIABETES", "INSULIN", "BIGUANIDE", "SULFONYLUREA"}, "Diabetes"},
	{[]string{"ACE INHIBITOR", "ARB", "ANTIHYPERTENSIVE", "BETA BLOCKER", "CALCIUM CHANNEL"}, "Hypertension"},
	{[]string{"STATIN", "CHOLESTEROL", "LIPID"}, "Hyperlipidemia"},
	{[]string{"ANTIDEPRESSANT", "SSRI", "SNRI"}, "Depression"},
	{[]string{"BRONCHODILATOR", "COPD", "ASTHMA"}, "COPD/Asthma"},
	{[]string{"ANTICOAGULANT", "BLOOD THINNER"}, "CVD"},
	{[]string{"THYROID"}, "Thyroid"},
	{[]string{"PROTON PUMP", "PPI", "GERD"}, "GERD"},
	{[]string{"HIV"}, "HIV"},
}

// InferConditions derives the chronic-condition set implied by a
// therapeutic-class string.
func InferConditions(therapeuticClass string) map[string]struct{} {
	out := map[string]struct{}{}
	up := strings.ToUpper(therapeuticClass)
	if up == "" {
		return out
	}
	for _, rule := range conditionRules {
		for _, sub := range rule.substrings {
			if strings.Contains(up, sub) {
				out[rule.condition] = struct{}{}
				break
			}
		}
	}
	return out
}
