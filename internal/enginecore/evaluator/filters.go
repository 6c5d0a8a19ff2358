package evaluator

import (
	"strings"

	"github.com/pharmscan/enginecore/internal/enginecore/model"
)

// PrescriptionFilter determines whether a candidate fill satisfies one
// matching constraint. Filters are composable and ANDed together.
type PrescriptionFilter func(rx *model.Prescription) bool

func matchAllRx(rx *model.Prescription, filters []PrescriptionFilter) bool {
	for _, f := range filters {
		if !f(rx) {
			return false
		}
	}
	return true
}

// FilterByDetectionKeywords matches fills whose upper(drug_name)
// contains at least one detection keyword.
func FilterByDetectionKeywords(keywords map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(keywords) == 0 {
			return true
		}
		up := strings.ToUpper(rx.DrugName)
		for kw := range keywords {
			if strings.Contains(up, kw) {
				return true
			}
		}
		return false
	}
}

// FilterExcludeKeywords disqualifies fills whose upper(drug_name)
// contains any exclude keyword.
func FilterExcludeKeywords(keywords map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(keywords) == 0 {
			return true
		}
		up := strings.ToUpper(rx.DrugName)
		for kw := range keywords {
			if strings.Contains(up, kw) {
				return false
			}
		}
		return true
	}
}

// FilterByBinInclusion requires the fill's BIN be in the set, when non-empty.
func FilterByBinInclusion(bins map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(bins) == 0 {
			return true
		}
		_, ok := bins[rx.InsuranceBIN]
		return ok
	}
}

// FilterByBinExclusion rejects fills whose BIN is in the set.
func FilterByBinExclusion(bins map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(bins) == 0 {
			return true
		}
		_, ok := bins[rx.InsuranceBIN]
		return !ok
	}
}

// FilterByGroupInclusion requires the fill's group be in the set, when non-empty.
func FilterByGroupInclusion(groups map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(groups) == 0 {
			return true
		}
		_, ok := groups[rx.GroupNumber]
		return ok
	}
}

// FilterByGroupExclusion rejects fills whose group is in the set.
func FilterByGroupExclusion(groups map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		if len(groups) == 0 {
			return true
		}
		_, ok := groups[rx.GroupNumber]
		return !ok
	}
}

// FilterByContractPrefixExclusion rejects fills whose contract_id
// starts with any of the given prefixes.
func FilterByContractPrefixExclusion(prefixes []string) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(rx.ContractID, p) {
				return false
			}
		}
		return true
	}
}

// FilterByExcludedBins rejects fills on a pharmacy's cash/sentinel BINs.
func FilterByExcludedBins(excluded map[string]struct{}) PrescriptionFilter {
	return func(rx *model.Prescription) bool {
		_, ok := excluded[rx.InsuranceBIN]
		return !ok
	}
}

// patientHasKeyword reports whether any drug name in names contains kw.
func patientHasKeyword(names []string, kw string) bool {
	for _, n := range names {
		if strings.Contains(strings.ToUpper(n), kw) {
			return true
		}
	}
	return false
}

// matchesIfHas implements the if_has_keywords patient-context rule
// under the given match mode.
func matchesIfHas(names []string, keywords map[string]struct{}, mode model.KeywordMatchMode) bool {
	if len(keywords) == 0 {
		return true
	}
	if mode == model.MatchAll {
		for kw := range keywords {
			if !patientHasKeyword(names, kw) {
				return false
			}
		}
		return true
	}
	for kw := range keywords {
		if patientHasKeyword(names, kw) {
			return true
		}
	}
	return false
}

// matchesIfNotHas implements the if_not_has_keywords rule: none of the
// patient's drug names may contain any of the keywords.
func matchesIfNotHas(names []string, keywords map[string]struct{}) bool {
	for kw := range keywords {
		if patientHasKeyword(names, kw) {
			return false
		}
	}
	return true
}
