package evaluator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/testsupport"
)

func rx(drug, bin, group string) *model.Prescription {
	return &model.Prescription{DrugName: drug, InsuranceBIN: bin, GroupNumber: group}
}

func TestFilterByDetectionKeywords_EmptyMatchesAnything(t *testing.T) {
	f := FilterByDetectionKeywords(nil)
	require.True(t, f(rx("Anything", "", "")))
}

func TestFilterByDetectionKeywords_MatchesSubstringCaseInsensitive(t *testing.T) {
	f := FilterByDetectionKeywords(map[string]struct{}{"ATORVASTATIN": {}})
	require.True(t, f(rx("atorvastatin 20mg", "", "")))
	require.False(t, f(rx("lisinopril 10mg", "", "")))
}

func TestFilterExcludeKeywords_RejectsMatch(t *testing.T) {
	f := FilterExcludeKeywords(map[string]struct{}{"GENERIC": {}})
	require.False(t, f(rx("Atorvastatin Generic", "", "")))
	require.True(t, f(rx("Atorvastatin Brand", "", "")))
}

func TestFilterByBinInclusion_EmptySetMatchesAnything(t *testing.T) {
	f := FilterByBinInclusion(nil)
	require.True(t, f(rx("", "610097", "")))
}

func TestFilterByBinInclusion_RequiresMembership(t *testing.T) {
	f := FilterByBinInclusion(map[string]struct{}{"610097": {}})
	require.True(t, f(rx("", "610097", "")))
	require.False(t, f(rx("", "004740", "")))
}

func TestFilterByBinExclusion_RejectsMembership(t *testing.T) {
	f := FilterByBinExclusion(map[string]struct{}{"610097": {}})
	require.False(t, f(rx("", "610097", "")))
	require.True(t, f(rx("", "004740", "")))
}

func TestFilterByGroupInclusionAndExclusion(t *testing.T) {
	inc := FilterByGroupInclusion(map[string]struct{}{"RX1234": {}})
	require.True(t, inc(rx("", "", "RX1234")))
	require.False(t, inc(rx("", "", "RX9999")))

	exc := FilterByGroupExclusion(map[string]struct{}{"RX1234": {}})
	require.False(t, exc(rx("", "", "RX1234")))
	require.True(t, exc(rx("", "", "RX9999")))
}

func TestFilterByContractPrefixExclusion(t *testing.T) {
	f := FilterByContractPrefixExclusion([]string{"CASH", "340B"})
	r := &model.Prescription{ContractID: "CASH-001"}
	require.False(t, f(r))

	r2 := &model.Prescription{ContractID: "STD-001"}
	require.True(t, f(r2))
}

func TestFilterByExcludedBins(t *testing.T) {
	f := FilterByExcludedBins(map[string]struct{}{"999999": {}})
	require.False(t, f(rx("", "999999", "")))
	require.True(t, f(rx("", "610097", "")))
}

func TestMatchAllRx_RequiresEveryFilter(t *testing.T) {
	always := func(*model.Prescription) bool { return true }
	never := func(*model.Prescription) bool { return false }
	require.True(t, matchAllRx(rx("", "", ""), []PrescriptionFilter{always, always}))
	require.False(t, matchAllRx(rx("", "", ""), []PrescriptionFilter{always, never}))
}

func TestMatchesIfHas_AnyMode(t *testing.T) {
	names := []string{"Metformin", "Lisinopril"}
	require.True(t, matchesIfHas(names, map[string]struct{}{"METFORMIN": {}}, model.MatchAny))
	require.False(t, matchesIfHas(names, map[string]struct{}{"INSULIN": {}}, model.MatchAny))
}

func TestMatchesIfHas_AllMode(t *testing.T) {
	names := []string{"Metformin", "Lisinopril"}
	keywords := map[string]struct{}{"METFORMIN": {}, "LISINOPRIL": {}}
	require.True(t, matchesIfHas(names, keywords, model.MatchAll))

	keywords["INSULIN"] = struct{}{}
	require.False(t, matchesIfHas(names, keywords, model.MatchAll))
}

func TestMatchesIfHas_EmptyKeywordsAlwaysPasses(t *testing.T) {
	require.True(t, matchesIfHas(nil, nil, model.MatchAll))
}

func TestMatchesIfNotHas_BlocksOnAnyMatch(t *testing.T) {
	names := []string{"Metformin", "Insulin Glargine"}
	require.False(t, matchesIfNotHas(names, map[string]struct{}{"INSULIN": {}}))
	require.True(t, matchesIfNotHas(names, map[string]struct{}{"WARFARIN": {}}))
}

func TestDetect_PicksMostRecentMatchingFill(t *testing.T) {
	trigger := &model.Trigger{DetectionKeywords: map[string]struct{}{"ATORVASTATIN": {}}}
	older := &model.Prescription{DrugName: "Atorvastatin", DispensedDate: "2026-01-01"}
	newer := &model.Prescription{DrugName: "Atorvastatin", DispensedDate: "2026-06-01"}
	other := &model.Prescription{DrugName: "Lisinopril", DispensedDate: "2026-07-01"}

	match, ok := detect(trigger, []*model.Prescription{older, newer, other}, nil)
	require.True(t, ok)
	require.Same(t, newer, match)
}

func TestDetect_FindsSingleMatchAmongGeneratedFills(t *testing.T) {
	trigger := testsupport.Trigger("TI-LISINOPRIL", "LISINOPRIL", "Losartan 50mg")

	fills := make([]*model.Prescription, 0, 21)
	for i := 0; i < 20; i++ {
		fills = append(fills, testsupport.Prescription(1, 10, testsupport.PrescriptionOpts{DrugName: "Metformin 500mg"}))
	}
	target := testsupport.Prescription(1, 10, testsupport.PrescriptionOpts{DrugName: "Lisinopril 10mg"})
	fills = append(fills, target)

	match, ok := detect(trigger, fills, nil)
	require.True(t, ok)
	require.Same(t, target, match)
}

func TestDetect_NoMatchReturnsFalse(t *testing.T) {
	trigger := &model.Trigger{DetectionKeywords: map[string]struct{}{"ATORVASTATIN": {}}}
	_, ok := detect(trigger, []*model.Prescription{{DrugName: "Lisinopril"}}, nil)
	require.False(t, ok)
}

func TestDetect_OutOfScopeMostRecentFillRejectsMatch(t *testing.T) {
	trigger := &model.Trigger{
		DetectionKeywords: map[string]struct{}{"ATORVASTATIN": {}},
		BINExclusions:     map[string]struct{}{"999999": {}},
	}
	older := &model.Prescription{DrugName: "Atorvastatin", InsuranceBIN: "610097", DispensedDate: "2026-01-01"}
	newer := &model.Prescription{DrugName: "Atorvastatin", InsuranceBIN: "999999", DispensedDate: "2026-06-01"}

	_, ok := detect(trigger, []*model.Prescription{older, newer}, nil)
	require.False(t, ok, "the most recent keyword match decides; an older in-scope fill is not a fallback")
}

func TestDetect_HonorsExcludedBins(t *testing.T) {
	trigger := &model.Trigger{DetectionKeywords: map[string]struct{}{"ATORVASTATIN": {}}}
	fill := &model.Prescription{DrugName: "Atorvastatin", InsuranceBIN: "999999", DispensedDate: "2026-01-01"}
	_, ok := detect(trigger, []*model.Prescription{fill}, map[string]struct{}{"999999": {}})
	require.False(t, ok)
}

func TestPatientContextOK_IfNotHasBlocksMatch(t *testing.T) {
	trigger := &model.Trigger{IfNotHasKeywords: map[string]struct{}{"WARFARIN": {}}}
	fills := []*model.Prescription{{DrugName: "Warfarin"}}
	require.False(t, patientContextOK(trigger, fills))
}

func TestLookupBinValue_PrefersExactGroupMatchFallsBackToBinOnly(t *testing.T) {
	exact := &model.TriggerBinValue{TriggerID: 1, BIN: "610097", Group: "RX1234"}
	binOnly := &model.TriggerBinValue{TriggerID: 1, BIN: "004740", Group: ""}
	values := map[string]*model.TriggerBinValue{
		exact.Key():   exact,
		binOnly.Key(): binOnly,
	}

	got := lookupBinValue(values, 1, "610097", "RX1234")
	require.Same(t, exact, got)

	got2 := lookupBinValue(values, 1, "004740", "RX9999")
	require.Same(t, binOnly, got2)

	require.Nil(t, lookupBinValue(values, 1, "000000", "RX0000"))
}

func TestResolveEconomics_BinValueTakesPriority(t *testing.T) {
	trigger := &model.Trigger{RecommendedNDC: "00000-0000-00", DefaultGPValue: 5}
	fill := &model.Prescription{Quantity: 30}
	bv := &model.TriggerBinValue{GPValue: 42, AvgQty: 60, BestNDC: "11111-1111-11"}

	gp, qty, ndc := resolveEconomics(trigger, fill, bv, &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}})
	require.Equal(t, 42.0, gp)
	require.Equal(t, 60.0, qty)
	require.Equal(t, "11111-1111-11", ndc)
}

func TestResolveEconomics_FallsBackToTriggerDefault(t *testing.T) {
	trigger := &model.Trigger{RecommendedDrug: "Atorvastatin", DefaultGPValue: 25}
	fill := &model.Prescription{Quantity: 30, DrugName: "Atorvastatin"}
	cache := &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}}

	gp, qty, _ := resolveEconomics(trigger, fill, nil, cache)
	require.Equal(t, 25.0, gp)
	require.Equal(t, 30.0, qty)
}

func TestResolveEconomics_FallsBackToFillRawGPThenFlatFallback(t *testing.T) {
	trigger := &model.Trigger{RecommendedDrug: "Atorvastatin"}
	cache := &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}}

	fillWithRawGP := &model.Prescription{Quantity: 30, InsurancePay: 40, PatientPay: 5, AcquisitionCost: 20}
	gp, _, _ := resolveEconomics(trigger, fillWithRawGP, nil, cache)
	require.Equal(t, 25.0, gp)

	flatFill := &model.Prescription{Quantity: 30}
	gp2, _, _ := resolveEconomics(trigger, flatFill, nil, cache)
	require.Equal(t, fallbackGP, gp2)
}

func TestRationale_PrefersClinicalRationaleOverActionInstructions(t *testing.T) {
	require.Equal(t, "clinical reason", rationale(&model.Trigger{ClinicalRationale: "clinical reason", ActionInstructions: "do the thing"}))
	require.Equal(t, "do the thing", rationale(&model.Trigger{ActionInstructions: "do the thing"}))
}

func TestPriority_BucketsByRange(t *testing.T) {
	require.Equal(t, "high", Priority(1))
	require.Equal(t, "high", Priority(2))
	require.Equal(t, "medium", Priority(3))
	require.Equal(t, "medium", Priority(4))
	require.Equal(t, "low", Priority(5))
	require.Equal(t, "low", Priority(0))
}

func TestRoundCents(t *testing.T) {
	require.Equal(t, 12.35, roundCents(12.3456))
	require.Equal(t, 12.3, roundCents(12.2951))
}

func TestGPCache_LookupFallsThroughSpecificityLevels(t *testing.T) {
	cache := &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}}
	rxDrugOnly := &model.Prescription{DrugName: "Atorvastatin", InsuranceBIN: "610097", GroupNumber: "GRPX"}
	cache.add("Atorvastatin", rxDrugOnly, 40)

	gp, level, ok := cache.Lookup("Atorvastatin", &model.Prescription{InsuranceBIN: "999999", GroupNumber: "OTHER"})
	require.True(t, ok)
	require.Equal(t, specDrugOnly, level)
	require.Equal(t, 40.0, gp)

	exactMatch := &model.Prescription{InsuranceBIN: "610097", GroupNumber: "GRPX"}
	gp2, level2, ok2 := cache.Lookup("Atorvastatin", exactMatch)
	require.True(t, ok2)
	require.Equal(t, specBinGroup, level2)
	require.Equal(t, 40.0, gp2)
}

func TestGPCache_LookupMissingDrugReturnsFalse(t *testing.T) {
	cache := &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}}
	_, _, ok := cache.Lookup("Unknown Drug", &model.Prescription{})
	require.False(t, ok)
}

func TestContainsAllTokens(t *testing.T) {
	require.True(t, containsAllTokens("ATORVASTATIN CALCIUM 20MG", []string{"ATORVASTATIN", "20MG"}))
	require.False(t, containsAllTokens("ATORVASTATIN CALCIUM 20MG", []string{"ATORVASTATIN", "40MG"}))
	require.False(t, containsAllTokens("ATORVASTATIN", nil))
}
