package evaluator

import (
	"context"
	"strings"

	"github.com/pharmscan/enginecore/internal/enginecore/coverage"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// gpCacheLookbackDays is the window the cache is built over — wider
// than the trigger lookback window since a recommended drug may not
// have been dispensed recently to any one patient.
const gpCacheLookbackDays = 365

// specificity is the insurance-key specificity level used when
// resolving a cached GP, most specific first.
type specificity int

const (
	specAll4 specificity = iota // bin+group+contract+plan
	specContractPlan
	specBinGroup
	specDrugOnly
)

type gpBucket struct {
	sum   float64
	count int
}

// GPCache holds the observed per-month GP for every recommended drug a
// trigger in this scan cares about, bucketed by insurance key at four
// specificity levels.
type GPCache struct {
	// per recommended_drug -> per specificity level -> per composite key -> bucket
	buckets map[string]map[specificity]map[string]gpBucket
}

// BuildGPCache scans prescriptions within the lookback window once and
// buckets normalized 30-day GP per recommended drug, for every drug
// named by triggers in this scan.
func BuildGPCache(ctx context.Context, s *store.Store, pharmacyID int64, triggers []*model.Trigger) (*GPCache, error) {
	drugs := map[string][]string{} // recommended_drug -> keyword tokens
	for _, t := range triggers {
		if t.RecommendedDrug == "" {
			continue
		}
		if _, ok := drugs[t.RecommendedDrug]; ok {
			continue
		}
		drugs[t.RecommendedDrug] = coverage.ExtractKeywords(t.RecommendedDrug)
	}
	cache := &GPCache{buckets: map[string]map[specificity]map[string]gpBucket{}}
	if len(drugs) == 0 {
		return cache, nil
	}

	rxs, err := s.PrescriptionsWithinDays(ctx, pharmacyID, gpCacheLookbackDays)
	if err != nil {
		return nil, err
	}

	for _, rx := range rxs {
		if rx.InsuranceBIN == "" {
			continue
		}
		up := strings.ToUpper(rx.DrugName)
		for drug, tokens := range drugs {
			if !containsAllTokens(up, tokens) {
				continue
			}
			gp, ok := coverage.ClaimGP(rx)
			if !ok {
				continue
			}
			est := coverage.DaysSupplyEstimate(rx)
			normalized := coverage.Normalize30Day(gp, est, nil)
			cache.add(drug, rx, normalized)
		}
	}
	return cache, nil
}

func containsAllTokens(upperDrugName string, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(upperDrugName, tok) {
			return false
		}
	}
	return true
}

func (c *GPCache) add(drug string, rx *model.Prescription, gp float64) {
	levels, ok := c.buckets[drug]
	if !ok {
		levels = map[specificity]map[string]gpBucket{
			specAll4:         {},
			specContractPlan: {},
			specBinGroup:     {},
			specDrugOnly:     {},
		}
		c.buckets[drug] = levels
	}
	accumulate(levels[specAll4], keyAll4(rx), gp)
	accumulate(levels[specContractPlan], keyContractPlan(rx), gp)
	accumulate(levels[specBinGroup], keyBinGroup(rx), gp)
	accumulate(levels[specDrugOnly], "", gp)
}

func accumulate(m map[string]gpBucket, key string, gp float64) {
	b := m[key]
	b.sum += gp
	b.count++
	m[key] = b
}

func keyAll4(rx *model.Prescription) string {
	return rx.InsuranceBIN + "|" + rx.GroupNumber + "|" + rx.ContractID + "|" + rx.PlanName
}

func keyContractPlan(rx *model.Prescription) string {
	return rx.ContractID + "|" + rx.PlanName
}

func keyBinGroup(rx *model.Prescription) string {
	return rx.InsuranceBIN + "|" + rx.GroupNumber
}

// Lookup returns the averaged GP for recommendedDrug matching the
// fill's insurance context, at the most specific level that has any
// observations (all-4 > contract+plan > BIN+group > drug-only), and
// which level was used. The all-4 and contract+plan levels are only
// consulted when the fill carries a contract ID or plan name, and the
// BIN-keyed levels only when it carries a BIN, so blank fields never
// match other blank fields.
func (c *GPCache) Lookup(recommendedDrug string, rx *model.Prescription) (gp float64, level specificity, ok bool) {
	levels, exists := c.buckets[recommendedDrug]
	if !exists {
		return 0, 0, false
	}
	hasBIN := rx.InsuranceBIN != ""
	hasContractPlan := rx.ContractID != "" || rx.PlanName != ""
	if b, ok := levels[specAll4][keyAll4(rx)]; hasBIN && hasContractPlan && ok && b.count > 0 {
		return b.sum / float64(b.count), specAll4, true
	}
	if b, ok := levels[specContractPlan][keyContractPlan(rx)]; hasContractPlan && ok && b.count > 0 {
		return b.sum / float64(b.count), specContractPlan, true
	}
	if b, ok := levels[specBinGroup][keyBinGroup(rx)]; hasBIN && ok && b.count > 0 {
		return b.sum / float64(b.count), specBinGroup, true
	}
	if b, ok := levels[specDrugOnly][""]; ok && b.count > 0 {
		return b.sum / float64(b.count), specDrugOnly, true
	}
	return 0, 0, false
}
