// Package evaluator implements the trigger evaluation engine: rule
// matching of prescriptions and patients against the configured
// trigger library, producing deduplicated opportunity records.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pharmscan/enginecore/internal/enginecore/coverage"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// Result is the summary returned by Scan.
type Result struct {
	Created          int
	SkippedDuplicates int
}

const (
	defaultLookbackDays = 90
	minMonthlyGP        = 10.0
	fallbackGP          = 50.0
)

// Evaluator runs Scan against a Store.
type Evaluator struct {
	Store *store.Store
}

// New constructs an Evaluator.
func New(s *store.Store) *Evaluator {
	return &Evaluator{Store: s}
}

// Scan evaluates every enabled trigger against a pharmacy's recent
// prescriptions and creates deduplicated opportunities.
func (e *Evaluator) Scan(ctx context.Context, pharmacyID int64, lookbackDays int) (*Result, error) {
	log := logger.L().With("run_id", uuid.NewString(), "pharmacy_id", pharmacyID)
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}

	pharmacy, err := e.Store.Pharmacy(ctx, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("load pharmacy %d: %w", pharmacyID, err)
	}
	excludedBins := pharmacy.ExcludedBINs()

	triggers, err := e.Store.EnabledTriggers(ctx, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Priority < triggers[j].Priority })

	rxs, _, err := e.Store.RecentPrescriptions(ctx, pharmacyID, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("load recent prescriptions: %w", err)
	}

	byPatient := map[int64][]*model.Prescription{}
	for _, rx := range rxs {
		byPatient[rx.PatientID] = append(byPatient[rx.PatientID], rx)
	}

	gpCache, err := BuildGPCache(ctx, e.Store, pharmacyID, triggers)
	if err != nil {
		return nil, fmt.Errorf("build gp cache: %w", err)
	}

	existingKeys, err := e.Store.ExistingOpportunityKeys(ctx, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("load existing opportunities: %w", err)
	}
	queuedThisScan := map[string]struct{}{} // (patient_id, trigger_id) serialization within this run

	result := &Result{}

	for _, trigger := range triggers {
		binValues, err := e.Store.TriggerBinValues(ctx, trigger.ID)
		if err != nil {
			log.Errorw("evaluator: failed to load trigger_bin_values", "trigger_id", trigger.ID, "err", err.Error())
			continue
		}

		for patientID, fills := range byPatient {
			pairKey := fmt.Sprintf("%d|%d", patientID, trigger.ID)
			if _, ok := queuedThisScan[pairKey]; ok {
				continue
			}

			match, ok := detect(trigger, fills, excludedBins)
			if !ok {
				continue
			}

			if !patientContextOK(trigger, fills) {
				continue
			}

			bv := lookupBinValue(binValues, trigger.ID, match.InsuranceBIN, match.GroupNumber)
			if bv != nil && bv.IsExcluded {
				continue
			}

			gp, avgQty, recommendedNDC := resolveEconomics(trigger, match, bv, gpCache)
			if gp < minMonthlyGP {
				continue
			}

			o := &model.Opportunity{
				PharmacyID:          pharmacyID,
				PatientID:           patientID,
				PrescriptionID:       match.ID,
				TriggerID:           trigger.ID,
				OpportunityType:     trigger.Type,
				CurrentDrugName:     match.DrugName,
				CurrentNDC:          match.NDC,
				RecommendedDrugName: trigger.RecommendedDrug,
				RecommendedNDC:      recommendedNDC,
				AvgDispensedQty:     avgQty,
				PotentialMarginGain: roundCents(gp),
				AnnualMarginGain:    roundCents(gp * float64(trigger.EffectiveAnnualFills())),
				ClinicalRationale:   rationale(trigger),
				Priority:            Priority(trigger.Priority),
				Status:              model.StatusNotSubmitted,
				CreatedAt:           time.Now().UTC(),
			}

			dedupKey := o.DedupKey()
			if _, exists := existingKeys[dedupKey]; exists {
				result.SkippedDuplicates++
				continue
			}

			if _, err := e.Store.InsertOpportunity(ctx, o); err != nil {
				log.Errorw("evaluator: failed to insert opportunity",
					"patient_id", patientID, "trigger_id", trigger.ID, "err", err.Error())
				continue
			}
			existingKeys[dedupKey] = struct{}{}
			queuedThisScan[pairKey] = struct{}{}
			result.Created++
		}
	}

	log.Infow("completed evaluator scan",
		"lookback_days", lookbackDays,
		"created", result.Created, "skipped_duplicates", result.SkippedDuplicates)

	return result, nil
}

// detect finds the most recent fill matching the detection + exclude
// keywords, then checks that single fill against BIN/group/contract
// scope. A keyword match on a fill outside scope is rejected outright,
// not replaced by an older in-scope fill.
func detect(trigger *model.Trigger, fills []*model.Prescription, excludedBins map[string]struct{}) (*model.Prescription, bool) {
	keywordFilters := []PrescriptionFilter{
		FilterByDetectionKeywords(trigger.DetectionKeywords),
		FilterExcludeKeywords(trigger.ExcludeKeywords),
	}

	var best *model.Prescription
	for _, rx := range fills {
		if !matchAllRx(rx, keywordFilters) {
			continue
		}
		if best == nil || rx.DispensedDate > best.DispensedDate {
			best = rx
		}
	}
	if best == nil {
		return nil, false
	}

	scopeFilters := []PrescriptionFilter{
		FilterByBinInclusion(trigger.BINInclusions),
		FilterByBinExclusion(trigger.BINExclusions),
		FilterByGroupInclusion(trigger.GroupInclusions),
		FilterByGroupExclusion(trigger.GroupExclusions),
		FilterByContractPrefixExclusion(trigger.ContractPrefixExclusions),
		FilterByExcludedBins(excludedBins),
	}
	if !matchAllRx(best, scopeFilters) {
		return nil, false
	}
	return best, true
}

func patientContextOK(trigger *model.Trigger, fills []*model.Prescription) bool {
	names := make([]string, 0, len(fills))
	for _, rx := range fills {
		names = append(names, rx.DrugName)
	}
	if !matchesIfHas(names, trigger.IfHasKeywords, trigger.KeywordMatchMode) {
		return false
	}
	if !matchesIfNotHas(names, trigger.IfNotHasKeywords) {
		return false
	}
	return true
}

// lookupBinValue finds the matching verified TriggerBinValue for a
// fill, preferring an exact (bin, group) match and falling back to
// (bin only).
func lookupBinValue(values map[string]*model.TriggerBinValue, triggerID int64, bin, group string) *model.TriggerBinValue {
	v := &model.TriggerBinValue{TriggerID: triggerID, BIN: bin, Group: group}
	if bv, ok := values[v.Key()]; ok {
		return bv
	}
	v2 := &model.TriggerBinValue{TriggerID: triggerID, BIN: bin, Group: ""}
	if bv, ok := values[v2.Key()]; ok {
		return bv
	}
	return nil
}

// resolveEconomics resolves an opportunity's GP in priority order:
// a matching verified TriggerBinValue, then the GP cache, then the
// trigger default, then the fill's own normalized GP, then a flat $50
// fallback.
func resolveEconomics(trigger *model.Trigger, fill *model.Prescription, bv *model.TriggerBinValue, cache *GPCache) (gp, avgQty float64, recommendedNDC string) {
	recommendedNDC = trigger.RecommendedNDC

	if bv != nil {
		if bv.BestNDC != "" {
			recommendedNDC = bv.BestNDC
		}
		return bv.GPValue, bv.AvgQty, recommendedNDC
	}

	if v, _, ok := cache.Lookup(trigger.RecommendedDrug, fill); ok {
		return v, fill.Quantity, recommendedNDC
	}

	if trigger.DefaultGPValue > 0 {
		return trigger.DefaultGPValue, fill.Quantity, recommendedNDC
	}

	if fillGP, ok := fillRawGP(fill, trigger.ExpectedDaysSupply); ok {
		return fillGP, fill.Quantity, recommendedNDC
	}

	return fallbackGP, fill.Quantity, recommendedNDC
}

// fillRawGP derives the fill's own gross profit and scales it to a
// 30-day value, the unit all opportunity economics are expressed in.
func fillRawGP(rx *model.Prescription, expectedDaysSupply *float64) (float64, bool) {
	gp := rx.InsurancePay + rx.PatientPay - rx.AcquisitionCost
	if gp == 0 {
		return 0, false
	}
	return coverage.Normalize30Day(gp, coverage.DaysSupplyEstimate(rx), expectedDaysSupply), true
}

func rationale(t *model.Trigger) string {
	if t.ClinicalRationale != "" {
		return t.ClinicalRationale
	}
	return t.ActionInstructions
}

// Priority maps a trigger's numeric priority to a display bucket:
// 1-2 high, 3-4 medium, else low.
func Priority(p int) string {
	switch {
	case p >= 1 && p <= 2:
		return "high"
	case p >= 3 && p <= 4:
		return "medium"
	default:
		return "low"
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
