// Package coverage implements the nightly coverage scanner: per-trigger
// discovery of the best-reimbursing product per insurance key, GP
// normalization, aggregation, write-back, and back-propagation onto
// existing opportunities.
package coverage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// Options tunes the scan; zero values fall back to the standard defaults.
type Options struct {
	MinClaims    int
	DaysBack     int
	MinMargin    float64
	DMEMinMargin float64
}

func (o Options) withDefaults() Options {
	if o.MinClaims <= 0 {
		o.MinClaims = 1
	}
	if o.DaysBack <= 0 {
		o.DaysBack = 365
	}
	if o.MinMargin <= 0 {
		o.MinMargin = 10
	}
	if o.DMEMinMargin <= 0 {
		o.DMEMinMargin = 3
	}
	return o
}

// NoMatch is a per-trigger record explaining why zero coverage rows
// resulted.
type NoMatch struct {
	TriggerID int64
	Reason    string
}

// Summary is the result of ScanAllCoverage.
type Summary struct {
	TriggersScanned int
	VerifiedRows    int
	NoMatch         []NoMatch
}

// Scanner runs ScanAllCoverage against a Store.
type Scanner struct {
	Store *store.Store
}

// New constructs a Scanner.
func New(s *store.Store) *Scanner {
	return &Scanner{Store: s}
}

// candidateGroup accumulates normalized GP/qty observations for one
// (bin, group, drug_name, ndc) key during aggregation.
type candidateGroup struct {
	bin, group, drugName, ndc string
	gpSum, qtySum             float64
	count                     int
}

func (g *candidateGroup) meanGP() float64  { return g.gpSum / float64(g.count) }
func (g *candidateGroup) meanQty() float64 { return g.qtySum / float64(g.count) }

// ScanAllCoverage runs the coverage scan over every enabled trigger
// that carries a recommended_drug or detection_keywords.
func (sc *Scanner) ScanAllCoverage(ctx context.Context, opts Options) (*Summary, error) {
	log := logger.L().With("run_id", uuid.NewString())
	opts = opts.withDefaults()

	triggers, err := sc.Store.EnabledTriggers(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}

	summary := &Summary{}
	for _, trigger := range triggers {
		summary.TriggersScanned++

		keywordSets, reason := keywordSetsFor(trigger)
		if reason != "" {
			summary.NoMatch = append(summary.NoMatch, NoMatch{TriggerID: trigger.ID, Reason: reason})
			continue
		}

		rxs, err := sc.Store.PrescriptionsWithinDays(ctx, 0, opts.DaysBack)
		if err != nil {
			return nil, fmt.Errorf("load candidate claims for trigger %d: %w", trigger.ID, err)
		}

		minMargin := opts.MinMargin
		if trigger.Type == model.TriggerNDCOptimization {
			minMargin = opts.DMEMinMargin
		}

		groups := aggregateCandidates(trigger, rxs, keywordSets)
		verified := selectVerified(groups, opts.MinClaims, minMargin)

		if len(verified) == 0 {
			summary.NoMatch = append(summary.NoMatch, NoMatch{
				TriggerID: trigger.ID,
				Reason:    fmt.Sprintf("no claims found with margin >= $%.2f", minMargin),
			})
			if err := sc.Store.DisableTrigger(ctx, trigger.ID); err != nil {
				log.Errorw("coverage: failed to disable trigger", "trigger_id", trigger.ID, "err", err.Error())
			}
			continue
		}

		if err := sc.Store.ReplaceCoverage(ctx, trigger.ID, verified); err != nil {
			return nil, fmt.Errorf("replace coverage for trigger %d: %w", trigger.ID, err)
		}
		summary.VerifiedRows += len(verified)

		median := medianGP(verified)
		if err := sc.Store.UpdateTriggerGP(ctx, trigger.ID, median); err != nil {
			log.Errorw("coverage: failed to update trigger gp", "trigger_id", trigger.ID, "err", err.Error())
		}

		if err := sc.backPropagate(ctx, trigger, median); err != nil {
			log.Errorw("coverage: back-propagation failed", "trigger_id", trigger.ID, "err", err.Error())
		}

		if len(trigger.PharmacyInclusions) > 0 {
			n, err := sc.Store.DeleteOutOfScopeNotSubmitted(ctx, trigger.ID, trigger.PharmacyInclusions)
			if err != nil {
				log.Errorw("coverage: pharmacy-scope cleanup failed", "trigger_id", trigger.ID, "err", err.Error())
			} else if n > 0 {
				log.Infow("coverage: pruned out-of-scope opportunities", "trigger_id", trigger.ID, "deleted", n)
			}
		}

		log.Infow("completed coverage scan for trigger",
			"trigger_id", trigger.ID, "verified_claim_count", len(verified), "median_gp", median)
	}

	return summary, nil
}

// keywordSetsFor extracts the keyword sets a trigger's candidate
// search uses: NDC-optimization triggers search by detection_keywords
// (one set per keyword, OR'd); all others search by the tokenized
// recommended_drug (a single AND'd set).
func keywordSetsFor(trigger *model.Trigger) (sets [][]string, noMatchReason string) {
	if trigger.Type == model.TriggerNDCOptimization {
		if len(trigger.DetectionKeywords) == 0 {
			return nil, "no search criteria"
		}
		for kw := range trigger.DetectionKeywords {
			sets = append(sets, []string{kw})
		}
		return sets, ""
	}

	if trigger.RecommendedDrug == "" {
		return nil, "no search criteria"
	}
	tokens := ExtractKeywords(trigger.RecommendedDrug)
	if len(tokens) == 0 {
		return nil, "no searchable keywords"
	}
	return [][]string{tokens}, ""
}

func matchesAnySet(upperDrugName string, sets [][]string) bool {
	for _, set := range sets {
		all := true
		for _, tok := range set {
			if !strings.Contains(upperDrugName, tok) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func aggregateCandidates(trigger *model.Trigger, rxs []*model.Prescription, keywordSets [][]string) map[string]*candidateGroup {
	groups := map[string]*candidateGroup{}
	for _, rx := range rxs {
		if rx.InsuranceBIN == "" {
			continue
		}
		up := strings.ToUpper(rx.DrugName)
		if !matchesAnySet(up, keywordSets) {
			continue
		}
		if hasExcludeKeyword(up, trigger.ExcludeKeywords) {
			continue
		}
		est := DaysSupplyEstimate(rx)
		minDays := 28.0
		if trigger.ExpectedDaysSupply != nil {
			minDays = 0.8 * (*trigger.ExpectedDaysSupply)
		}
		if est < minDays {
			continue
		}

		gp, ok := ClaimGP(rx)
		if !ok {
			continue
		}
		normGP := Normalize30Day(gp, est, trigger.ExpectedDaysSupply)
		normQty := Normalize30Day(rx.Quantity, est, trigger.ExpectedDaysSupply)

		key := rx.InsuranceBIN + "|" + rx.GroupNumber + "|" + up + "|" + rx.NDC
		g, ok := groups[key]
		if !ok {
			g = &candidateGroup{bin: rx.InsuranceBIN, group: rx.GroupNumber, drugName: rx.DrugName, ndc: rx.NDC}
			groups[key] = g
		}
		g.gpSum += normGP
		g.qtySum += normQty
		g.count++
	}
	return groups
}

func hasExcludeKeyword(upperDrugName string, excludes map[string]struct{}) bool {
	for kw := range excludes {
		if strings.Contains(upperDrugName, kw) {
			return true
		}
	}
	return false
}

// selectVerified retains, per (bin, group), the candidate group with
// the highest mean GP (ROW_NUMBER() = 1 in the original SQL framing),
// filtered by minClaims and minMargin.
func selectVerified(groups map[string]*candidateGroup, minClaims int, minMargin float64) []*model.TriggerBinValue {
	best := map[string]*candidateGroup{} // bin|group -> best group
	for _, g := range groups {
		if g.count < minClaims || g.meanGP() < minMargin {
			continue
		}
		key := g.bin + "|" + g.group
		cur, ok := best[key]
		if !ok || g.meanGP() > cur.meanGP() {
			best[key] = g
		}
	}

	out := make([]*model.TriggerBinValue, 0, len(best))
	for _, g := range best {
		out = append(out, &model.TriggerBinValue{
			BIN: g.bin, Group: g.group,
			CoverageStatus:     model.CoverageVerified,
			VerifiedClaimCount: g.count,
			AvgReimbursement:   g.meanGP(),
			AvgQty:             g.meanQty(),
			GPValue:            g.meanGP(),
			BestDrugName:       g.drugName,
			BestNDC:            g.ndc,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BIN != out[j].BIN {
			return out[i].BIN < out[j].BIN
		}
		return out[i].Group < out[j].Group
	})
	return out
}

func medianGP(rows []*model.TriggerBinValue) float64 {
	if len(rows) == 0 {
		return 0
	}
	vals := make([]float64, len(rows))
	for i, r := range rows {
		vals[i] = r.GPValue
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

// backPropagate updates every "Not Submitted" opportunity for trigger
// with the freshly verified TriggerBinValue for its fill's (bin,
// group), falling back to the new median when no match is found.
func (sc *Scanner) backPropagate(ctx context.Context, trigger *model.Trigger, median float64) error {
	values, err := sc.Store.TriggerBinValues(ctx, trigger.ID)
	if err != nil {
		return fmt.Errorf("reload trigger_bin_values: %w", err)
	}

	opps, err := sc.Store.NotSubmittedForTrigger(ctx, trigger.ID)
	if err != nil {
		return fmt.Errorf("load not-submitted opportunities: %w", err)
	}

	for _, o := range opps {
		gp := median
		recommendedNDC := o.RecommendedNDC
		avgQty := o.AvgDispensedQty

		fill, err := sc.Store.PrescriptionByID(ctx, o.PrescriptionID)
		if err != nil {
			return fmt.Errorf("load originating fill for opportunity %d: %w", o.ID, err)
		}

		if bv := matchBackPropTarget(values, trigger.ID, fill.InsuranceBIN, fill.GroupNumber); bv != nil && !bv.IsExcluded {
			gp = bv.GPValue
			avgQty = bv.AvgQty
			if bv.BestNDC != "" {
				recommendedNDC = bv.BestNDC
			}
		}

		o.PotentialMarginGain = roundCents(gp)
		o.AnnualMarginGain = roundCents(gp * float64(trigger.EffectiveAnnualFills()))
		o.AvgDispensedQty = avgQty
		o.RecommendedNDC = recommendedNDC

		if err := sc.Store.BackPropagate(ctx, o); err != nil {
			return fmt.Errorf("back-propagate opportunity %d: %w", o.ID, err)
		}
	}
	return nil
}

// matchBackPropTarget resolves the TriggerBinValue matching the
// opportunity's originating fill, by (bin, group) then by bin alone.
func matchBackPropTarget(values map[string]*model.TriggerBinValue, triggerID int64, bin, group string) *model.TriggerBinValue {
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

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
