package coverage

import (
	"math"
	"strings"

	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/normalize"
)

// rawGPKeys is the ordered priority list of raw-bag keys the scanner
// consults for a claim's gross profit. The first non-zero value wins;
// this is captured as an explicit list, not scattered conditionals,
// because the upstream export's vendor-specific spelling varies.
var rawGPKeys = []string{
	"gross_profit", "Gross Profit", "grossprofit", "GrossProfit",
	"net_profit", "Net Profit", "netprofit", "NetProfit",
	"adj_profit", "Adj Profit", "adjprofit", "AdjustedProfit", "Adjusted Profit",
}

// rawCostKeys / rawPriceKeys back the Price − Actual Cost fallback.
var (
	rawPriceKeys = []string{"price", "Price", "awp", "AWP"}
	rawCostKeys  = []string{"actual_cost", "Actual Cost", "acquisition_cost", "Acquisition Cost"}
)

// ClaimGP resolves a claim's raw gross profit using the ordered
// raw-bag lookup, falling back to Price − Actual Cost. It deliberately
// does not fall back to (insurance_pay + patient_pay - acquisition_cost)
// — the scanner trusts only raw-bag signals, per the matching
// evaluator economics step which uses that formula itself.
func ClaimGP(rx *model.Prescription) (float64, bool) {
	for _, key := range rawGPKeys {
		if raw, ok := rx.Raw[key]; ok {
			if v, ok := normalize.Amount(raw); ok && v != 0 {
				return v, true
			}
		}
	}
	price, hasPrice := firstAmount(rx.Raw, rawPriceKeys)
	cost, hasCost := firstAmount(rx.Raw, rawCostKeys)
	if hasPrice && hasCost {
		return price - cost, true
	}
	return 0, false
}

func firstAmount(raw model.RawBag, keys []string) (float64, bool) {
	for _, k := range keys {
		if raw, ok := raw[k]; ok {
			if v, ok := normalize.Amount(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// DaysSupplyEstimate fills in an estimated days-supply when the claim
// doesn't carry one, bucketed by dispensed quantity.
func DaysSupplyEstimate(rx *model.Prescription) float64 {
	if rx.DaysSupply > 0 {
		return rx.DaysSupply
	}
	switch {
	case rx.Quantity > 60:
		return 90
	case rx.Quantity > 34:
		return 60
	default:
		return 30
	}
}

// Normalize30Day scales a raw scalar (GP or quantity) observed over
// daysSupplyEst days to a 30-day value. When expectedDaysSupply is
// set the scaling is exact (30/daysSupplyEst); otherwise it buckets by
// whole months (ceil(daysSupplyEst/30)).
func Normalize30Day(value, daysSupplyEst float64, expectedDaysSupply *float64) float64 {
	if daysSupplyEst <= 0 {
		daysSupplyEst = 1
	}
	if expectedDaysSupply != nil {
		return value * (30 / daysSupplyEst)
	}
	months := math.Ceil(daysSupplyEst / 30)
	if months < 1 {
		months = 1
	}
	return value / months
}

// stopWords are dropped during keyword extraction regardless of
// length, since they're common pharmacy-label noise, not drug-name tokens.
var stopWords = map[string]struct{}{
	"MG": {}, "ML": {}, "MCG": {}, "ER": {}, "SR": {}, "XR": {}, "DR": {},
	"HCL": {}, "SODIUM": {}, "POTASSIUM": {}, "TRY": {}, "ALTERNATES": {},
	"IF": {}, "FAILS": {}, "BEFORE": {}, "SAYING": {}, "DOESNT": {}, "WORK": {},
	"THE": {}, "AND": {}, "FOR": {}, "WITH": {}, "TO": {}, "OF": {},
}

// ExtractKeywords tokenizes a recommended-drug (or detection-keyword)
// string into the uppercase token set used for candidate-claim
// matching, dropping stop words, short tokens, and all-digit tokens.
func ExtractKeywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len(tok) <= 2 {
			continue
		}
		if isAllDigits(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func isAllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
