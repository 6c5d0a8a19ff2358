// Package model defines the seven core entities the scanning engine
// reads and writes, mirroring the persisted-state table layout.
package model

import (
	"strconv"
	"time"

	"github.com/pharmscan/enginecore/internal/enginecore/normalize"
)

// RawBag holds vendor-specific claim fields that don't map onto the
// canonical Prescription columns. Keys are preserved case-sensitively
// as they appeared in the source export; lookups into it (e.g. for
// gross-profit synonyms) are always done through an explicit ordered
// key list, never by iterating the map.
type RawBag map[string]string

// Pharmacy is the tenant scope for every other entity.
type Pharmacy struct {
	ID       int64
	Name     string
	Settings map[string]string
}

// ExcludedBINs returns the pharmacy's excluded_bins setting as a set.
// Absent or empty settings yield an empty (non-nil) set so callers can
// range over it unconditionally.
func (p *Pharmacy) ExcludedBINs() map[string]struct{} {
	out := map[string]struct{}{}
	raw, ok := p.Settings["excluded_bins"]
	if !ok || raw == "" {
		return out
	}
	for _, bin := range splitCSV(raw) {
		if bin != "" {
			out[bin] = struct{}{}
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	cur := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ',' {
			out = append(out, string(cur))
			cur = cur[:0]
			continue
		}
		if c == ' ' || c == '\t' {
			continue
		}
		cur = append(cur, c)
	}
	out = append(out, string(cur))
	return out
}

// Patient is one per unique (pharmacy_id, patient_hash).
type Patient struct {
	ID                int64
	PharmacyID        int64
	PatientHash       string
	FirstName         string
	LastName          string
	DOB               string // ISO YYYY-MM-DD, empty if unknown
	ChronicConditions map[string]struct{}
	PrimaryBIN        string
	PrimaryGroup      string
}

// Prescription is a single dispensed fill. Natural key is
// (pharmacy_id, rx_number, dispensed_date).
type Prescription struct {
	ID               int64
	PharmacyID       int64
	PatientID        int64
	RxNumber         string
	DrugName         string
	NDC              string
	Quantity         float64
	DaysSupply       float64
	DispensedDate    string // ISO YYYY-MM-DD
	InsuranceBIN     string
	GroupNumber      string
	ContractID       string
	PlanName         string
	PatientPay       float64
	InsurancePay     float64
	AcquisitionCost  float64
	PrescriberName   string
	DAWCode          string
	Raw              RawBag
}

// TriggerType enumerates the kinds of detection rule a Trigger can be.
type TriggerType string

const (
	TriggerTherapeuticInterchange TriggerType = "therapeutic_interchange"
	TriggerMissingTherapy         TriggerType = "missing_therapy"
	TriggerNDCOptimization        TriggerType = "ndc_optimization"
	TriggerCombo                  TriggerType = "combo"
)

// KeywordMatchMode controls how If/IfNot patient-context keywords combine.
type KeywordMatchMode string

const (
	MatchAny KeywordMatchMode = "any"
	MatchAll KeywordMatchMode = "all"
)

// Trigger is a configurable detection rule.
type Trigger struct {
	ID          int64
	Code        string
	DisplayName string
	Type        TriggerType
	Category    string
	Enabled     bool
	Priority    int

	DetectionKeywords    map[string]struct{}
	ExcludeKeywords      map[string]struct{}
	IfHasKeywords        map[string]struct{}
	IfNotHasKeywords     map[string]struct{}
	KeywordMatchMode     KeywordMatchMode
	ExpectedQty          *float64
	ExpectedDaysSupply   *float64

	RecommendedDrug              string
	RecommendedNDC               string
	PharmacyInclusions           map[int64]struct{}
	BINInclusions                map[string]struct{}
	BINExclusions                map[string]struct{}
	GroupInclusions              map[string]struct{}
	GroupExclusions              map[string]struct{}
	ContractPrefixExclusions     []string

	AnnualFills       int
	DefaultGPValue    float64
	MinMarginDefault  float64
	ClinicalRationale string
	ActionInstructions string
	SyncedAt          *time.Time
}

// EffectiveAnnualFills returns trigger.AnnualFills, defaulting to 12.
func (t *Trigger) EffectiveAnnualFills() int {
	if t.AnnualFills <= 0 {
		return 12
	}
	return t.AnnualFills
}

// CoverageStatus is the lifecycle state of a TriggerBinValue row.
type CoverageStatus string

const (
	CoverageVerified CoverageStatus = "verified"
	CoverageExcluded CoverageStatus = "excluded"
	CoverageUnknown  CoverageStatus = "unknown"
)

// TriggerBinValue is the scanner's derived economics for a
// (trigger, bin, group) key.
type TriggerBinValue struct {
	ID                int64
	TriggerID         int64
	BIN               string
	Group             string
	CoverageStatus    CoverageStatus
	VerifiedClaimCount int
	AvgReimbursement  float64
	AvgQty            float64
	GPValue           float64
	BestDrugName      string
	BestNDC           string
	VerifiedAt        *time.Time
	IsExcluded        bool
}

// Key returns the unique (trigger_id, bin, coalesce(group,'')) key.
func (v *TriggerBinValue) Key() string {
	return keyOf(v.TriggerID, v.BIN, v.Group)
}

func keyOf(triggerID int64, bin, group string) string {
	return strconv.FormatInt(triggerID, 10) + "|" + bin + "|" + group
}

// OpportunityStatus enumerates the lifecycle of an Opportunity.
type OpportunityStatus string

const (
	StatusNotSubmitted OpportunityStatus = "Not Submitted"
	StatusSubmitted    OpportunityStatus = "Submitted"
	StatusApproved     OpportunityStatus = "Approved"
	StatusCompleted    OpportunityStatus = "Completed"
	StatusDenied       OpportunityStatus = "Denied"
	StatusDeclined     OpportunityStatus = "Declined"
	StatusDidntWork    OpportunityStatus = "Didn't Work"
	StatusFlagged      OpportunityStatus = "Flagged"
)

// Protected reports whether an opportunity in this status must never
// be deleted, per the store-level invariant.
func (s OpportunityStatus) Protected() bool {
	switch s {
	case StatusSubmitted, StatusApproved, StatusCompleted, StatusDenied:
		return true
	default:
		return false
	}
}

// Opportunity is a patient-level actionable recommendation.
type Opportunity struct {
	ID                  int64
	PharmacyID          int64
	PatientID           int64
	PrescriptionID       int64
	TriggerID           int64
	OpportunityType     TriggerType
	CurrentDrugName     string
	CurrentNDC          string
	RecommendedDrugName string
	RecommendedNDC      string
	AvgDispensedQty     float64
	PotentialMarginGain float64
	AnnualMarginGain    float64
	ClinicalRationale   string
	Priority            string // "high", "medium", "low"
	Status              OpportunityStatus
	CreatedAt           time.Time
	ReviewedAt          *time.Time
	ActionedAt          *time.Time
}

// DedupKey returns the (pharmacy_id, patient_id, upper(recommended_drug))
// key used to deduplicate live opportunities.
func (o *Opportunity) DedupKey() string {
	return keyOf(o.PharmacyID, strconv.FormatInt(o.PatientID, 10), normalize.Upper(o.RecommendedDrugName))
}

// OpportunityAuditLog is an append-only record of every opportunity
// status change.
type OpportunityAuditLog struct {
	ID            int64
	OpportunityID int64
	FromStatus    OpportunityStatus
	ToStatus      OpportunityStatus
	Actor         string
	Timestamp     time.Time
	Reason        string

	// Tamper-evidence fields populated by the auditchain package.
	HashPrev       string
	Hash           string
	HashChainIndex int
}

// IngestionLog is the summary row written for every ingest run.
type IngestionLog struct {
	ID               int64
	PharmacyID       int64
	SourceType       string
	FileName         string
	RecordsReceived  int
	RecordsProcessed int
	RecordsFailed    int
	Status           string // "ok", "partial", "failed"
	CreatedAt        time.Time
}
