package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPharmacy_ExcludedBINs_ParsesCSVSetting(t *testing.T) {
	p := &Pharmacy{Settings: map[string]string{"excluded_bins": "004740, 003858 ,610097"}}
	excluded := p.ExcludedBINs()
	require.Len(t, excluded, 3)
	require.Contains(t, excluded, "004740")
	require.Contains(t, excluded, "003858")
	require.Contains(t, excluded, "610097")
}

func TestPharmacy_ExcludedBINs_EmptyWhenUnset(t *testing.T) {
	p := &Pharmacy{Settings: map[string]string{}}
	require.Empty(t, p.ExcludedBINs())
}

func TestTriggerBinValue_Key_IncludesTriggerBinAndGroup(t *testing.T) {
	a := &TriggerBinValue{TriggerID: 1, BIN: "610097", Group: "RX1234"}
	b := &TriggerBinValue{TriggerID: 1, BIN: "610097", Group: "RX1234"}
	c := &TriggerBinValue{TriggerID: 2, BIN: "610097", Group: "RX1234"}
	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
}

func TestOpportunityStatus_Protected(t *testing.T) {
	require.False(t, StatusNotSubmitted.Protected())
	require.True(t, StatusSubmitted.Protected())
	require.True(t, StatusApproved.Protected())
	require.True(t, StatusCompleted.Protected())
	require.True(t, StatusDenied.Protected())
	require.False(t, StatusDeclined.Protected())
	require.False(t, StatusDidntWork.Protected())
}

func TestOpportunity_DedupKey_IsCaseInsensitiveOnDrugName(t *testing.T) {
	a := &Opportunity{PharmacyID: 1, PatientID: 10, RecommendedDrugName: "atorvastatin"}
	b := &Opportunity{PharmacyID: 1, PatientID: 10, RecommendedDrugName: "ATORVASTATIN"}
	require.Equal(t, a.DedupKey(), b.DedupKey())
}

func TestOpportunity_DedupKey_DiffersByPatient(t *testing.T) {
	a := &Opportunity{PharmacyID: 1, PatientID: 10, RecommendedDrugName: "Atorvastatin"}
	b := &Opportunity{PharmacyID: 1, PatientID: 11, RecommendedDrugName: "Atorvastatin"}
	require.NotEqual(t, a.DedupKey(), b.DedupKey())
}

func TestTrigger_EffectiveAnnualFills_DefaultsTo12(t *testing.T) {
	tr := &Trigger{}
	require.Equal(t, 12, tr.EffectiveAnnualFills())
	tr.AnnualFills = 4
	require.Equal(t, 4, tr.EffectiveAnnualFills())
}
