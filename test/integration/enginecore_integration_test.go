package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharmscan/enginecore/internal/enginecore/auditchain"
	"github.com/pharmscan/enginecore/internal/enginecore/coverage"
	"github.com/pharmscan/enginecore/internal/enginecore/evaluator"
	"github.com/pharmscan/enginecore/internal/enginecore/ingest"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// enginecoreTestDSNEnv names the environment variable carrying a
// Postgres DSN for these tests. DB-dependent tests are gated behind
// testing.Short() and this variable rather than building throwaway
// infrastructure in the test itself.
const enginecoreTestDSNEnv = "ENGINECORE_TEST_POSTGRES_DSN"

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv(enginecoreTestDSNEnv)
	if dsn == "" {
		t.Skipf("skipping integration test: %s not set", enginecoreTestDSNEnv)
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	s := &store.Store{DB: db, Driver: "postgres"}
	resetSchema(t, s)
	return s
}

func resetSchema(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := s.DB.Exec(schemaDDL)
	require.NoError(t, err, "apply schema")
}

// schemaDDL mirrors the column set each store.go query selects/inserts
// against, minus indices/constraints beyond what the upsert statements
// rely on (ON CONFLICT targets).
const schemaDDL = `
DROP TABLE IF EXISTS opportunity_audit_log, ingestion_log, opportunities,
  trigger_bin_values, trigger_detection_keywords, trigger_exclude_keywords,
  trigger_if_has_keywords, trigger_if_not_has_keywords, trigger_bin_inclusions,
  trigger_bin_exclusions, trigger_group_inclusions, trigger_group_exclusions,
  trigger_pharmacy_inclusions,
  triggers, prescriptions, patients, pharmacy_settings, pharmacies CASCADE;

CREATE TABLE pharmacies (id SERIAL PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE pharmacy_settings (pharmacy_id BIGINT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL);

CREATE TABLE patients (
  id SERIAL PRIMARY KEY, pharmacy_id BIGINT NOT NULL, patient_hash TEXT NOT NULL,
  first_name TEXT, last_name TEXT, dob TEXT, chronic_conditions TEXT,
  primary_bin TEXT, primary_group TEXT,
  UNIQUE (pharmacy_id, patient_hash)
);

CREATE TABLE prescriptions (
  id SERIAL PRIMARY KEY, pharmacy_id BIGINT NOT NULL, patient_id BIGINT NOT NULL,
  rx_number TEXT NOT NULL, drug_name TEXT NOT NULL, ndc TEXT, quantity DOUBLE PRECISION,
  days_supply DOUBLE PRECISION, dispensed_date TEXT NOT NULL, insurance_bin TEXT,
  group_number TEXT, contract_id TEXT, plan_name TEXT, patient_pay DOUBLE PRECISION,
  insurance_pay DOUBLE PRECISION, acquisition_cost DOUBLE PRECISION, prescriber_name TEXT,
  daw_code TEXT, raw TEXT,
  UNIQUE (pharmacy_id, rx_number, dispensed_date)
);

CREATE TABLE triggers (
  id SERIAL PRIMARY KEY, code TEXT, display_name TEXT, type TEXT, category TEXT,
  enabled BOOLEAN NOT NULL DEFAULT true, priority INT NOT NULL DEFAULT 3,
  recommended_drug TEXT, recommended_ndc TEXT, annual_fills INT,
  default_gp_value DOUBLE PRECISION, min_margin_default DOUBLE PRECISION,
  clinical_rationale TEXT, action_instructions TEXT, synced_at TIMESTAMPTZ
);
CREATE TABLE trigger_detection_keywords (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_exclude_keywords (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_if_has_keywords (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_if_not_has_keywords (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_bin_inclusions (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_bin_exclusions (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_group_inclusions (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_group_exclusions (trigger_id BIGINT NOT NULL, keyword TEXT NOT NULL);
CREATE TABLE trigger_pharmacy_inclusions (trigger_id BIGINT NOT NULL, pharmacy_id BIGINT NOT NULL);

CREATE TABLE trigger_bin_values (
  id SERIAL PRIMARY KEY, trigger_id BIGINT NOT NULL, bin TEXT, "group" TEXT,
  coverage_status TEXT, verified_claim_count INT, avg_reimbursement DOUBLE PRECISION,
  avg_qty DOUBLE PRECISION, gp_value DOUBLE PRECISION, best_drug_name TEXT, best_ndc TEXT,
  verified_at TIMESTAMPTZ, is_excluded BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE opportunities (
  id SERIAL PRIMARY KEY, pharmacy_id BIGINT NOT NULL, patient_id BIGINT NOT NULL,
  prescription_id BIGINT NOT NULL, trigger_id BIGINT NOT NULL, opportunity_type TEXT,
  current_drug_name TEXT, current_ndc TEXT, recommended_drug_name TEXT, recommended_ndc TEXT,
  avg_dispensed_qty DOUBLE PRECISION, potential_margin_gain DOUBLE PRECISION,
  annual_margin_gain DOUBLE PRECISION, clinical_rationale TEXT, priority TEXT,
  status TEXT NOT NULL, created_at TIMESTAMPTZ
);

CREATE TABLE opportunity_audit_log (
  id SERIAL PRIMARY KEY, opportunity_id BIGINT NOT NULL, from_status TEXT, to_status TEXT,
  actor TEXT, changed_at TIMESTAMPTZ, reason TEXT, hash_prev TEXT, hash TEXT,
  hash_chain_index INT NOT NULL
);

CREATE TABLE ingestion_log (
  id SERIAL PRIMARY KEY, pharmacy_id BIGINT NOT NULL, source_type TEXT, file_name TEXT,
  records_received INT, records_processed INT, records_failed INT, status TEXT,
  created_at TIMESTAMPTZ
);
`

func seedPharmacyAndTrigger(t *testing.T, s *store.Store) (pharmacyID, triggerID int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.DB.QueryRowContext(ctx,
		"INSERT INTO pharmacies (name) VALUES ($1) RETURNING id", "Test Pharmacy").Scan(&pharmacyID))

	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO triggers (code, display_name, type, category, enabled, priority, recommended_drug, recommended_ndc, annual_fills, default_gp_value)
VALUES ($1,$2,$3,$4,true,$5,$6,$7,$8,$9) RETURNING id`,
		"TI-STATIN", "Statin Interchange", string(model.TriggerTherapeuticInterchange), "cardio",
		2, "Atorvastatin", "00000-0000-00", 12, 0.0).Scan(&triggerID))

	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO trigger_detection_keywords (trigger_id, keyword) VALUES ($1,$2)", triggerID, "SIMVASTATIN")
	require.NoError(t, err)
	return pharmacyID, triggerID
}

// TestIngestEvaluateScanCoverage_EndToEnd walks a claims file through
// ingestion, trigger evaluation, and coverage scanning against a real
// Postgres instance, then checks that back-propagation rewrote the
// resulting opportunity's economics. The audit chain is covered by
// TestAuditChain_TransitionAndVerify.
func TestIngestEvaluateScanCoverage_EndToEnd(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	pharmacyID, _ := seedPharmacyAndTrigger(t, s)

	// One Simvastatin fill to trip the trigger, plus an Atorvastatin
	// fill the coverage scan can derive reimbursement economics from.
	today := time.Now().Format("01/02/2006")
	csv := "Rx Number,Drug,BIN,Patient Full Name Last Then First,DOB,Dispensed Date,Qty,Days Supply,Gross Profit\n" +
		"RX1001,Simvastatin 20mg,610097,\"Doe, Jane\",1970-03-01," + today + ",30,30,25.00\n" +
		"RX1002,Atorvastatin 20mg,610097,\"Poe, Joan\",1968-09-12," + today + ",30,30,30.00\n"

	ig := ingest.New(s, 500)
	ingestResult, err := ig.Ingest(ctx, pharmacyID, []byte(csv), "claims.csv")
	require.NoError(t, err)
	require.Equal(t, 2, ingestResult.Processed)

	ev := evaluator.New(s)
	evalResult, err := ev.Scan(ctx, pharmacyID, 90)
	require.NoError(t, err)
	require.Equal(t, 1, evalResult.Created, "a therapeutic-interchange opportunity should be created for the Simvastatin fill")

	sc := coverage.New(s)
	summary, err := sc.ScanAllCoverage(ctx, coverage.Options{MinClaims: 1, MinMargin: 1, DaysBack: 365})
	require.NoError(t, err)
	require.GreaterOrEqual(t, summary.TriggersScanned, 1)
	require.GreaterOrEqual(t, summary.VerifiedRows, 1, "the Atorvastatin claim should verify coverage on BIN 610097")

	// Back-propagation rewrites the opportunity's economics from the
	// verified coverage row: $30/30-day GP, annual = 30 * 12 fills.
	var potential, annual float64
	require.NoError(t, s.DB.QueryRowContext(ctx,
		"SELECT potential_margin_gain, annual_margin_gain FROM opportunities WHERE pharmacy_id = $1", pharmacyID).
		Scan(&potential, &annual))
	require.InDelta(t, 30.0, potential, 0.01)
	require.InDelta(t, 360.0, annual, 0.01)
}

// TestAuditChain_TransitionAndVerify exercises the tamper-evident audit
// log: a status transition is appended via auditchain.Chain.Transition,
// then Verify confirms the chain is intact and a signed checkpoint
// round-trips.
func TestAuditChain_TransitionAndVerify(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	pharmacyID, triggerID := seedPharmacyAndTrigger(t, s)

	var patientID, prescriptionID int64
	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO patients (pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		pharmacyID, "hash1", "Jane", "Doe", "1970-03-01", "").Scan(&patientID))
	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO prescriptions (pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply, dispensed_date, insurance_bin, raw)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		pharmacyID, patientID, "RX1001", "Simvastatin 20mg", "", 30.0, 30.0, "2026-01-01", "610097", "{}").Scan(&prescriptionID))

	o := &model.Opportunity{
		PharmacyID: pharmacyID, PatientID: patientID, PrescriptionID: prescriptionID,
		TriggerID: triggerID, OpportunityType: model.TriggerTherapeuticInterchange,
		CurrentDrugName: "Simvastatin", RecommendedDrugName: "Atorvastatin",
		Status: model.StatusNotSubmitted, CreatedAt: time.Now().UTC(),
	}
	opportunityID, err := s.InsertOpportunity(ctx, o)
	require.NoError(t, err)

	chain := auditchain.New(s)
	require.NoError(t, chain.Transition(ctx, opportunityID, model.StatusSubmitted, "pharmacist@test", "reviewed and submitted", time.Now().UTC()))

	tampered, head, processed, err := chain.Verify(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, tampered)
	require.Equal(t, 1, processed)
	require.NotEmpty(t, head)

	// A second transition extends the chain; resuming Verify from the
	// first entry's index must still report the tail as intact, proving
	// the resumed verify correctly picks up the prior head hash.
	require.NoError(t, chain.Transition(ctx, opportunityID, model.StatusApproved, "pharmacist@test", "approved", time.Now().UTC()))

	fullTampered, fullHead, fullProcessed, err := chain.Verify(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, fullTampered)
	require.Equal(t, 2, fullProcessed)

	resumedTampered, resumedHead, resumedProcessed, err := chain.Verify(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, resumedTampered, "resuming verify from the first entry must not flag the second as tampered")
	require.Equal(t, 1, resumedProcessed)
	require.Equal(t, fullHead, resumedHead)

	dir := t.TempDir()
	privPath := dir + "/priv.pem"
	pubPath := dir + "/pub.pem"
	require.NoError(t, auditchain.GenerateKeyPair(privPath, pubPath))

	checkpointPath, err := auditchain.WriteCheckpoint(dir, 1, head, privPath)
	require.NoError(t, err)

	ok, err := auditchain.VerifyCheckpoint(checkpointPath, pubPath, head)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestScanAllCoverage_PharmacyScopedTriggerIsIncluded verifies a
// trigger restricted to a specific pharmacy via pharmacy_inclusions
// still gets picked up by the scanner's global (pharmacyID=0) trigger
// load, gets its TriggerBinValue rows written, and prunes "Not
// Submitted" opportunities for pharmacies outside its scope.
func TestScanAllCoverage_PharmacyScopedTriggerIsIncluded(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	inScopeID, triggerID := seedPharmacyAndTrigger(t, s)
	var outOfScopeID int64
	require.NoError(t, s.DB.QueryRowContext(ctx,
		"INSERT INTO pharmacies (name) VALUES ($1) RETURNING id", "Other Pharmacy").Scan(&outOfScopeID))

	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO trigger_pharmacy_inclusions (trigger_id, pharmacy_id) VALUES ($1,$2)", triggerID, inScopeID)
	require.NoError(t, err)

	csv := "Rx Number,Drug,BIN,Patient Full Name Last Then First,DOB,Dispensed Date,Qty,Days Supply,Gross Profit\n" +
		"RX2001,Simvastatin 20mg,610097,\"Roe, Rick\",1965-05-01," + time.Now().Format("01/02/2006") + ",30,30,40.00\n" +
		"RX2003,Atorvastatin 20mg,610097,\"Noe, Nina\",1972-11-30," + time.Now().Format("01/02/2006") + ",30,30,40.00\n"
	ig := ingest.New(s, 500)
	_, err = ig.Ingest(ctx, inScopeID, []byte(csv), "claims.csv")
	require.NoError(t, err)

	ev := evaluator.New(s)
	evalResult, err := ev.Scan(ctx, inScopeID, 90)
	require.NoError(t, err)
	require.Equal(t, 1, evalResult.Created)

	// An opportunity for a pharmacy outside the trigger's scope must be
	// pruned by the scan's pharmacy-scope cleanup step.
	var outOfScopePatientID, outOfScopePrescriptionID int64
	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO patients (pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		outOfScopeID, "hash-oos", "Amy", "Stone", "1980-01-01", "").Scan(&outOfScopePatientID))
	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO prescriptions (pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply, dispensed_date, insurance_bin, raw)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		outOfScopeID, outOfScopePatientID, "RX2002", "Simvastatin 20mg", "", 30.0, 30.0, "2026-01-01", "610097", "{}").Scan(&outOfScopePrescriptionID))
	outOfScopeOpp := &model.Opportunity{
		PharmacyID: outOfScopeID, PatientID: outOfScopePatientID, PrescriptionID: outOfScopePrescriptionID,
		TriggerID: triggerID, OpportunityType: model.TriggerTherapeuticInterchange,
		CurrentDrugName: "Simvastatin", RecommendedDrugName: "Atorvastatin",
		Status: model.StatusNotSubmitted, CreatedAt: time.Now().UTC(),
	}
	outOfScopeOppID, err := s.InsertOpportunity(ctx, outOfScopeOpp)
	require.NoError(t, err)

	sc := coverage.New(s)
	summary, err := sc.ScanAllCoverage(ctx, coverage.Options{MinClaims: 1, MinMargin: 1, DaysBack: 365})
	require.NoError(t, err)
	require.GreaterOrEqual(t, summary.VerifiedRows, 1, "the pharmacy-scoped trigger must still be scanned")

	values, err := s.TriggerBinValues(ctx, triggerID)
	require.NoError(t, err)
	require.NotEmpty(t, values, "pharmacy-scoped trigger must get TriggerBinValue rows written")

	var remaining int
	require.NoError(t, s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM opportunities WHERE id = $1", outOfScopeOppID).Scan(&remaining))
	require.Equal(t, 0, remaining, "opportunity for a pharmacy outside trigger scope must be pruned")
}

// TestDeleteOpportunity_ProtectsSubmittedHistory covers both the
// blocked and allowed deletion paths: an opportunity that has ever
// transitioned out of "Not Submitted" must not be deletable, while one
// still sitting at "Not Submitted" may be.
func TestDeleteOpportunity_ProtectsSubmittedHistory(t *testing.T) {
	s := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	pharmacyID, triggerID := seedPharmacyAndTrigger(t, s)

	var patientID int64
	require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO patients (pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		pharmacyID, "hash-del", "Sam", "Lee", "1975-02-02", "").Scan(&patientID))

	newPrescription := func(rxNumber string) int64 {
		var prescriptionID int64
		require.NoError(t, s.DB.QueryRowContext(ctx, `
INSERT INTO prescriptions (pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply, dispensed_date, insurance_bin, raw)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
			pharmacyID, patientID, rxNumber, "Simvastatin 20mg", "", 30.0, 30.0, "2026-01-01", "610097", "{}").Scan(&prescriptionID))
		return prescriptionID
	}

	newOpportunity := func(rxNumber string) int64 {
		o := &model.Opportunity{
			PharmacyID: pharmacyID, PatientID: patientID, PrescriptionID: newPrescription(rxNumber),
			TriggerID: triggerID, OpportunityType: model.TriggerTherapeuticInterchange,
			CurrentDrugName: "Simvastatin", RecommendedDrugName: "Atorvastatin " + rxNumber,
			Status: model.StatusNotSubmitted, CreatedAt: time.Now().UTC(),
		}
		id, err := s.InsertOpportunity(ctx, o)
		require.NoError(t, err)
		return id
	}

	// Allowed: still "Not Submitted", never actioned.
	freshID := newOpportunity("RX3001")
	require.NoError(t, s.DeleteOpportunity(ctx, freshID))

	// Blocked: transitioned out of "Not Submitted" exactly once.
	submittedID := newOpportunity("RX3002")
	chain := auditchain.New(s)
	require.NoError(t, chain.Transition(ctx, submittedID, model.StatusSubmitted, "pharmacist@test", "submitted", time.Now().UTC()))
	err := s.DeleteOpportunity(ctx, submittedID)
	require.ErrorIs(t, err, store.ErrProtectedOpportunity)

	var remaining int
	require.NoError(t, s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM opportunities WHERE id = $1", submittedID).Scan(&remaining))
	require.Equal(t, 1, remaining, "protected opportunity must survive the delete attempt")
}
