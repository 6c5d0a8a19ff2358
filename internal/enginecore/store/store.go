// Package store is the typed access layer over the seven persisted
// entities. It targets database/sql so either PostgreSQL (lib/pq) or
// MySQL (go-sql-driver/mysql) can back it — the design must not be
// tied to one engine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/pharmscan/enginecore/internal/enginecore/config"
	"github.com/pharmscan/enginecore/internal/enginecore/errs"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
)

// batchRetryAttempts and batchRetryBase bound the exponential backoff
// applied to a failing batch before it's broken into per-row writes.
const (
	batchRetryAttempts = 3
	batchRetryBase     = 50 * time.Millisecond
)

// Store wraps a database/sql handle with the driver it was opened
// against, since a handful of statements (placeholder style, upsert
// syntax) differ between postgres and mysql.
type Store struct {
	DB     *sql.DB
	Driver string
}

// ErrProtectedOpportunity is returned when a caller attempts to delete
// an opportunity that has ever left "Not Submitted".
var ErrProtectedOpportunity = fmt.Errorf("store: opportunity has left Not Submitted and cannot be deleted")

// Open builds a DSN from cfg and opens a connection pool.
func Open(cfg config.StoreCfg) (*Store, error) {
	dsn := BuildDSN(cfg)
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{DB: db, Driver: cfg.Driver}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// BuildDSN constructs a driver-appropriate connection string.
func BuildDSN(cfg config.StoreCfg) string {
	if cfg.Driver == "mysql" {
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.DBName)
	}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.DBName, sslmode)
}

// ph returns the driver-appropriate positional placeholder for
// argument index i (1-based).
func (s *Store) ph(i int) string {
	if s.Driver == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// qi quotes a reserved-word identifier ("group", "key") for the
// active driver: double quotes on postgres, backticks on mysql.
func (s *Store) qi(name string) string {
	if s.Driver == "postgres" {
		return `"` + name + `"`
	}
	return "`" + name + "`"
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on any error fn returns or panics with.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Pharmacy loads one pharmacy row by id.
func (s *Store) Pharmacy(ctx context.Context, id int64) (*model.Pharmacy, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, name FROM pharmacies WHERE id = %s", s.ph(1)), id)
	p := &model.Pharmacy{Settings: map[string]string{}}
	if err := row.Scan(&p.ID, &p.Name); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, value FROM pharmacy_settings WHERE pharmacy_id = %s", s.qi("key"), s.ph(1)), id)
	if err != nil {
		return nil, fmt.Errorf("load pharmacy settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		p.Settings[k] = v
	}
	return p, rows.Err()
}

// UpsertPatients inserts or updates patients in chunks of batchSize
// (clamped to [50,500]) and returns each patient's stored id keyed by
// patient_hash, honoring rows that already existed, plus a count of
// rows that failed even after the per-row fallback. A batch that fails
// with a transient error is retried with backoff before falling back
// to per-row writes.
func (s *Store) UpsertPatients(ctx context.Context, pharmacyID int64, patients []*model.Patient, batchSize int) (map[string]int64, int, error) {
	log := logger.L()
	batchSize = clampBatch(batchSize)
	ids := make(map[string]int64, len(patients))
	failed := 0

	for start := 0; start < len(patients); start += batchSize {
		end := start + batchSize
		if end > len(patients) {
			end = len(patients)
		}
		chunk := patients[start:end]
		batchErr := errs.RetryBackoff(ctx, batchRetryAttempts, batchRetryBase, func() error {
			return s.upsertPatientChunk(ctx, pharmacyID, chunk, ids)
		})
		if batchErr != nil {
			// Batch failed after retry — fall back to per-row so one
			// bad row doesn't abort the whole import.
			for _, p := range chunk {
				if err := s.upsertPatientChunk(ctx, pharmacyID, []*model.Patient{p}, ids); err != nil {
					failed++
					log.Errorw("store: patient upsert failed", "patient_hash", p.PatientHash, "pharmacy_id", pharmacyID, "err", err.Error())
					continue
				}
			}
		}
	}
	return ids, failed, nil
}

func (s *Store) upsertPatientChunk(ctx context.Context, pharmacyID int64, chunk []*model.Patient, ids map[string]int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, p := range chunk {
			conditions := strings.Join(setKeys(p.ChronicConditions), ",")
			args := []any{
				pharmacyID, p.PatientHash, p.FirstName, p.LastName, p.DOB,
				conditions, p.PrimaryBIN, p.PrimaryGroup,
			}
			var id int64
			if s.Driver == "postgres" {
				if err := tx.QueryRowContext(ctx, s.patientUpsertSQL(), args...).Scan(&id); err != nil {
					return fmt.Errorf("upsert patient %s: %w", p.PatientHash, err)
				}
			} else {
				res, err := tx.ExecContext(ctx, s.patientUpsertSQL(), args...)
				if err != nil {
					return fmt.Errorf("upsert patient %s: %w", p.PatientHash, err)
				}
				if id, err = res.LastInsertId(); err != nil {
					return fmt.Errorf("upsert patient %s: %w", p.PatientHash, err)
				}
			}
			ids[p.PatientHash] = id
		}
		return nil
	})
}

func (s *Store) patientUpsertSQL() string {
	if s.Driver == "postgres" {
		return `INSERT INTO patients (pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions, primary_bin, primary_group)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (pharmacy_id, patient_hash) DO UPDATE SET
  first_name = EXCLUDED.first_name,
  last_name = EXCLUDED.last_name,
  dob = EXCLUDED.dob,
  chronic_conditions = EXCLUDED.chronic_conditions,
  primary_bin = EXCLUDED.primary_bin,
  primary_group = EXCLUDED.primary_group
RETURNING id`
	}
	return `INSERT INTO patients (pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions, primary_bin, primary_group)
VALUES (?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  first_name = VALUES(first_name),
  last_name = VALUES(last_name),
  dob = VALUES(dob),
  chronic_conditions = VALUES(chronic_conditions),
  primary_bin = VALUES(primary_bin),
  primary_group = VALUES(primary_group),
  id = LAST_INSERT_ID(id)`
}

// UpsertPrescriptions upserts prescriptions keyed by
// (pharmacy_id, rx_number, dispensed_date) in batchSize chunks, with
// the same retry-then-per-row-fallback behavior as UpsertPatients.
func (s *Store) UpsertPrescriptions(ctx context.Context, pharmacyID int64, rxs []*model.Prescription, batchSize int) (processed, failed int) {
	batchSize = clampBatch(batchSize)
	for start := 0; start < len(rxs); start += batchSize {
		end := start + batchSize
		if end > len(rxs) {
			end = len(rxs)
		}
		chunk := rxs[start:end]
		batchErr := errs.RetryBackoff(ctx, batchRetryAttempts, batchRetryBase, func() error {
			return s.upsertRxChunk(ctx, pharmacyID, chunk)
		})
		if batchErr != nil {
			for _, rx := range chunk {
				if err := s.upsertRxChunk(ctx, pharmacyID, []*model.Prescription{rx}); err != nil {
					failed++
					continue
				}
				processed++
			}
			continue
		}
		processed += len(chunk)
	}
	return processed, failed
}

func (s *Store) upsertRxChunk(ctx context.Context, pharmacyID int64, chunk []*model.Prescription) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rx := range chunk {
			raw := encodeRawBag(rx.Raw)
			_, err := tx.ExecContext(ctx, s.rxUpsertSQL(),
				pharmacyID, rx.PatientID, rx.RxNumber, rx.DrugName, rx.NDC,
				rx.Quantity, rx.DaysSupply, rx.DispensedDate, rx.InsuranceBIN,
				rx.GroupNumber, rx.ContractID, rx.PlanName, rx.PatientPay,
				rx.InsurancePay, rx.AcquisitionCost, rx.PrescriberName, rx.DAWCode, raw)
			if err != nil {
				return fmt.Errorf("upsert prescription %s/%s: %w", rx.RxNumber, rx.DispensedDate, err)
			}
		}
		return nil
	})
}

func (s *Store) rxUpsertSQL() string {
	cols := "pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply, dispensed_date, insurance_bin, group_number, contract_id, plan_name, patient_pay, insurance_pay, acquisition_cost, prescriber_name, daw_code, raw"
	if s.Driver == "postgres" {
		return fmt.Sprintf(`INSERT INTO prescriptions (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (pharmacy_id, rx_number, dispensed_date) DO UPDATE SET
  drug_name = EXCLUDED.drug_name, quantity = EXCLUDED.quantity,
  days_supply = EXCLUDED.days_supply, patient_pay = EXCLUDED.patient_pay,
  insurance_pay = EXCLUDED.insurance_pay, acquisition_cost = EXCLUDED.acquisition_cost,
  raw = EXCLUDED.raw`, cols)
	}
	return fmt.Sprintf(`INSERT INTO prescriptions (%s)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  drug_name = VALUES(drug_name), quantity = VALUES(quantity),
  days_supply = VALUES(days_supply), patient_pay = VALUES(patient_pay),
  insurance_pay = VALUES(insurance_pay), acquisition_cost = VALUES(acquisition_cost),
  raw = VALUES(raw)`, cols)
}

// RecentPrescriptions returns prescriptions dispensed within the last
// lookbackDays for a pharmacy, joined to their patient.
func (s *Store) RecentPrescriptions(ctx context.Context, pharmacyID int64, lookbackDays int) ([]*model.Prescription, map[int64]*model.Patient, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply,
       dispensed_date, insurance_bin, group_number, contract_id, plan_name,
       patient_pay, insurance_pay, acquisition_cost, prescriber_name, daw_code, raw
FROM prescriptions WHERE pharmacy_id = %s AND dispensed_date >= %s`, s.ph(1), s.ph(2)),
		pharmacyID, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("query recent prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*model.Prescription
	patientIDs := map[int64]struct{}{}
	for rows.Next() {
		rx := &model.Prescription{}
		var raw string
		if err := rows.Scan(&rx.ID, &rx.PharmacyID, &rx.PatientID, &rx.RxNumber, &rx.DrugName,
			&rx.NDC, &rx.Quantity, &rx.DaysSupply, &rx.DispensedDate, &rx.InsuranceBIN,
			&rx.GroupNumber, &rx.ContractID, &rx.PlanName, &rx.PatientPay, &rx.InsurancePay,
			&rx.AcquisitionCost, &rx.PrescriberName, &rx.DAWCode, &raw); err != nil {
			return nil, nil, err
		}
		rx.Raw = decodeRawBag(raw)
		out = append(out, rx)
		patientIDs[rx.PatientID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	patients, err := s.patientsByID(ctx, patientIDs)
	if err != nil {
		return nil, nil, err
	}
	return out, patients, nil
}

// PrescriptionsWithinDays returns every prescription dispensed within
// the last daysBack days, across all pharmacies if pharmacyID is 0,
// or scoped to one pharmacy otherwise. Used for the coverage scanner's
// per-trigger candidate search and the evaluator's GP cache, both of
// which need a wider window (typically 365 days) than per-pharmacy
// trigger matching.
func (s *Store) PrescriptionsWithinDays(ctx context.Context, pharmacyID int64, daysBack int) ([]*model.Prescription, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysBack).Format("2006-01-02")
	query := fmt.Sprintf(`
SELECT id, pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply,
       dispensed_date, insurance_bin, group_number, contract_id, plan_name,
       patient_pay, insurance_pay, acquisition_cost, prescriber_name, daw_code, raw
FROM prescriptions WHERE dispensed_date >= %s`, s.ph(1))
	args := []any{cutoff}
	if pharmacyID != 0 {
		query += fmt.Sprintf(" AND pharmacy_id = %s", s.ph(2))
		args = append(args, pharmacyID)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions within %d days: %w", daysBack, err)
	}
	defer rows.Close()

	var out []*model.Prescription
	for rows.Next() {
		rx := &model.Prescription{}
		var raw string
		if err := rows.Scan(&rx.ID, &rx.PharmacyID, &rx.PatientID, &rx.RxNumber, &rx.DrugName,
			&rx.NDC, &rx.Quantity, &rx.DaysSupply, &rx.DispensedDate, &rx.InsuranceBIN,
			&rx.GroupNumber, &rx.ContractID, &rx.PlanName, &rx.PatientPay, &rx.InsurancePay,
			&rx.AcquisitionCost, &rx.PrescriberName, &rx.DAWCode, &raw); err != nil {
			return nil, err
		}
		rx.Raw = decodeRawBag(raw)
		out = append(out, rx)
	}
	return out, rows.Err()
}

func (s *Store) patientsByID(ctx context.Context, ids map[int64]struct{}) (map[int64]*model.Patient, error) {
	out := map[int64]*model.Patient{}
	for id := range ids {
		row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT id, pharmacy_id, patient_hash, first_name, last_name, dob, chronic_conditions, primary_bin, primary_group FROM patients WHERE id = %s", s.ph(1)), id)
		p := &model.Patient{}
		var conditions string
		if err := row.Scan(&p.ID, &p.PharmacyID, &p.PatientHash, &p.FirstName, &p.LastName,
			&p.DOB, &conditions, &p.PrimaryBIN, &p.PrimaryGroup); err != nil {
			return nil, fmt.Errorf("load patient %d: %w", id, err)
		}
		p.ChronicConditions = setFromKeys(strings.Split(conditions, ","))
		out[id] = p
	}
	return out, nil
}

// PrescriptionByID loads a single prescription by id, used by
// back-propagation to recover an opportunity's originating fill.
func (s *Store) PrescriptionByID(ctx context.Context, id int64) (*model.Prescription, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity, days_supply,
       dispensed_date, insurance_bin, group_number, contract_id, plan_name,
       patient_pay, insurance_pay, acquisition_cost, prescriber_name, daw_code, raw
FROM prescriptions WHERE id = %s`, s.ph(1)), id)
	rx := &model.Prescription{}
	var raw string
	if err := row.Scan(&rx.ID, &rx.PharmacyID, &rx.PatientID, &rx.RxNumber, &rx.DrugName,
		&rx.NDC, &rx.Quantity, &rx.DaysSupply, &rx.DispensedDate, &rx.InsuranceBIN,
		&rx.GroupNumber, &rx.ContractID, &rx.PlanName, &rx.PatientPay, &rx.InsurancePay,
		&rx.AcquisitionCost, &rx.PrescriberName, &rx.DAWCode, &raw); err != nil {
		return nil, fmt.Errorf("load prescription %d: %w", id, err)
	}
	rx.Raw = decodeRawBag(raw)
	return rx, nil
}

// EnabledTriggers returns all enabled triggers, ordered by ascending
// priority, optionally scoped to the given pharmacy. A pharmacyID
// <= 0 means "no pharmacy scoping" — used by the coverage scanner,
// which evaluates triggers globally rather than per pharmacy.
func (s *Store) EnabledTriggers(ctx context.Context, pharmacyID int64) ([]*model.Trigger, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, code, display_name, type, category, priority, recommended_drug, recommended_ndc,
       annual_fills, default_gp_value, min_margin_default, clinical_rationale, action_instructions
FROM triggers WHERE enabled = true ORDER BY priority ASC`)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []*model.Trigger
	for rows.Next() {
		t := &model.Trigger{Enabled: true}
		if err := rows.Scan(&t.ID, &t.Code, &t.DisplayName, &t.Type, &t.Category, &t.Priority,
			&t.RecommendedDrug, &t.RecommendedNDC, &t.AnnualFills, &t.DefaultGPValue,
			&t.MinMarginDefault, &t.ClinicalRationale, &t.ActionInstructions); err != nil {
			return nil, err
		}
		if err := s.loadTriggerSets(ctx, t); err != nil {
			return nil, err
		}
		if pharmacyID > 0 && len(t.PharmacyInclusions) > 0 {
			if _, ok := t.PharmacyInclusions[pharmacyID]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadTriggerSets(ctx context.Context, t *model.Trigger) error {
	load := func(table string) (map[string]struct{}, error) {
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
			"SELECT keyword FROM %s WHERE trigger_id = %s", table, s.ph(1)), t.ID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := map[string]struct{}{}
		for rows.Next() {
			var kw string
			if err := rows.Scan(&kw); err != nil {
				return nil, err
			}
			out[kw] = struct{}{}
		}
		return out, rows.Err()
	}
	var err error
	if t.DetectionKeywords, err = load("trigger_detection_keywords"); err != nil {
		return err
	}
	if t.ExcludeKeywords, err = load("trigger_exclude_keywords"); err != nil {
		return err
	}
	if t.IfHasKeywords, err = load("trigger_if_has_keywords"); err != nil {
		return err
	}
	if t.IfNotHasKeywords, err = load("trigger_if_not_has_keywords"); err != nil {
		return err
	}
	if t.BINInclusions, err = load("trigger_bin_inclusions"); err != nil {
		return err
	}
	if t.BINExclusions, err = load("trigger_bin_exclusions"); err != nil {
		return err
	}
	if t.GroupInclusions, err = load("trigger_group_inclusions"); err != nil {
		return err
	}
	if t.GroupExclusions, err = load("trigger_group_exclusions"); err != nil {
		return err
	}
	t.PharmacyInclusions, err = s.loadPharmacyInclusions(ctx, t.ID)
	return err
}

// loadPharmacyInclusions loads the set of pharmacy ids a trigger is
// scoped to. An empty set means "no scoping — every pharmacy."
func (s *Store) loadPharmacyInclusions(ctx context.Context, triggerID int64) (map[int64]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT pharmacy_id FROM trigger_pharmacy_inclusions WHERE trigger_id = %s", s.ph(1)), triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// TriggerBinValues loads every TriggerBinValue row for a trigger keyed
// by (bin, group).
func (s *Store) TriggerBinValues(ctx context.Context, triggerID int64) (map[string]*model.TriggerBinValue, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, trigger_id, bin, %s, coverage_status, verified_claim_count, avg_reimbursement,
       avg_qty, gp_value, best_drug_name, best_ndc, is_excluded
FROM trigger_bin_values WHERE trigger_id = %s`, s.qi("group"), s.ph(1)), triggerID)
	if err != nil {
		return nil, fmt.Errorf("query trigger_bin_values: %w", err)
	}
	defer rows.Close()
	out := map[string]*model.TriggerBinValue{}
	for rows.Next() {
		v := &model.TriggerBinValue{}
		if err := rows.Scan(&v.ID, &v.TriggerID, &v.BIN, &v.Group, &v.CoverageStatus,
			&v.VerifiedClaimCount, &v.AvgReimbursement, &v.AvgQty, &v.GPValue,
			&v.BestDrugName, &v.BestNDC, &v.IsExcluded); err != nil {
			return nil, err
		}
		out[v.Key()] = v
	}
	return out, rows.Err()
}

// ReplaceCoverage deletes non-excluded TriggerBinValue rows for a
// trigger and inserts the freshly verified set, atomically.
func (s *Store) ReplaceCoverage(ctx context.Context, triggerID int64, fresh []*model.TriggerBinValue) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM trigger_bin_values WHERE trigger_id = %s AND (is_excluded = false OR is_excluded IS NULL)`,
			s.ph(1)), triggerID)
		if err != nil {
			return fmt.Errorf("delete stale coverage: %w", err)
		}
		for _, v := range fresh {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO trigger_bin_values (trigger_id, bin, %s, coverage_status, verified_claim_count,
  avg_reimbursement, avg_qty, gp_value, best_drug_name, best_ndc, verified_at, is_excluded)
VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,false)`,
				s.qi("group"), s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11)),
				triggerID, v.BIN, v.Group, string(model.CoverageVerified), v.VerifiedClaimCount,
				v.AvgReimbursement, v.AvgQty, v.GPValue, v.BestDrugName, v.BestNDC, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("insert coverage row bin=%s group=%s: %w", v.BIN, v.Group, err)
			}
		}
		return nil
	})
}

// UpdateTriggerGP sets a trigger's default_gp_value and synced_at.
func (s *Store) UpdateTriggerGP(ctx context.Context, triggerID int64, medianGP float64) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`UPDATE triggers SET default_gp_value = %s, synced_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3)), medianGP, time.Now().UTC(), triggerID)
	return err
}

// DisableTrigger flips a trigger to enabled=false for manual review.
func (s *Store) DisableTrigger(ctx context.Context, triggerID int64) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		"UPDATE triggers SET enabled = false WHERE id = %s", s.ph(1)), triggerID)
	return err
}

// ExistingOpportunityKeys returns the dedup keys of every live
// opportunity (status not in {Denied, Declined}) for a pharmacy.
func (s *Store) ExistingOpportunityKeys(ctx context.Context, pharmacyID int64) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT patient_id, recommended_drug_name FROM opportunities
WHERE pharmacy_id = %s AND status NOT IN ('Denied','Declined')`, s.ph(1)), pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("query existing opportunities: %w", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var patientID int64
		var recDrug string
		if err := rows.Scan(&patientID, &recDrug); err != nil {
			return nil, err
		}
		o := model.Opportunity{PharmacyID: pharmacyID, PatientID: patientID, RecommendedDrugName: recDrug}
		out[o.DedupKey()] = struct{}{}
	}
	return out, rows.Err()
}

// InsertOpportunity inserts a newly created "Not Submitted" opportunity.
func (s *Store) InsertOpportunity(ctx context.Context, o *model.Opportunity) (int64, error) {
	args := []any{
		o.PharmacyID, o.PatientID, o.PrescriptionID, o.TriggerID, string(o.OpportunityType),
		o.CurrentDrugName, o.CurrentNDC, o.RecommendedDrugName, o.RecommendedNDC,
		o.AvgDispensedQty, o.PotentialMarginGain, o.AnnualMarginGain, o.ClinicalRationale,
		o.Priority, string(o.Status), o.CreatedAt,
	}
	if s.Driver == "postgres" {
		var id int64
		if err := s.DB.QueryRowContext(ctx, s.opportunityInsertSQL(), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert opportunity: %w", err)
		}
		return id, nil
	}
	res, err := s.DB.ExecContext(ctx, s.opportunityInsertSQL(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert opportunity: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) opportunityInsertSQL() string {
	cols := `pharmacy_id, patient_id, prescription_id, trigger_id, opportunity_type, current_drug_name,
current_ndc, recommended_drug_name, recommended_ndc, avg_dispensed_qty, potential_margin_gain,
annual_margin_gain, clinical_rationale, priority, status, created_at`
	if s.Driver == "postgres" {
		return fmt.Sprintf("INSERT INTO opportunities (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id", cols)
	}
	return fmt.Sprintf("INSERT INTO opportunities (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)", cols)
}

// NotSubmittedForTrigger returns every live ("Not Submitted")
// opportunity for a trigger, for back-propagation.
func (s *Store) NotSubmittedForTrigger(ctx context.Context, triggerID int64) ([]*model.Opportunity, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, pharmacy_id, patient_id, prescription_id, trigger_id, opportunity_type, current_drug_name,
       current_ndc, recommended_drug_name, recommended_ndc, avg_dispensed_qty, potential_margin_gain,
       annual_margin_gain, status
FROM opportunities WHERE trigger_id = %s AND status = 'Not Submitted'`, s.ph(1)), triggerID)
	if err != nil {
		return nil, fmt.Errorf("query not-submitted opportunities: %w", err)
	}
	defer rows.Close()
	var out []*model.Opportunity
	for rows.Next() {
		o := &model.Opportunity{}
		var status string
		if err := rows.Scan(&o.ID, &o.PharmacyID, &o.PatientID, &o.PrescriptionID, &o.TriggerID,
			&o.OpportunityType, &o.CurrentDrugName, &o.CurrentNDC, &o.RecommendedDrugName,
			&o.RecommendedNDC, &o.AvgDispensedQty, &o.PotentialMarginGain, &o.AnnualMarginGain, &status); err != nil {
			return nil, err
		}
		o.Status = model.OpportunityStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// BackPropagate updates the mutable economics fields of a
// "Not Submitted" opportunity.
func (s *Store) BackPropagate(ctx context.Context, o *model.Opportunity) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
UPDATE opportunities SET potential_margin_gain = %s, annual_margin_gain = %s,
  avg_dispensed_qty = %s, recommended_ndc = %s WHERE id = %s AND status = 'Not Submitted'`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)),
		o.PotentialMarginGain, o.AnnualMarginGain, o.AvgDispensedQty, o.RecommendedNDC, o.ID)
	return err
}

// DeleteOutOfScopeNotSubmitted deletes "Not Submitted" opportunities
// for a trigger whose pharmacy is not in the given scope set.
func (s *Store) DeleteOutOfScopeNotSubmitted(ctx context.Context, triggerID int64, scope map[int64]struct{}) (int, error) {
	if len(scope) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(scope))
	for id := range scope {
		ids = append(ids, fmt.Sprint(id))
	}
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM opportunities WHERE trigger_id = %s AND status = 'Not Submitted' AND pharmacy_id NOT IN (%s)",
		s.ph(1), strings.Join(ids, ",")), triggerID)
	if err != nil {
		return 0, fmt.Errorf("delete out-of-scope opportunities: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteOpportunity enforces the protected-status invariant before
// issuing a delete: any opportunity whose audit log ever recorded a
// transition out of "Not Submitted" must not be removed.
func (s *Store) DeleteOpportunity(ctx context.Context, id int64) error {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM opportunity_audit_log
WHERE opportunity_id = %s AND from_status = 'Not Submitted' AND to_status <> 'Not Submitted'`,
		s.ph(1)), id)
	var transitions int
	if err := row.Scan(&transitions); err != nil {
		return fmt.Errorf("check protected status: %w", err)
	}
	if transitions > 0 {
		return ErrProtectedOpportunity
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM opportunities WHERE id = %s", s.ph(1)), id)
	return err
}

// OpportunityStatusForUpdate reads an opportunity's current status
// inside tx, locking the row with SELECT ... FOR UPDATE (supported by
// both postgres and mysql/InnoDB).
func (s *Store) OpportunityStatusForUpdate(ctx context.Context, tx *sql.Tx, id int64) (model.OpportunityStatus, error) {
	query := fmt.Sprintf("SELECT status FROM opportunities WHERE id = %s FOR UPDATE", s.ph(1))
	var status model.OpportunityStatus
	if err := tx.QueryRowContext(ctx, query, id).Scan(&status); err != nil {
		return "", fmt.Errorf("load opportunity %d status: %w", id, err)
	}
	return status, nil
}

// SetOpportunityStatus updates an opportunity's status inside tx.
func (s *Store) SetOpportunityStatus(ctx context.Context, tx *sql.Tx, id int64, status model.OpportunityStatus) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE opportunities SET status = %s WHERE id = %s", s.ph(1), s.ph(2)), status, id)
	return err
}

// AppendAuditLogEntryTx is AppendAuditLogEntry scoped to an existing
// transaction, used by transition workflows that must update the
// opportunity row and the chained audit row atomically.
func (s *Store) AppendAuditLogEntryTx(ctx context.Context, tx *sql.Tx, e *model.OpportunityAuditLog) (int64, error) {
	var id int64
	insert := fmt.Sprintf(`
INSERT INTO opportunity_audit_log (opportunity_id, from_status, to_status, actor, changed_at, reason, hash_prev, hash, hash_chain_index)
VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	args := []any{e.OpportunityID, e.FromStatus, e.ToStatus, e.Actor, e.Timestamp, e.Reason, e.HashPrev, e.Hash, e.HashChainIndex}

	if s.Driver == "postgres" {
		if err := tx.QueryRowContext(ctx, insert+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("append audit log entry: %w", err)
		}
		return id, nil
	}
	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return 0, fmt.Errorf("append audit log entry: %w", err)
	}
	id, err = res.LastInsertId()
	return id, err
}

// LatestAuditLogEntryTx is LatestAuditLogEntry scoped to tx, used so a
// transition can read the chain head under the same lock that guards
// the opportunity row, preventing two concurrent transitions from
// racing to append the same chain index.
func (s *Store) LatestAuditLogEntryTx(ctx context.Context, tx *sql.Tx) (*model.OpportunityAuditLog, error) {
	query := `
SELECT id, opportunity_id, from_status, to_status, actor, changed_at, reason, hash_prev, hash, hash_chain_index
FROM opportunity_audit_log ORDER BY hash_chain_index DESC LIMIT 1 FOR UPDATE`
	e := &model.OpportunityAuditLog{}
	err := tx.QueryRowContext(ctx, query).Scan(&e.ID, &e.OpportunityID, &e.FromStatus, &e.ToStatus, &e.Actor,
		&e.Timestamp, &e.Reason, &e.HashPrev, &e.Hash, &e.HashChainIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest audit log entry: %w", err)
	}
	return e, nil
}

// LatestAuditLogEntry returns the highest hash_chain_index row across
// the whole audit log (nil if the chain is empty), used to seed the
// next append with the correct prev-hash and index.
func (s *Store) LatestAuditLogEntry(ctx context.Context) (*model.OpportunityAuditLog, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, opportunity_id, from_status, to_status, actor, changed_at, reason, hash_prev, hash, hash_chain_index
FROM opportunity_audit_log ORDER BY hash_chain_index DESC LIMIT 1`)
	e := &model.OpportunityAuditLog{}
	if err := row.Scan(&e.ID, &e.OpportunityID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Timestamp,
		&e.Reason, &e.HashPrev, &e.Hash, &e.HashChainIndex); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest audit log entry: %w", err)
	}
	return e, nil
}

// AppendAuditLogEntry inserts one chained audit log row. Callers are
// expected to have already populated HashPrev/Hash/HashChainIndex via
// the auditchain package.
func (s *Store) AppendAuditLogEntry(ctx context.Context, e *model.OpportunityAuditLog) (int64, error) {
	var id int64
	insert := fmt.Sprintf(`
INSERT INTO opportunity_audit_log (opportunity_id, from_status, to_status, actor, changed_at, reason, hash_prev, hash, hash_chain_index)
VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	args := []any{e.OpportunityID, e.FromStatus, e.ToStatus, e.Actor, e.Timestamp, e.Reason, e.HashPrev, e.Hash, e.HashChainIndex}

	if s.Driver == "postgres" {
		row := s.DB.QueryRowContext(ctx, insert+" RETURNING id", args...)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("append audit log entry: %w", err)
		}
		return id, nil
	}

	res, err := s.DB.ExecContext(ctx, insert, args...)
	if err != nil {
		return 0, fmt.Errorf("append audit log entry: %w", err)
	}
	id, err = res.LastInsertId()
	return id, err
}

// AuditLogEntriesFrom returns every audit log row with hash_chain_index
// greater than afterIndex, in chain order, for verification sweeps.
func (s *Store) AuditLogEntriesFrom(ctx context.Context, afterIndex int) ([]*model.OpportunityAuditLog, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, opportunity_id, from_status, to_status, actor, changed_at, reason, hash_prev, hash, hash_chain_index
FROM opportunity_audit_log WHERE hash_chain_index > %s ORDER BY hash_chain_index ASC`, s.ph(1)), afterIndex)
	if err != nil {
		return nil, fmt.Errorf("load audit log entries: %w", err)
	}
	defer rows.Close()

	var out []*model.OpportunityAuditLog
	for rows.Next() {
		e := &model.OpportunityAuditLog{}
		if err := rows.Scan(&e.ID, &e.OpportunityID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Timestamp,
			&e.Reason, &e.HashPrev, &e.Hash, &e.HashChainIndex); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendIngestionLog writes the ingest run summary row.
func (s *Store) AppendIngestionLog(ctx context.Context, l *model.IngestionLog) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO ingestion_log (pharmacy_id, source_type, file_name, records_received, records_processed,
  records_failed, status, created_at) VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8)),
		l.PharmacyID, l.SourceType, l.FileName, l.RecordsReceived, l.RecordsProcessed,
		l.RecordsFailed, l.Status, l.CreatedAt)
	return err
}

func clampBatch(n int) int {
	if n < 50 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func setFromKeys(keys []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, k := range keys {
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func encodeRawBag(raw model.RawBag) string {
	if len(raw) == 0 {
		return "{}"
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeRawBag(s string) model.RawBag {
	out := model.RawBag{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
