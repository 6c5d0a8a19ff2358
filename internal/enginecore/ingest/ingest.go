// Package ingest implements schema-flexible CSV/TSV claims ingestion:
// header normalization against a vendor alias table, patient identity
// resolution, and batched upsert into the store.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/normalize"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

// Result is the summary returned by Ingest.
type Result struct {
	Received        int
	Processed       int
	Failed          int
	PatientsTouched int
}

// rawPatientAccum is the in-memory staging row built during phase one
// of the two-phase load, merged across every file row sharing a hash.
type rawPatientAccum struct {
	hash       string
	firstName  string
	lastName   string
	dob        string
	bin        string
	group      string
	conditions map[string]struct{}
}

// Ingestor performs the CSV parse + two-phase load against a Store.
type Ingestor struct {
	Store     *store.Store
	BatchSize int
}

// New constructs an Ingestor with the given batch size, using 500 when
// batchSize is not positive.
func New(s *store.Store, batchSize int) *Ingestor {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Ingestor{Store: s, BatchSize: batchSize}
}

// Ingest parses sourceBytes as a header-agnostic CSV/TSV export and
// upserts patients and prescriptions for pharmacyID.
func (ig *Ingestor) Ingest(ctx context.Context, pharmacyID int64, sourceBytes []byte, fileName string) (*Result, error) {
	log := logger.L().With("run_id", uuid.NewString(), "pharmacy_id", pharmacyID)
	delim := detectDelimiter(sourceBytes)

	r := csv.NewReader(bytes.NewReader(sourceBytes))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make([]canonicalField, len(header))
	rawNames := make([]string, len(header))
	mapped := make([]bool, len(header))
	for i, cell := range header {
		f, ok := resolveHeader(cell)
		columns[i] = f
		rawNames[i] = cell
		mapped[i] = ok
	}
	if !hasDrugNameColumn(columns) {
		return nil, fmt.Errorf("ingest: file declares no drug-name column")
	}
	if !hasIdentityColumn(columns) {
		return nil, fmt.Errorf("ingest: file declares neither a patient-name nor an rx-number column")
	}

	patientAccum := map[string]*rawPatientAccum{}
	rxByKey := map[string]*model.Prescription{} // last-occurrence-wins within this file
	rxOrder := make([]string, 0)

	result := &Result{}
	rowNum := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			log.Warnw("ingest: skipping malformed row", "row", rowNum, "err", err.Error())
			result.Received++
			result.Failed++
			continue
		}
		result.Received++

		rx, patient, ok := parseRow(columns, rawNames, mapped, row)
		if !ok {
			result.Failed++
			continue
		}

		hash := PatientHash(patient.firstName, patient.lastName, patient.dob, rx.RxNumber)
		patient.hash = hash
		if existing, ok := patientAccum[hash]; ok {
			mergePatientAccum(existing, patient)
		} else {
			patientAccum[hash] = patient
		}

		key := rx.RxNumber + "|" + rx.DispensedDate
		if _, exists := rxByKey[key]; !exists {
			rxOrder = append(rxOrder, key)
		}
		rx.Raw[rawBagPatientHashKey] = hash
		rxByKey[key] = rx // last occurrence wins
	}

	patients := make([]*model.Patient, 0, len(patientAccum))
	for _, acc := range patientAccum {
		patients = append(patients, &model.Patient{
			PharmacyID:        pharmacyID,
			PatientHash:       acc.hash,
			FirstName:         acc.firstName,
			LastName:          acc.lastName,
			DOB:               acc.dob,
			ChronicConditions: acc.conditions,
			PrimaryBIN:        acc.bin,
			PrimaryGroup:      acc.group,
		})
	}

	patientIDs, patientsFailed, err := ig.Store.UpsertPatients(ctx, pharmacyID, patients, ig.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("upsert patients: %w", err)
	}
	result.PatientsTouched = len(patientIDs)
	result.Failed += patientsFailed

	rxs := make([]*model.Prescription, 0, len(rxOrder))
	for _, key := range rxOrder {
		rx := rxByKey[key]
		hash := rx.Raw[rawBagPatientHashKey]
		delete(rx.Raw, rawBagPatientHashKey)
		id, ok := patientIDs[hash]
		if !ok {
			result.Failed++
			continue
		}
		rx.PharmacyID = pharmacyID
		rx.PatientID = id
		rxs = append(rxs, rx)
	}

	processed, failed := ig.Store.UpsertPrescriptions(ctx, pharmacyID, rxs, ig.BatchSize)
	result.Processed = processed
	result.Failed += failed

	status := "ok"
	if result.Failed > 0 && result.Processed > 0 {
		status = "partial"
	} else if result.Failed > 0 && result.Processed == 0 {
		status = "failed"
	}
	logEntry := &model.IngestionLog{
		PharmacyID:       pharmacyID,
		SourceType:       "csv",
		FileName:         fileName,
		RecordsReceived:  result.Received,
		RecordsProcessed: result.Processed,
		RecordsFailed:    result.Failed,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}
	if err := ig.Store.AppendIngestionLog(ctx, logEntry); err != nil {
		log.Errorw("ingest: failed to write ingestion log", "err", err.Error())
	}

	log.Infow("completed ingest run",
		"file", fileName, "received", result.Received, "processed", result.Processed,
		"failed", result.Failed, "patients_touched", result.PatientsTouched)

	return result, nil
}

const rawBagPatientHashKey = "__patient_hash"

func hasDrugNameColumn(cols []canonicalField) bool {
	for _, c := range cols {
		if c == fieldDrugName {
			return true
		}
	}
	return false
}

func hasIdentityColumn(cols []canonicalField) bool {
	hasName, hasRx := false, false
	for _, c := range cols {
		switch c {
		case fieldPatientName, fieldPatientFirstName, fieldPatientLastName:
			hasName = true
		case fieldRxNumber:
			hasRx = true
		}
	}
	return hasName || hasRx
}

// detectDelimiter checks the header line for a tab; comma otherwise.
func detectDelimiter(src []byte) rune {
	nl := bytes.IndexByte(src, '\n')
	header := src
	if nl >= 0 {
		header = src[:nl]
	}
	if bytes.ContainsRune(header, '\t') {
		return '\t'
	}
	return ','
}

// parseRow converts one data row into a staged prescription and
// patient fragment. ok is false when the row must be skipped per the
// failure semantics: missing drug_name, or missing both patient_name
// and rx_number.
func parseRow(columns []canonicalField, rawNames []string, mapped []bool, row []string) (*model.Prescription, *rawPatientAccum, bool) {
	rx := &model.Prescription{Raw: model.RawBag{}}
	first, last, dob, bin, group := "", "", "", "", ""
	var therapeuticClass string

	for i, cell := range columns {
		if i >= len(row) {
			continue
		}
		val := row[i]
		switch cell {
		case fieldRxNumber:
			rx.RxNumber = val
		case fieldDrugName:
			rx.DrugName = val
		case fieldNDC:
			ndc, ok := normalize.NDC(val)
			rx.NDC = ndc
			if !ok {
				rx.Raw["ndc_invalid"] = "true"
			}
		case fieldQuantity:
			if v, ok := normalize.Amount(val); ok {
				rx.Quantity = v
			}
		case fieldDaysSupply:
			if v, ok := normalize.Amount(val); ok {
				rx.DaysSupply = v
			}
		case fieldDispensedDate:
			if v, ok := normalize.ClaimDate(val); ok {
				rx.DispensedDate = v
			}
		case fieldPatientName:
			first, last = splitPatientName(val)
		case fieldPatientFirstName:
			first = val
		case fieldPatientLastName:
			last = val
		case fieldPatientDOB:
			if v, ok := normalize.ClaimDate(val); ok {
				dob = v
			}
		case fieldInsuranceBIN:
			bin = normalize.BIN(val)
			rx.InsuranceBIN = bin
		case fieldGroupNumber:
			group = val
			rx.GroupNumber = val
		case fieldContractID:
			rx.ContractID = val
		case fieldPlanName:
			rx.PlanName = val
		case fieldPatientPay:
			if v, ok := normalize.Amount(val); ok {
				rx.PatientPay = v
			}
		case fieldInsurancePay:
			if v, ok := normalize.Amount(val); ok {
				rx.InsurancePay = v
			}
		case fieldAcquisitionCost:
			if v, ok := normalize.Amount(val); ok {
				rx.AcquisitionCost = v
			}
		case fieldGrossProfit:
			rx.Raw["gross_profit"] = val
		case fieldNetProfit:
			rx.Raw["net_profit"] = val
		case fieldAWP:
			rx.Raw["awp"] = val
		case fieldPrescriberName:
			rx.PrescriberName = val
		case fieldDAWCode:
			rx.DAWCode = val
		case fieldTherapeuticClass:
			therapeuticClass = val
			rx.Raw["therapeutic_class"] = val
		case fieldSig:
			rx.Raw["sig"] = val
		default:
			if !mapped[i] && val != "" {
				rx.Raw[rawNames[i]] = val
			}
		}
	}

	if rx.DrugName == "" {
		return nil, nil, false
	}
	patientNamePresent := first != "" || last != ""
	if !patientNamePresent && rx.RxNumber == "" {
		return nil, nil, false
	}

	acc := &rawPatientAccum{
		firstName:  normalize.Name(first),
		lastName:   normalize.Name(last),
		dob:        dob,
		bin:        bin,
		group:      group,
		conditions: InferConditions(therapeuticClass),
	}
	return rx, acc, true
}

func mergePatientAccum(existing, fresh *rawPatientAccum) {
	if existing.firstName == "" {
		existing.firstName = fresh.firstName
	}
	if existing.lastName == "" {
		existing.lastName = fresh.lastName
	}
	if existing.dob == "" {
		existing.dob = fresh.dob
	}
	if existing.bin == "" {
		existing.bin = fresh.bin
	}
	if existing.group == "" {
		existing.group = fresh.group
	}
	for c := range fresh.conditions {
		existing.conditions[c] = struct{}{}
	}
}
