// Package testsupport generates synthetic domain fixtures with
// gofakeit for use in _test.go files across the engine. It is not
// wired into any CLI command — seeding demo data into a live store is
// explicitly out of scope for the shipped binaries.
package testsupport

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/pharmscan/enginecore/internal/enginecore/model"
)

// DrugNames mirrors the therapeutic classes the chronic-condition
// inference table and the sample trigger library recognize, so
// fixtures built from it exercise real matching paths instead of
// random noise.
var DrugNames = []string{
	"Atorvastatin", "Levothyroxine", "Lisinopril", "Metformin", "Amlodipine",
	"Metoprolol", "Omeprazole", "Simvastatin", "Losartan", "Albuterol",
	"Gabapentin", "Hydrochlorothiazide", "Sertraline", "Furosemide", "Fluticasone",
	"Citalopram", "Escitalopram", "Duloxetine", "Pioglitazone", "Sitagliptin",
}

// Bins is a small pool of realistic-looking 6-digit BIN numbers.
var Bins = []string{"610097", "004740", "003858", "610014", "012345"}

// RandomDrug returns a random drug name from DrugNames.
func RandomDrug() string {
	return DrugNames[gofakeit.Number(0, len(DrugNames)-1)]
}

// RandomBIN returns a random BIN from Bins.
func RandomBIN() string {
	return Bins[gofakeit.Number(0, len(Bins)-1)]
}

// Pharmacy builds a fixture Pharmacy with the given id and no
// excluded BINs.
func Pharmacy(id int64) *model.Pharmacy {
	return &model.Pharmacy{
		ID:       id,
		Name:     gofakeit.Company() + " Pharmacy",
		Settings: map[string]string{},
	}
}

// Patient builds a fixture Patient scoped to pharmacyID.
func Patient(pharmacyID int64) *model.Patient {
	first, last := gofakeit.FirstName(), gofakeit.LastName()
	dob := gofakeit.DateRange(time.Date(1935, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC))
	return &model.Patient{
		PharmacyID:        pharmacyID,
		FirstName:         first,
		LastName:          last,
		DOB:               dob.Format("2006-01-02"),
		ChronicConditions: map[string]struct{}{},
	}
}

// PrescriptionOpts overrides fields Prescription would otherwise
// randomize, so a test can pin down exactly the scenario it targets.
type PrescriptionOpts struct {
	DrugName      string
	BIN           string
	Group         string
	DispensedDate string
	DaysSupply    float64
	Quantity      float64
}

// Prescription builds a fixture Prescription for patientID at
// pharmacyID, applying any non-zero fields from opts.
func Prescription(pharmacyID, patientID int64, opts PrescriptionOpts) *model.Prescription {
	drug := opts.DrugName
	if drug == "" {
		drug = RandomDrug()
	}
	bin := opts.BIN
	if bin == "" {
		bin = RandomBIN()
	}
	dispensed := opts.DispensedDate
	if dispensed == "" {
		dispensed = gofakeit.DateRange(time.Now().AddDate(0, 0, -90), time.Now()).Format("2006-01-02")
	}
	qty := opts.Quantity
	if qty == 0 {
		qty = float64(gofakeit.Number(30, 90))
	}
	daysSupply := opts.DaysSupply
	if daysSupply == 0 {
		daysSupply = 30
	}

	cost := gofakeit.Price(5, 40)
	return &model.Prescription{
		PharmacyID:      pharmacyID,
		PatientID:       patientID,
		RxNumber:        fmt.Sprintf("RX%08d", gofakeit.Number(10000000, 99999999)),
		DrugName:        drug,
		NDC:             fmt.Sprintf("%05d-%04d-%02d", gofakeit.Number(0, 99999), gofakeit.Number(0, 9999), gofakeit.Number(0, 99)),
		Quantity:        qty,
		DaysSupply:      daysSupply,
		DispensedDate:   dispensed,
		InsuranceBIN:    bin,
		GroupNumber:     opts.Group,
		PatientPay:      gofakeit.Price(0, 20),
		InsurancePay:    gofakeit.Price(10, 80),
		AcquisitionCost: cost,
		PrescriberName:  gofakeit.Name(),
		Raw:             model.RawBag{},
	}
}

// Trigger builds a minimal enabled therapeutic-interchange Trigger
// recommending toDrug whenever a claim matches fromDrug.
func Trigger(code, fromDrug, toDrug string) *model.Trigger {
	return &model.Trigger{
		Code:              code,
		DisplayName:       code,
		Type:              model.TriggerTherapeuticInterchange,
		Enabled:           true,
		Priority:          2,
		DetectionKeywords: map[string]struct{}{fromDrug: {}},
		RecommendedDrug:   toDrug,
		AnnualFills:       12,
		KeywordMatchMode:  model.MatchAny,
	}
}
