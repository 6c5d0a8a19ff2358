package ingest

import "strings"

// canonicalField enumerates the fields the ingestor recognizes in an
// upstream export header, beyond the raw bag.
type canonicalField string

const (
	fieldRxNumber         canonicalField = "rx_number"
	fieldDrugName         canonicalField = "drug_name"
	fieldNDC              canonicalField = "ndc"
	fieldQuantity         canonicalField = "quantity"
	fieldDaysSupply       canonicalField = "days_supply"
	fieldDispensedDate    canonicalField = "dispensed_date"
	fieldPatientName      canonicalField = "patient_name"
	fieldPatientFirstName canonicalField = "patient_first_name"
	fieldPatientLastName  canonicalField = "patient_last_name"
	fieldPatientDOB       canonicalField = "patient_dob"
	fieldInsuranceBIN     canonicalField = "insurance_bin"
	fieldGroupNumber      canonicalField = "group_number"
	fieldContractID       canonicalField = "contract_id"
	fieldPlanName         canonicalField = "plan_name"
	fieldPatientPay       canonicalField = "patient_pay"
	fieldInsurancePay     canonicalField = "insurance_pay"
	fieldAcquisitionCost  canonicalField = "acquisition_cost"
	fieldGrossProfit      canonicalField = "gross_profit"
	fieldNetProfit        canonicalField = "net_profit"
	fieldAWP              canonicalField = "awp"
	fieldPrescriberName   canonicalField = "prescriber_name"
	fieldDAWCode          canonicalField = "daw_code"
	fieldSig              canonicalField = "sig"
	fieldTherapeuticClass canonicalField = "therapeutic_class"
)

// headerAliases maps every known export header spelling (lower-cased,
// whitespace-collapsed) seen across PioneerRx, RX30, PrimeRx, and
// Aracoma/PMS exports to a canonical field. Headers not found here
// fall through to the prescription's raw bag.
var headerAliases = map[string]canonicalField{
	"rx number":                      fieldRxNumber,
	"rx #":                           fieldRxNumber,
	"rx_number":                      fieldRxNumber,
	"prescription number":            fieldRxNumber,
	"dispensed item name":            fieldDrugName,
	"drug name":                      fieldDrugName,
	"drug":                           fieldDrugName,
	"item name":                      fieldDrugName,
	"product name":                   fieldDrugName,
	"dispensed item ndc":             fieldNDC,
	"ndc":                            fieldNDC,
	"ndc number":                     fieldNDC,
	"ndc code":                       fieldNDC,
	"dispensed quantity":             fieldQuantity,
	"quantity":                       fieldQuantity,
	"qty":                            fieldQuantity,
	"qty dispensed":                  fieldQuantity,
	"days supply":                    fieldDaysSupply,
	"day supply":                     fieldDaysSupply,
	"days":                           fieldDaysSupply,
	"date written":                   fieldDispensedDate,
	"dispensed date":                 fieldDispensedDate,
	"fill date":                      fieldDispensedDate,
	"date filled":                    fieldDispensedDate,
	"patient full name last then first": fieldPatientName,
	"patient name":                   fieldPatientName,
	"patient":                        fieldPatientName,
	"patient first name":             fieldPatientFirstName,
	"first name":                     fieldPatientFirstName,
	"patient last name":              fieldPatientLastName,
	"last name":                      fieldPatientLastName,
	"patient date of birth":          fieldPatientDOB,
	"patient dob":                    fieldPatientDOB,
	"dob":                            fieldPatientDOB,
	"primary third party bin":        fieldInsuranceBIN,
	"insurance bin":                  fieldInsuranceBIN,
	"bin":                            fieldInsuranceBIN,
	"bin number":                     fieldInsuranceBIN,
	"group number":                   fieldGroupNumber,
	"group":                          fieldGroupNumber,
	"grp":                            fieldGroupNumber,
	"contract id":                    fieldContractID,
	"contract":                       fieldContractID,
	"contract number":                fieldContractID,
	"plan name":                      fieldPlanName,
	"plan":                           fieldPlanName,
	"patient pay":                    fieldPatientPay,
	"copay":                          fieldPatientPay,
	"patient responsibility":         fieldPatientPay,
	"insurance pay":                  fieldInsurancePay,
	"ins pay":                        fieldInsurancePay,
	"third party pay":                fieldInsurancePay,
	"acquisition cost":               fieldAcquisitionCost,
	"actual cost":                    fieldAcquisitionCost,
	"cost":                           fieldAcquisitionCost,
	"gross profit":                   fieldGrossProfit,
	"grossprofit":                    fieldGrossProfit,
	"net profit":                     fieldNetProfit,
	"netprofit":                      fieldNetProfit,
	"awp":                            fieldAWP,
	"average wholesale price":        fieldAWP,
	"prescriber name":                fieldPrescriberName,
	"prescriber":                     fieldPrescriberName,
	"doctor":                         fieldPrescriberName,
	"daw":                            fieldDAWCode,
	"daw code":                       fieldDAWCode,
	"sig":                            fieldSig,
	"directions":                     fieldSig,
	"therapeutic class":              fieldTherapeuticClass,
	"drug class":                     fieldTherapeuticClass,
	"class":                          fieldTherapeuticClass,
}

// resolveHeader normalizes a header cell (case, whitespace) and looks
// it up in the alias table. The bool is false for unmapped columns,
// which the caller preserves verbatim in the raw bag.
func resolveHeader(cell string) (canonicalField, bool) {
	key := normalizeHeaderCell(cell)
	f, ok := headerAliases[key]
	return f, ok
}

func normalizeHeaderCell(cell string) string {
	fields := strings.Fields(strings.ToLower(cell))
	return strings.Join(fields, " ")
}
