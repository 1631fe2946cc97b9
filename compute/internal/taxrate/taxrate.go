package taxrate

import "github.com/taxstream/taxstream/pkg/types"

const (
	// BaseRate applies to every record (1.2%).
	BaseRate = 0.012

	// OverduePenaltyRate is added when a record is flagged overdue.
	OverduePenaltyRate = 0.005
)

// surcharges maps a jurisdiction location code to its additive rate.
// Codes not listed carry no surcharge.
var surcharges = map[string]float64{
	"RIV-CA": 0.003,
	"LA-CA":  0.004,
	"SD-CA":  0.0025,
}

// Surcharge returns the jurisdiction surcharge for code, or 0 when the code is
// not recognized. Matching is exact and case-sensitive.
func Surcharge(code string) float64 {
	return surcharges[code]
}

// Rate returns the total rate applied to rec's assessed value.
func Rate(rec *types.PropertyRecord) float64 {
	penalty := 0.0
	if rec.IsOverdue {
		penalty = OverduePenaltyRate
	}
	return BaseRate + Surcharge(rec.LocationCode) + penalty
}

// Compute returns the tax owed on rec.
func Compute(rec *types.PropertyRecord) float64 {
	return rec.AssessedValue * Rate(rec)
}
