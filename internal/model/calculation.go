package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// ResolutionMethod identifies which path produced a calculation.
type ResolutionMethod string

const (
	MethodRetrieval  ResolutionMethod = "RETRIEVAL"
	MethodGenerative ResolutionMethod = "GENERATIVE"
)

// GasBreakdown splits total emissions by gas, in kg CO2e.
type GasBreakdown struct {
	CO2 float64 `json:"co2"`
	CH4 float64 `json:"ch4"`
	N2O float64 `json:"n2o"`
}

// Calculation is the unified result of resolving an entry, from either
// the retrieval or the generative path. At most one calculation exists
// per (entry_id, method) pair.
type Calculation struct {
	ID             string           `json:"id"`
	EntryID        string           `json:"entry_id"`
	Method         ResolutionMethod `json:"method"`
	EmissionFactor float64          `json:"emission_factor"`
	FactorUnit     string           `json:"factor_unit"`
	TotalEmissions float64          `json:"total_emissions"`
	EmissionsUnit  string           `json:"emissions_unit"`
	Scope          int              `json:"scope"`
	Source         string           `json:"source"`
	Confidence     float64          `json:"confidence"`
	Similarity     *float64         `json:"similarity,omitempty"` // retrieval only
	Breakdown      *GasBreakdown    `json:"breakdown,omitempty"`
	Warnings       []string         `json:"warnings,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// emissionsTolerance is the relative tolerance for the
// total = quantity x factor invariant.
const emissionsTolerance = 1e-6

// Validate enforces the calculation invariants against the quantity it
// was derived from.
func (c Calculation) Validate(quantity float64) error {
	if c.EntryID == "" {
		return eris.New("calculation: missing entry id")
	}
	if c.Method != MethodRetrieval && c.Method != MethodGenerative {
		return eris.Errorf("calculation: unknown method %q", c.Method)
	}
	if c.EmissionFactor <= 0 || math.IsInf(c.EmissionFactor, 0) || math.IsNaN(c.EmissionFactor) {
		return eris.Errorf("calculation: emission factor must be a positive finite number, got %g", c.EmissionFactor)
	}
	if c.TotalEmissions <= 0 {
		return eris.Errorf("calculation: total emissions must be positive, got %g", c.TotalEmissions)
	}
	if c.Scope < 1 || c.Scope > 3 {
		return eris.Errorf("calculation: scope must be 1-3, got %d", c.Scope)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return eris.Errorf("calculation: confidence must be in [0,1], got %g", c.Confidence)
	}
	if c.Method == MethodRetrieval && c.Similarity == nil {
		return eris.New("calculation: retrieval result missing similarity")
	}
	if c.Method == MethodGenerative && c.Similarity != nil {
		return eris.New("calculation: generative result must not carry similarity")
	}
	if c.Breakdown != nil {
		if c.Breakdown.CO2 < 0 || c.Breakdown.CH4 < 0 || c.Breakdown.N2O < 0 {
			return eris.New("calculation: gas breakdown values must be non-negative")
		}
	}
	want := quantity * c.EmissionFactor
	if math.Abs(c.TotalEmissions-want) > emissionsTolerance*math.Abs(want) {
		return eris.Errorf("calculation: total %g != quantity*factor %g", c.TotalEmissions, want)
	}
	return nil
}

// FailedEntry records a terminal per-entry failure inside a batch.
type FailedEntry struct {
	EntryID string `json:"entry_id"`
	Message string `json:"message"`
}

// BatchSummary reports the outcome of a batch resolution run.
// SucceededRetrieval + SucceededGenerative + len(Failed) always equals
// the number of entries dispatched; Skipped counts entries left
// unresolved by the entry cap or deadline.
type BatchSummary struct {
	Total               int           `json:"total"`
	SucceededRetrieval  int           `json:"succeeded_retrieval"`
	SucceededGenerative int           `json:"succeeded_generative"`
	Failed              []FailedEntry `json:"failed,omitempty"`
	Skipped             int           `json:"skipped"`
	Duration            time.Duration `json:"duration_ns"`
}
