package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/greenledger/emissions-cli/internal/model"
)

// defaultEmissionsUnit labels totals when the factor unit gives no
// better signal.
const defaultEmissionsUnit = "kgCO2e"

// BuildRetrievalCalculation converts an accepted retrieval candidate
// into a calculation. Total emissions are quantity times factor; no unit
// conversion is attempted, but a mismatch between the entry unit and the
// factor's denominator unit is surfaced as a warning.
func BuildRetrievalCalculation(entry model.Entry, candidate model.Candidate) (*model.Calculation, error) {
	sim := candidate.Similarity
	calc := &model.Calculation{
		EntryID:        entry.ID,
		Method:         model.MethodRetrieval,
		EmissionFactor: candidate.Factor.Value,
		FactorUnit:     candidate.Factor.Unit,
		TotalEmissions: entry.Quantity * candidate.Factor.Value,
		EmissionsUnit:  emissionsUnitFor(candidate.Factor.Unit),
		Scope:          candidate.Factor.Scope,
		Source:         candidate.Factor.Source,
		Confidence:     candidate.Similarity,
		Similarity:     &sim,
		Warnings:       unitWarnings(entry.Unit, candidate.Factor.Unit),
		CreatedAt:      time.Now().UTC(),
	}
	if err := calc.Validate(entry.Quantity); err != nil {
		return nil, eris.Wrapf(err, "calculation: retrieval result for entry %s", entry.ID)
	}
	return calc, nil
}

// BuildGenerativeCalculation converts a validated estimate into a
// calculation. Generative results carry the model's self-reported
// confidence and never a similarity.
func BuildGenerativeCalculation(entry model.Entry, est Estimate) (*model.Calculation, error) {
	calc := &model.Calculation{
		EntryID:        entry.ID,
		Method:         model.MethodGenerative,
		EmissionFactor: est.Factor,
		FactorUnit:     est.Unit,
		TotalEmissions: entry.Quantity * est.Factor,
		EmissionsUnit:  emissionsUnitFor(est.Unit),
		Scope:          est.Scope,
		Source:         est.Source,
		Confidence:     est.Confidence,
		Breakdown:      est.Breakdown,
		Warnings:       unitWarnings(entry.Unit, est.Unit),
		CreatedAt:      time.Now().UTC(),
	}
	if err := calc.Validate(entry.Quantity); err != nil {
		return nil, eris.Wrapf(err, "calculation: generative result for entry %s", entry.ID)
	}
	return calc, nil
}

// unitWarnings flags an entry unit that does not match the factor's
// denominator unit, e.g. entry "gallon" against "kgCO2e/litre". The
// calculation proceeds unchanged; conversion is the caller's problem.
func unitWarnings(entryUnit, factorUnit string) []string {
	denom := factorDenominator(factorUnit)
	if entryUnit == "" || denom == "" {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(entryUnit), denom) {
		return nil
	}
	return []string{fmt.Sprintf("unit mismatch: entry %q vs factor %q, no conversion applied", entryUnit, factorUnit)}
}

// factorDenominator extracts the activity unit from a factor unit like
// "kgCO2e/litre".
func factorDenominator(factorUnit string) string {
	if idx := strings.LastIndex(factorUnit, "/"); idx >= 0 && idx+1 < len(factorUnit) {
		return strings.TrimSpace(factorUnit[idx+1:])
	}
	return ""
}

// emissionsUnitFor derives the total's unit from the factor's numerator,
// so "kgCO2e/litre" yields totals in "kgCO2e".
func emissionsUnitFor(factorUnit string) string {
	if idx := strings.Index(factorUnit, "/"); idx > 0 {
		return strings.TrimSpace(factorUnit[:idx])
	}
	return defaultEmissionsUnit
}
