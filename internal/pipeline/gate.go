package pipeline

import (
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
)

// Decision is the outcome of the confidence gate.
type Decision string

const (
	DecisionAccept   Decision = "ACCEPT"
	DecisionFallback Decision = "FALLBACK"
)

// GateResult holds the gate decision and, on ACCEPT, the winning candidate.
type GateResult struct {
	Decision  Decision
	Best      *model.Candidate // nil on FALLBACK with no candidates
	Threshold float64
}

// EvaluateGate accepts the top candidate when its similarity meets the
// threshold. A similarity exactly at the threshold is accepted. Empty
// candidate lists always fall back; candidates are assumed ordered best
// first, as the retriever guarantees.
func EvaluateGate(entryID string, candidates []model.Candidate, threshold float64) GateResult {
	result := GateResult{Decision: DecisionFallback, Threshold: threshold}
	if len(candidates) == 0 {
		zap.L().Debug("gate: no candidates",
			zap.String("entry_id", entryID),
		)
		return result
	}

	best := candidates[0]
	result.Best = &best
	if best.Similarity >= threshold {
		result.Decision = DecisionAccept
	}

	zap.L().Debug("gate decision",
		zap.String("entry_id", entryID),
		zap.String("decision", string(result.Decision)),
		zap.Float64("similarity", best.Similarity),
		zap.Float64("threshold", threshold),
		zap.Int64("factor_id", best.Factor.ID),
	)
	return result
}
