package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/config"
	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/resilience"
	"github.com/greenledger/emissions-cli/pkg/anthropic"
)

const estimateSystemPrompt = `You are an emission factor analyst. Given an activity record, estimate the most appropriate emission factor from published sources (DEFRA, EPA, IPCC, ecoinvent).

Respond with ONLY a JSON object, no prose, in this exact shape:
{
  "can_estimate": true,
  "factor": 2.68,
  "unit": "kgCO2e/litre",
  "scope": 1,
  "source": "DEFRA 2024",
  "confidence": 0.6,
  "breakdown": {"co2": 2.6, "ch4": 0.05, "n2o": 0.03},
  "reason": ""
}

Rules:
- "factor" is the emission factor per unit of activity, a positive number.
- "unit" names the factor's denominator unit and must not be empty.
- "scope" is the GHG Protocol scope, 1, 2, or 3.
- "source" names the published dataset the estimate is based on.
- "confidence" is your certainty in [0,1].
- "breakdown" is optional; omit it rather than inventing gas splits.
- If you cannot ground an estimate in a published source, set
  "can_estimate" to false and explain in "reason". Never invent a factor.`

// Estimate is a validated generative estimation result.
type Estimate struct {
	Factor     float64
	Unit       string
	Scope      int
	Source     string
	Confidence float64
	Breakdown  *model.GasBreakdown
}

// MalformedResponseError indicates the model's reply could not be parsed
// or failed validation. Malformed replies are retried.
type MalformedResponseError struct {
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed estimation response: %s", e.Reason)
}

// IsMalformed returns true if the error chain contains a MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// UnresolvableError indicates the entry cannot be resolved by this
// pipeline: the model declined to estimate, or retries were exhausted on
// malformed replies. It is terminal for the entry, not for the run.
type UnresolvableError struct {
	EntryID string
	Reason  string
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("entry %s unresolvable: %s", e.EntryID, e.Reason)
}

// IsUnresolvable returns true if the error chain contains an UnresolvableError.
func IsUnresolvable(err error) bool {
	var ue *UnresolvableError
	return errors.As(err, &ue)
}

// Estimator produces emission factor estimates via the Messages API when
// retrieval confidence is too low.
type Estimator struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	maxRetries int
	retry      resilience.RetryConfig
}

// NewEstimator builds an Estimator. maxRetries counts retries after the
// first attempt; they apply to transient provider failures and malformed
// replies alike.
func NewEstimator(client anthropic.Client, cfg config.AnthropicConfig, maxRetries int) *Estimator {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = maxRetries + 1
	retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || IsMalformed(err)
	}
	retry.OnRetry = resilience.RetryLogger("anthropic", "estimate")
	return &Estimator{
		client:     client,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: maxRetries,
		retry:      retry,
	}
}

// Estimate asks the model for an emission factor for the entry. A decline
// from the model, or retry exhaustion on malformed replies, returns an
// UnresolvableError; transport failures surface as ordinary errors so the
// entry can be retried in a later run.
func (e *Estimator) Estimate(ctx context.Context, entry model.Entry) (*Estimate, error) {
	prompt := buildEstimatePrompt(entry)

	est, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*Estimate, error) {
		resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     e.model,
			MaxTokens: e.maxTokens,
			System:    anthropic.BuildCachedSystemBlocks(estimateSystemPrompt),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(e.model, "estimate")
		return parseEstimate(entry.ID, resp.FirstText())
	})
	if err != nil {
		if IsMalformed(err) {
			// Retries exhausted on garbage output; terminal for this entry.
			return nil, &UnresolvableError{EntryID: entry.ID, Reason: err.Error()}
		}
		return nil, err
	}

	zap.L().Info("generative estimate",
		zap.String("entry_id", entry.ID),
		zap.Float64("factor", est.Factor),
		zap.String("unit", est.Unit),
		zap.String("source", est.Source),
		zap.Float64("confidence", est.Confidence),
	)
	return est, nil
}

func buildEstimatePrompt(entry model.Entry) string {
	var b strings.Builder
	b.WriteString("Activity record:\n")
	writeField(&b, "description", entry.Description)
	writeField(&b, "category", entry.Category)
	writeField(&b, "fuel", entry.FuelType)
	writeField(&b, "region", entry.Region)
	writeField(&b, "gas", entry.GasHint)
	fmt.Fprintf(&b, "- quantity: %g %s\n", entry.Quantity, entry.Unit)
	if entry.ScopeHint > 0 {
		fmt.Fprintf(&b, "- scope hint: %d\n", entry.ScopeHint)
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value != "" {
		fmt.Fprintf(b, "- %s: %s\n", name, value)
	}
}

// rawEstimate mirrors the JSON contract in the system prompt.
type rawEstimate struct {
	CanEstimate bool                `json:"can_estimate"`
	Factor      float64             `json:"factor"`
	Unit        string              `json:"unit"`
	Scope       int                 `json:"scope"`
	Source      string              `json:"source"`
	Confidence  float64             `json:"confidence"`
	Breakdown   *model.GasBreakdown `json:"breakdown"`
	Reason      string              `json:"reason"`
}

func parseEstimate(entryID, text string) (*Estimate, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, &MalformedResponseError{Reason: "no JSON object in response", Raw: text}
	}

	var raw rawEstimate
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, &MalformedResponseError{Reason: eris.Wrap(err, "decode").Error(), Raw: text}
	}

	if !raw.CanEstimate {
		reason := raw.Reason
		if reason == "" {
			reason = "model declined to estimate"
		}
		return nil, &UnresolvableError{EntryID: entryID, Reason: reason}
	}

	if raw.Factor <= 0 || math.IsInf(raw.Factor, 0) || math.IsNaN(raw.Factor) {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("factor must be a positive finite number, got %g", raw.Factor), Raw: text}
	}
	if raw.Unit == "" {
		return nil, &MalformedResponseError{Reason: "missing unit", Raw: text}
	}
	if raw.Scope < 1 || raw.Scope > 3 {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("scope must be 1-3, got %d", raw.Scope), Raw: text}
	}
	if raw.Source == "" {
		return nil, &MalformedResponseError{Reason: "missing source", Raw: text}
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("confidence must be in [0,1], got %g", raw.Confidence), Raw: text}
	}
	if raw.Breakdown != nil {
		if raw.Breakdown.CO2 < 0 || raw.Breakdown.CH4 < 0 || raw.Breakdown.N2O < 0 {
			return nil, &MalformedResponseError{Reason: "negative gas breakdown value", Raw: text}
		}
	}

	return &Estimate{
		Factor:     raw.Factor,
		Unit:       raw.Unit,
		Scope:      raw.Scope,
		Source:     raw.Source,
		Confidence: raw.Confidence,
		Breakdown:  raw.Breakdown,
	}, nil
}

// cleanJSON strips markdown code fences and trims to the outermost JSON
// object. Models sometimes wrap JSON in ```json fences or add prose
// around it.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
