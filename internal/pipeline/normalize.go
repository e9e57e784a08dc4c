// Package pipeline implements emission resolution: normalize, embed,
// retrieve, gate, and fall back to generative estimation when retrieval
// confidence is too low.
package pipeline

import (
	"strings"

	"github.com/greenledger/emissions-cli/internal/model"
)

// NormalizeEntry renders an entry into the canonical text sent to the
// embedding provider. Field order is fixed so that identical entries
// always produce identical text (and hit the embedding cache): category,
// description, fuel, region, gas hint, unit, source hint. Empty fields
// are omitted; the output is lowercase with whitespace collapsed.
func NormalizeEntry(entry model.Entry) string {
	parts := make([]string, 0, 7)
	for _, s := range []string{
		entry.Category,
		entry.Description,
		entry.FuelType,
		entry.Region,
		entry.GasHint,
		entry.Unit,
		entry.SourceHint,
	} {
		if s = collapseWhitespace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(strings.Join(parts, " | "))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
