package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ResolutionStatus tracks where an entry sits in its resolution lifecycle.
type ResolutionStatus string

const (
	StatusUnresolved   ResolutionStatus = "unresolved"
	StatusResolved     ResolutionStatus = "resolved"
	StatusUnresolvable ResolutionStatus = "unresolvable"
)

// Entry is an activity record awaiting emission resolution. Entries are
// created by upstream ingestion; this subsystem only mutates the
// resolution status and error detail.
type Entry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	FuelType    string    `json:"fuel_type,omitempty"`
	Region      string    `json:"region,omitempty"`
	GasHint     string    `json:"gas_hint,omitempty"`
	SourceHint  string    `json:"source_hint,omitempty"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`
	ScopeHint   int       `json:"scope_hint,omitempty"` // 0 = no hint
	OccurredAt  time.Time `json:"occurred_at"`

	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ResolutionError  string           `json:"resolution_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate checks the fields this pipeline depends on. Entries failing
// validation are rejected before any provider call is made.
func (e Entry) Validate() error {
	if e.ID == "" {
		return eris.New("entry: missing id")
	}
	if e.Quantity <= 0 {
		return eris.Errorf("entry %s: quantity must be positive, got %g", e.ID, e.Quantity)
	}
	if e.Description == "" && e.Category == "" {
		return eris.Errorf("entry %s: no description or category to resolve", e.ID)
	}
	if e.ScopeHint < 0 || e.ScopeHint > 3 {
		return eris.Errorf("entry %s: scope hint must be 1-3, got %d", e.ID, e.ScopeHint)
	}
	return nil
}
