package store

import (
	"context"

	"github.com/greenledger/emissions-cli/internal/model"
)

// EntryFilter specifies criteria for listing entries.
type EntryFilter struct {
	TenantID string                 `json:"tenant_id,omitempty"`
	Status   model.ResolutionStatus `json:"status,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the resolution pipeline.
// UpsertCalculation is keyed by (entry_id, method): a second write for the
// same key replaces the first, never duplicates it.
type Store interface {
	// Entries
	CreateEntry(ctx context.Context, entry model.Entry) (*model.Entry, error)
	GetEntry(ctx context.Context, entryID string) (*model.Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error)
	SetEntryStatus(ctx context.Context, entryID string, status model.ResolutionStatus, errDetail string) error

	// Calculations
	UpsertCalculation(ctx context.Context, calc model.Calculation) (string, error)
	GetCalculation(ctx context.Context, entryID string, method model.ResolutionMethod) (*model.Calculation, error)
	ListCalculations(ctx context.Context, entryID string) ([]model.Calculation, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
