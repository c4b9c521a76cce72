// Package repository declares the narrow storage interfaces the engine
// depends on. Concrete implementations live under internal/infrastructure
// and internal/catalog; tests substitute hand-rolled fakes.
package repository

import (
	"context"

	"github.com/privacytap/dpquery/internal/domain"
)

// AdminStore is the Administration Store (AS): the system of record for
// users, their per-dataset budgets, and the append-only query archive.
type AdminStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error

	GetBudget(ctx context.Context, userID, datasetName string) (domain.BudgetEntry, error)
	ListBudgets(ctx context.Context, userID string) ([]domain.BudgetEntry, error)
	SetBudget(ctx context.Context, entry domain.BudgetEntry) error

	// DebitBudget performs one compare-and-swap attempt: it applies the
	// debit only if the stored version still matches expectedVersion. It
	// returns the post-debit row on success, and domain.ErrCASConflict if
	// the version did not match.
	// The ABE admission loop retries this call up to a bounded count.
	DebitBudget(ctx context.Context, userID, datasetName string, epsilon, delta float64, expectedVersion int64) (domain.BudgetEntry, error)

	// CreditBudget reverses a prior debit (compensation path only, never
	// on timeout or internal error).
	CreditBudget(ctx context.Context, userID, datasetName string, epsilon, delta float64) error

	AppendArchive(ctx context.Context, a domain.Archive) error
	ListArchives(ctx context.Context, userID string, datasetName string) ([]domain.Archive, error)

	Ping(ctx context.Context) error
}
