package repository

import (
	"context"

	"github.com/privacytap/dpquery/internal/domain"
)

// CatalogStore is the Metadata & Credentials Store (MCS): the dataset
// catalog and the administrative surface that mutates it.
type CatalogStore interface {
	GetDataset(ctx context.Context, name string) (domain.Dataset, error)
	ListDatasets(ctx context.Context) ([]domain.Dataset, error)

	CreateDataset(ctx context.Context, d domain.Dataset) error
	DropDataset(ctx context.Context, name string) error

	// BulkLoad replaces or augments the catalog from a YAML document —
	// the admin "bulk-load from YAML" operation.
	BulkLoad(ctx context.Context, yamlDoc []byte) (loaded int, err error)

	// Invalidate drops any cached view of the catalog so the next read
	// reflects the on-disk/administrative state.
	Invalidate(ctx context.Context) error
}
