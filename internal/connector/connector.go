// Package connector implements the materialized Connector capability the
// Data Connector Cache holds: {metadata, as_tabular} over a dataset's
// physical storage.
package connector

import (
	"context"

	"github.com/privacytap/dpquery/internal/domain"
)

// Row is one tabular record, keyed by column name.
type Row map[string]any

// Connector is a live handle onto a Dataset's physical storage, materialized
// once per dataset name and held by the Data Connector Cache until eviction
// or invalidation.
type Connector interface {
	Metadata() domain.Metadata
	AsTabular(ctx context.Context) ([]Row, error)
	Close() error
}

// Factory materializes a Connector for a Dataset. Implementations must not
// perform partial loads observable to callers: a load either fully
// succeeds or returns an error with no Connector.
type Factory interface {
	Materialize(ctx context.Context, d domain.Dataset) (Connector, error)
}
