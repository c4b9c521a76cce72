package connector

import (
	"context"

	"github.com/privacytap/dpquery/internal/domain"
)

// memoryConnector backs ConnectorKind IN_MEMORY: a fixed in-process row
// set, used for demo datasets and tests where no physical storage exists.
type memoryConnector struct {
	metadata domain.Metadata
	rows     []Row
}

type MemoryFactory struct {
	// Rows is keyed by dataset name so a single factory instance can serve
	// every IN_MEMORY dataset registered in the catalog.
	Rows map[string][]Row
}

func (f MemoryFactory) Materialize(_ context.Context, d domain.Dataset) (Connector, error) {
	return &memoryConnector{metadata: d.Metadata, rows: f.Rows[d.Name]}, nil
}

func (c *memoryConnector) Metadata() domain.Metadata { return c.metadata }

func (c *memoryConnector) AsTabular(_ context.Context) ([]Row, error) {
	return c.rows, nil
}

func (c *memoryConnector) Close() error { return nil }
