package connector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/privacytap/dpquery/internal/domain"
)

// pathConnector materializes a Dataset whose ConnectorKind is PATH: a
// local CSV file, one row per record, header row names the columns.
type pathConnector struct {
	metadata domain.Metadata
	rows     []Row
}

type PathFactory struct{}

func (PathFactory) Materialize(_ context.Context, d domain.Dataset) (Connector, error) {
	f, err := os.Open(d.Location)
	if err != nil {
		return nil, fmt.Errorf("open dataset file %q: %w", d.Location, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read dataset header %q: %w", d.Location, err)
	}

	var rows []Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row %q: %w", d.Location, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return &pathConnector{metadata: d.Metadata, rows: rows}, nil
}

func (c *pathConnector) Metadata() domain.Metadata { return c.metadata }

func (c *pathConnector) AsTabular(_ context.Context) ([]Row, error) {
	return c.rows, nil
}

func (c *pathConnector) Close() error { return nil }
