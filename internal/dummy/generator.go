// Package dummy implements the Dummy Generator (DG): deterministic
// synthetic row generation from (metadata, nb_rows, seed), honoring each
// column's declared kind and bounds.
package dummy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

// Generator produces deterministic synthetic rows. It holds no state of
// its own — determinism comes entirely from the (metadata, nbRows, seed)
// arguments, so a single Generator value is safe for concurrent use.
type Generator struct{}

func New() Generator { return Generator{} }

// Generate returns nbRows synthetic rows for metadata, byte-identical
// across calls with the same seed. A fresh rand.Rand is constructed per
// call from a single seeded source so
// results never depend on call order or concurrent generation elsewhere
// in the process.
func (Generator) Generate(metadata domain.Metadata, nbRows int, seed int64) ([]connector.Row, error) {
	if nbRows < 0 {
		return nil, fmt.Errorf("nb_rows must be non-negative, got %d", nbRows)
	}

	rng := rand.New(rand.NewSource(seed))
	rows := make([]connector.Row, nbRows)

	for i := 0; i < nbRows; i++ {
		row := make(connector.Row, len(metadata.Columns))
		for _, col := range metadata.Columns {
			if col.Nullable && rng.Float64() < 0.5 {
				row[col.Name] = nil
				continue
			}
			v, err := generateValue(rng, col)
			if err != nil {
				return nil, err
			}
			row[col.Name] = v
		}
		rows[i] = row
	}

	return rows, nil
}

func generateValue(rng *rand.Rand, col domain.ColumnSpec) (any, error) {
	switch col.Kind {
	case domain.ColumnNumeric:
		if col.Max < col.Min {
			return nil, fmt.Errorf("column %q: max < min", col.Name)
		}
		return col.Min + rng.Float64()*(col.Max-col.Min), nil

	case domain.ColumnCategorical:
		if len(col.Categories) == 0 {
			return nil, fmt.Errorf("column %q: no categories defined", col.Name)
		}
		return col.Categories[rng.Intn(len(col.Categories))], nil

	case domain.ColumnDatetime:
		min, err := time.Parse(time.RFC3339, col.MinTime)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid min_time: %w", col.Name, err)
		}
		max, err := time.Parse(time.RFC3339, col.MaxTime)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid max_time: %w", col.Name, err)
		}
		if max.Before(min) {
			return nil, fmt.Errorf("column %q: max_time before min_time", col.Name)
		}
		span := max.Sub(min)
		offset := time.Duration(rng.Int63n(int64(span) + 1))
		return min.Add(offset).Format(time.RFC3339), nil

	default:
		return nil, fmt.Errorf("column %q: unknown column kind %q", col.Name, col.Kind)
	}
}
