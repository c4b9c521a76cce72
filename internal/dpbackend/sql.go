package dpbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

// sqlResult is the JSON shape returned by the SQL adapter's Execute.
type sqlResult struct {
	Statistic string  `json:"statistic"`
	Column    string  `json:"column"`
	Value     float64 `json:"value"`
}

// SQLAdapter answers "STAT:column" statements (e.g. "COUNT:age", "SUM:age")
// against a materialized connector, using the Laplace mechanism for
// pure epsilon-DP. The column is looked up by name; there is no "*"
// wildcard. It is the simplest of the four adapters and the only one
// that parses a statement string.
type SQLAdapter struct{}

func NewSQLAdapter() SQLAdapter { return SQLAdapter{} }

func (SQLAdapter) parseStatement(statement string) (stat, column string, err error) {
	stat, column, ok := strings.Cut(statement, ":")
	if !ok {
		return "", "", fmt.Errorf("statement %q: want STAT:column", statement)
	}
	stat = strings.ToUpper(strings.TrimSpace(stat))
	column = strings.TrimSpace(column)
	if !supportedStatistics[stat] {
		return "", "", fmt.Errorf("unsupported statistic %q", stat)
	}
	if column == "" {
		return "", "", fmt.Errorf("statement %q: missing column", statement)
	}
	return stat, column, nil
}

func (a SQLAdapter) Validate(payload domain.QueryPayload) error {
	if payload.Tag != domain.LibrarySQL {
		return fmt.Errorf("%w: sql adapter received tag %q", domain.ErrInvalidQuery, payload.Tag)
	}
	if payload.Statement == "" {
		return fmt.Errorf("%w: empty statement", domain.ErrInvalidQuery)
	}
	if _, _, err := a.parseStatement(payload.Statement); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}
	return nil
}

// EstimateCost charges a flat epsilon per statistic kind: COUNT has
// sensitivity 1 regardless of scale, SUM/MEAN are charged more because an
// unbounded column gives them unbounded sensitivity in the absence of a
// declared clipping range.
func (a SQLAdapter) EstimateCost(payload domain.QueryPayload) (float64, float64, error) {
	stat, _, err := a.parseStatement(payload.Statement)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}
	switch stat {
	case "COUNT":
		return 0.05, 0, nil
	default:
		return 0.1, 0, nil
	}
}

func (a SQLAdapter) Execute(_ context.Context, conn connector.Connector, payload domain.QueryPayload) ([]byte, error) {
	stat, column, err := a.parseStatement(payload.Statement)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %s", domain.ErrExternalLib, err)
	}

	raw, err := rawStatistic(rows, stat, column)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	epsilon, _, err := a.EstimateCost(payload)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	noisy := raw + laplaceNoise(rng, 1/epsilon)

	return json.Marshal(sqlResult{Statistic: stat, Column: column, Value: noisy})
}
