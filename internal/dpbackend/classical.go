package dpbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

type classicalResult struct {
	Statistic string  `json:"statistic"`
	Column    string  `json:"column"`
	Value     float64 `json:"value"`
}

// ClassicalAdapter answers a single-column Statistic under approximate
// (epsilon, delta)-DP via the Gaussian mechanism — the "classical" textbook
// mechanism family, distinct from the Laplace-based SQL/PIPELINE/SYNTH
// adapters. It is the one tag that requires a caller-supplied FixedDelta.
type ClassicalAdapter struct {
	// DefaultSensitivity bounds the assumed L2 sensitivity of SUM/MEAN
	// statistics; COUNT always has sensitivity 1.
	DefaultSensitivity float64
}

func NewClassicalAdapter() ClassicalAdapter {
	return ClassicalAdapter{DefaultSensitivity: 1.0}
}

func (a ClassicalAdapter) Validate(payload domain.QueryPayload) error {
	if payload.Tag != domain.LibraryClassical {
		return fmt.Errorf("%w: classical adapter received tag %q", domain.ErrInvalidQuery, payload.Tag)
	}
	if !supportedStatistics[payload.Statistic] {
		return fmt.Errorf("%w: unsupported statistic %q", domain.ErrInvalidQuery, payload.Statistic)
	}
	if len(payload.Columns) != 1 {
		return fmt.Errorf("%w: classical query takes exactly one column", domain.ErrInvalidQuery)
	}
	if payload.FixedDelta == nil || *payload.FixedDelta <= 0 {
		return fmt.Errorf("%w: classical query requires a positive fixed_delta", domain.ErrInvalidQuery)
	}
	return nil
}

// EstimateCost fixes epsilon at a configuration-independent default and
// takes delta directly from the caller's FixedDelta, since the Gaussian
// mechanism's noise scale is a function of both.
func (a ClassicalAdapter) EstimateCost(payload domain.QueryPayload) (float64, float64, error) {
	if err := a.Validate(payload); err != nil {
		return 0, 0, err
	}
	return 0.15, *payload.FixedDelta, nil
}

func (a ClassicalAdapter) Execute(_ context.Context, conn connector.Connector, payload domain.QueryPayload) ([]byte, error) {
	if err := a.Validate(payload); err != nil {
		return nil, err
	}

	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %s", domain.ErrExternalLib, err)
	}

	column := payload.Columns[0]
	raw, err := rawStatistic(rows, payload.Statistic, column)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	epsilon, delta, err := a.EstimateCost(payload)
	if err != nil {
		return nil, err
	}
	// Standard Gaussian mechanism calibration: sigma = sensitivity *
	// sqrt(2 ln(1.25/delta)) / epsilon.
	sensitivity := a.DefaultSensitivity
	if payload.Statistic == "COUNT" {
		sensitivity = 1
	}
	sigma := sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	noisy := raw + gaussianNoise(rng, sigma)

	return json.Marshal(classicalResult{Statistic: payload.Statistic, Column: column, Value: noisy})
}
