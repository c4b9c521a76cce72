package dpbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

type synthResult struct {
	Statistic string             `json:"statistic"`
	Values    map[string]float64 `json:"values"`
}

// SynthAdapter answers a Statistic computed independently over each of
// Columns, emulating a synthetic-release mechanism that publishes one
// noisy marginal per requested column rather than a single scalar.
type SynthAdapter struct{}

func NewSynthAdapter() SynthAdapter { return SynthAdapter{} }

func (SynthAdapter) Validate(payload domain.QueryPayload) error {
	if payload.Tag != domain.LibrarySynth {
		return fmt.Errorf("%w: synth adapter received tag %q", domain.ErrInvalidQuery, payload.Tag)
	}
	if !supportedStatistics[payload.Statistic] {
		return fmt.Errorf("%w: unsupported statistic %q", domain.ErrInvalidQuery, payload.Statistic)
	}
	if len(payload.Columns) == 0 {
		return fmt.Errorf("%w: synth query requires at least one column", domain.ErrInvalidQuery)
	}
	return nil
}

// EstimateCost charges per-column epsilon under basic sequential
// composition: a sum of per-column costs, with advanced composition
// out of scope.
func (a SynthAdapter) EstimateCost(payload domain.QueryPayload) (float64, float64, error) {
	if err := a.Validate(payload); err != nil {
		return 0, 0, err
	}
	perColumn := 0.05
	if payload.Statistic != "COUNT" {
		perColumn = 0.08
	}
	return perColumn * float64(len(payload.Columns)), 0, nil
}

func (a SynthAdapter) Execute(_ context.Context, conn connector.Connector, payload domain.QueryPayload) ([]byte, error) {
	if err := a.Validate(payload); err != nil {
		return nil, err
	}

	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %s", domain.ErrExternalLib, err)
	}

	totalEpsilon, _, err := a.EstimateCost(payload)
	if err != nil {
		return nil, err
	}
	perColumnEpsilon := totalEpsilon / float64(len(payload.Columns))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	values := make(map[string]float64, len(payload.Columns))
	for _, col := range payload.Columns {
		raw, err := rawStatistic(rows, payload.Statistic, col)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
		}
		values[col] = raw + laplaceNoise(rng, 1/perColumnEpsilon)
	}

	return json.Marshal(synthResult{Statistic: payload.Statistic, Values: values})
}
