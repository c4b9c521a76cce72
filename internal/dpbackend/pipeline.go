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

// pipelineSpec is the JSON shape carried opaquely inside
// domain.QueryPayload.PipelineBlob — interpreted only by this adapter,
// which stands in for a custom pipeline serializer.
type pipelineSpec struct {
	Statistic string `json:"statistic"`
	Column    string `json:"column"`
	// ZCDP marks the pipeline as expressed in zero-concentrated DP, the
	// only case in which a caller-supplied FixedDelta is meaningful here.
	ZCDP bool `json:"zcdp"`
}

type pipelineResult struct {
	Statistic string  `json:"statistic"`
	Column    string  `json:"column"`
	Value     float64 `json:"value"`
}

// PipelineAdapter answers a pipelineSpec encoded as an opaque byte blob.
// It is otherwise structurally identical to the SQL adapter — the point
// of the PIPELINE tag is the wire shape, not a different privacy
// mechanism.
type PipelineAdapter struct{}

func NewPipelineAdapter() PipelineAdapter { return PipelineAdapter{} }

func (PipelineAdapter) decode(payload domain.QueryPayload) (pipelineSpec, error) {
	var spec pipelineSpec
	if len(payload.PipelineBlob) == 0 {
		return spec, fmt.Errorf("empty pipeline blob")
	}
	if err := json.Unmarshal(payload.PipelineBlob, &spec); err != nil {
		return spec, fmt.Errorf("decode pipeline blob: %w", err)
	}
	if !supportedStatistics[spec.Statistic] {
		return spec, fmt.Errorf("unsupported statistic %q", spec.Statistic)
	}
	if spec.Column == "" {
		return spec, fmt.Errorf("missing column")
	}
	return spec, nil
}

func (a PipelineAdapter) Validate(payload domain.QueryPayload) error {
	if payload.Tag != domain.LibraryPipeline {
		return fmt.Errorf("%w: pipeline adapter received tag %q", domain.ErrInvalidQuery, payload.Tag)
	}
	spec, err := a.decode(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}
	// Resolved Open Question: a caller-declared fixed_delta only makes
	// sense against a zCDP-expressed pipeline; anything else is rejected
	// at admission rather than silently ignored.
	if payload.FixedDelta != nil && !spec.ZCDP {
		return fmt.Errorf("%w: fixed_delta requires a zcdp pipeline", domain.ErrInvalidQuery)
	}
	return nil
}

func (a PipelineAdapter) EstimateCost(payload domain.QueryPayload) (float64, float64, error) {
	spec, err := a.decode(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	epsilon := 0.1
	if spec.Statistic == "COUNT" {
		epsilon = 0.05
	}

	delta := 0.0
	if spec.ZCDP && payload.FixedDelta != nil {
		delta = *payload.FixedDelta
	}
	return epsilon, delta, nil
}

func (a PipelineAdapter) Execute(_ context.Context, conn connector.Connector, payload domain.QueryPayload) ([]byte, error) {
	spec, err := a.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %s", domain.ErrExternalLib, err)
	}

	raw, err := rawStatistic(rows, spec.Statistic, spec.Column)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidQuery, err)
	}

	epsilon, _, err := a.EstimateCost(payload)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	noisy := raw + laplaceNoise(rng, 1/epsilon)

	return json.Marshal(pipelineResult{Statistic: spec.Statistic, Column: spec.Column, Value: noisy})
}
