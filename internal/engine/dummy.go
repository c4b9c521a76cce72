package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

// dummyConnector wraps Dummy Generator output as a Connector so a real
// Querier can run its normal execution path against synthetic data,
// without ever touching the live dataset or its budget.
func (e *Engine) dummyConnector(ctx context.Context, dataset domain.Dataset, nbRows int, seed int64) (connector.Connector, error) {
	rows, err := e.dg.Generate(dataset.Metadata, nbRows, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	factory := connector.MemoryFactory{Rows: map[string][]connector.Row{dataset.Name: rows}}
	return factory.Materialize(ctx, dataset)
}

// ExecuteDummyQuery shares the gate check and grant check with real
// queries, but runs the submitted query against data the Dummy Generator
// produces rather than the live dataset: the Querier itself is exercised,
// just against a synthetic frame, so no privacy is spent and no CAS debit
// ever happens.
func (e *Engine) ExecuteDummyQuery(ctx context.Context, userID, datasetName string, payload domain.QueryPayload, nbRows int, seed int64) ([]byte, error) {
	start := time.Now()
	defer func() { e.shaper.Apply(time.Since(start), ctx.Done()) }()

	if err := e.gateCheck(ctx, userID); err != nil {
		return nil, err
	}
	if !payload.Tag.Valid() {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, domain.ErrUnknownLibraryTag)
	}
	querier, err := e.registry.Lookup(payload.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	if err := querier.Validate(payload); err != nil {
		return nil, err
	}

	dataset, err := e.catalog.GetDataset(ctx, datasetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	if err := e.checkGrant(ctx, userID, datasetName); err != nil {
		return nil, err
	}

	conn, err := e.dummyConnector(ctx, dataset, nbRows, seed)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	result, err := querier.Execute(ctx, conn, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExternalLib, err)
	}

	e.archive(context.WithoutCancel(ctx), domain.Archive{
		JobID:       uuid.NewString(),
		UserID:      userID,
		DatasetName: datasetName,
		LibraryTag:  payload.Tag,
		PayloadHash: fmt.Sprintf("dummy:seed=%d:rows=%d:%s", seed, nbRows, hashPayload(payload)),
		Status:      domain.StatusOK,
		SubmittedAt: start,
		CompletedAt: time.Now(),
	})

	return result, nil
}

// GetDummyDataset serves the separate "just hand back synthetic rows"
// contract: no backend is consulted, the Dummy Generator's output is
// returned verbatim. A grant is still required, since this still
// discloses the shape of a dataset the user might not otherwise see.
func (e *Engine) GetDummyDataset(ctx context.Context, userID, datasetName string, nbRows int, seed int64) ([]byte, error) {
	if err := e.gateCheck(ctx, userID); err != nil {
		return nil, err
	}

	dataset, err := e.catalog.GetDataset(ctx, datasetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	if err := e.checkGrant(ctx, userID, datasetName); err != nil {
		return nil, err
	}

	rows, err := e.dg.Generate(dataset.Metadata, nbRows, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal dummy rows: %v", domain.ErrInternal, err)
	}
	return body, nil
}
