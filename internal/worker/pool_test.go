package worker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/dpbackend"
	"github.com/privacytap/dpquery/internal/worker"
)

type fakeCatalog struct {
	datasets map[string]domain.Dataset
}

func (c *fakeCatalog) GetDataset(_ context.Context, name string) (domain.Dataset, error) {
	d, ok := c.datasets[name]
	if !ok {
		return domain.Dataset{}, domain.ErrDatasetNotFound
	}
	return d, nil
}
func (c *fakeCatalog) ListDatasets(_ context.Context) ([]domain.Dataset, error) { return nil, nil }
func (c *fakeCatalog) CreateDataset(_ context.Context, d domain.Dataset) error {
	c.datasets[d.Name] = d
	return nil
}
func (c *fakeCatalog) DropDataset(_ context.Context, _ string) error     { return nil }
func (c *fakeCatalog) BulkLoad(_ context.Context, _ []byte) (int, error) { return 0, nil }
func (c *fakeCatalog) Invalidate(_ context.Context) error                { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_ProcessesEnqueuedJobAndPublishesReply(t *testing.T) {
	b := broker.NewInMemory()
	registry := dpbackend.NewRegistry()
	registry.Register(domain.LibrarySQL, dpbackend.NewSQLAdapter())

	cat := &fakeCatalog{datasets: map[string]domain.Dataset{
		"clinic_visits": {Name: "clinic_visits", ConnectorKind: domain.ConnectorInMemory},
	}}
	dcc := cache.New(4, map[domain.ConnectorKind]connector.Factory{
		domain.ConnectorInMemory: connector.MemoryFactory{
			Rows: map[string][]connector.Row{"clinic_visits": {{"age": 30.0}, {"age": 40.0}}},
		},
	})

	pool := worker.NewPool(b, registry, cat, dcc, testLogger(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx, 1)

	env := broker.Envelope{
		JobID:       "job-1",
		DatasetName: "clinic_visits",
		Payload:     domain.QueryPayload{Tag: domain.LibrarySQL, Statement: "COUNT:age"},
	}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	reply, err := b.AwaitReply(awaitCtx, "job-1")
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.Status != domain.StatusOK {
		t.Fatalf("status = %v, want OK (detail=%s)", reply.Status, reply.Detail)
	}
	if len(reply.Result) == 0 {
		t.Error("expected non-empty result")
	}
}

func TestPool_UnknownDataset_RepliesInternalFail(t *testing.T) {
	b := broker.NewInMemory()
	registry := dpbackend.NewRegistry()
	registry.Register(domain.LibrarySQL, dpbackend.NewSQLAdapter())
	cat := &fakeCatalog{datasets: map[string]domain.Dataset{}} // dataset never registered
	dcc := cache.New(4, map[domain.ConnectorKind]connector.Factory{})

	pool := worker.NewPool(b, registry, cat, dcc, testLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx, 1)

	env := broker.Envelope{
		JobID:       "job-2",
		DatasetName: "does-not-exist",
		Payload:     domain.QueryPayload{Tag: domain.LibrarySQL, Statement: "COUNT:age"},
	}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	reply, err := b.AwaitReply(awaitCtx, "job-2")
	if err != nil {
		t.Fatalf("await reply: %v", err)
	}
	if reply.Status != domain.StatusInternalFail {
		t.Fatalf("status = %v, want INTERNAL_FAIL", reply.Status)
	}
}
