package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

type fakeConn struct {
	name   string
	closed int32
}

func (c *fakeConn) Metadata() domain.Metadata               { return domain.Metadata{DatasetName: c.name} }
func (c *fakeConn) AsTabular(_ context.Context) ([]connector.Row, error) { return nil, nil }
func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

type countingFactory struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *countingFactory) Materialize(_ context.Context, d domain.Dataset) (connector.Connector, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &fakeConn{name: d.Name}, nil
}

func newDCC(capacity int, factory connector.Factory) *cache.DCC {
	return cache.New(capacity, map[domain.ConnectorKind]connector.Factory{
		domain.ConnectorInMemory: factory,
	})
}

func TestAcquire_MissThenHit_MaterializesOnce(t *testing.T) {
	factory := &countingFactory{}
	dcc := newDCC(4, factory)
	d := domain.Dataset{Name: "patients", ConnectorKind: domain.ConnectorInMemory}

	first, err := dcc.Acquire(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := dcc.Acquire(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("expected the same connector instance on a cache hit")
	}
	if factory.calls != 1 {
		t.Errorf("materialize called %d times, want 1", factory.calls)
	}
}

func TestAcquire_ConcurrentCallsCollapseViaSingleflight(t *testing.T) {
	factory := &countingFactory{}
	dcc := newDCC(4, factory)
	d := domain.Dataset{Name: "patients", ConnectorKind: domain.ConnectorInMemory}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dcc.Acquire(context.Background(), d); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if factory.calls != 1 {
		t.Errorf("materialize called %d times across concurrent Acquire calls, want 1", factory.calls)
	}
}

func TestAcquire_EvictsLeastRecentlyUsedBeyondCapacity(t *testing.T) {
	factory := &countingFactory{}
	dcc := newDCC(2, factory)

	names := []string{"a", "b", "c"}
	for _, n := range names {
		if _, err := dcc.Acquire(context.Background(), domain.Dataset{Name: n, ConnectorKind: domain.ConnectorInMemory}); err != nil {
			t.Fatalf("acquire %s: %v", n, err)
		}
	}

	// "a" should have been evicted to make room for "c" once capacity 2 was
	// exceeded, so re-acquiring it materializes a fresh connector.
	if _, err := dcc.Acquire(context.Background(), domain.Dataset{Name: "a", ConnectorKind: domain.ConnectorInMemory}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if factory.calls != len(names)+1 {
		t.Errorf("materialize called %d times, want %d (including re-load of evicted entry)", factory.calls, len(names)+1)
	}
}

func TestAcquire_FailedLoadDoesNotPopulateCache(t *testing.T) {
	factory := &countingFactory{err: fmt.Errorf("connection refused")}
	dcc := newDCC(4, factory)
	d := domain.Dataset{Name: "patients", ConnectorKind: domain.ConnectorInMemory}

	if _, err := dcc.Acquire(context.Background(), d); err == nil {
		t.Fatal("expected error from failing factory")
	}

	factory.err = nil
	if _, err := dcc.Acquire(context.Background(), d); err != nil {
		t.Fatalf("expected retry to succeed after transient failure, got %v", err)
	}
	if factory.calls != 2 {
		t.Errorf("materialize called %d times, want 2 (failed then retried)", factory.calls)
	}
}

func TestInvalidate_ClosesAndRemovesEntry(t *testing.T) {
	factory := &countingFactory{}
	dcc := newDCC(4, factory)
	d := domain.Dataset{Name: "patients", ConnectorKind: domain.ConnectorInMemory}

	conn, err := dcc.Acquire(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := dcc.Invalidate(context.Background(), d.Name); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.(*fakeConn).closed != 1 {
		t.Error("expected invalidated connector to be closed")
	}

	if _, err := dcc.Acquire(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if factory.calls != 2 {
		t.Errorf("materialize called %d times after invalidate+reacquire, want 2", factory.calls)
	}
}

func TestAcquire_UnknownConnectorKind_Errors(t *testing.T) {
	dcc := cache.New(4, map[domain.ConnectorKind]connector.Factory{})
	_, err := dcc.Acquire(context.Background(), domain.Dataset{Name: "x", ConnectorKind: domain.ConnectorS3})
	if err == nil {
		t.Fatal("expected error for unregistered connector kind")
	}
}
