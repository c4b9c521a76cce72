// Package cache implements the Data Connector Cache (DCC): a bounded,
// single-flight-loaded map from dataset name to live connector.Connector,
// grounded on the container/list LRU in Kocoro-lab-Shannon's
// internal/embeddings.LocalLRU and on golang.org/x/sync/singleflight to
// guarantee at most one loader runs per dataset at a time.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/metrics"
)

type entry struct {
	datasetName string
	conn        connector.Connector
}

// DCC is the Data Connector Cache. Factories is consulted by a Dataset's
// ConnectorKind to materialize a fresh connector.Connector on a miss.
type DCC struct {
	capacity  int
	factories map[domain.ConnectorKind]connector.Factory

	mu    sync.Mutex
	items map[string]*list.Element // dataset name -> list element
	order *list.List               // front = most recently used

	group singleflight.Group
}

func New(capacity int, factories map[domain.ConnectorKind]connector.Factory) *DCC {
	return &DCC{
		capacity:  capacity,
		factories: factories,
		items:     make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Acquire returns the live Connector for d, materializing it on a miss.
// Concurrent Acquire calls for the same dataset name collapse onto a
// single materialization via singleflight; a failed load never populates
// the cache, so a subsequent call retries cleanly.
func (c *DCC) Acquire(ctx context.Context, d domain.Dataset) (connector.Connector, error) {
	c.mu.Lock()
	if el, ok := c.items[d.Name]; ok {
		c.order.MoveToFront(el)
		conn := el.Value.(*entry).conn
		c.mu.Unlock()
		metrics.DCCHitsTotal.Inc()
		return conn, nil
	}
	c.mu.Unlock()

	metrics.DCCMissesTotal.Inc()
	v, err, _ := c.group.Do(d.Name, func() (any, error) {
		factory, ok := c.factories[d.ConnectorKind]
		if !ok {
			return nil, fmt.Errorf("no connector factory for kind %q", d.ConnectorKind)
		}
		conn, err := factory.Materialize(ctx, d)
		if err != nil {
			return nil, err
		}
		c.insert(d.Name, conn)
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("materialize connector for %q: %w", d.Name, err)
	}
	return v.(connector.Connector), nil
}

// Invalidate evicts d's connector, if held, closing it first.
func (c *DCC) Invalidate(_ context.Context, datasetName string) error {
	c.mu.Lock()
	el, ok := c.items[datasetName]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.items, datasetName)
	c.order.Remove(el)
	conn := el.Value.(*entry).conn
	c.mu.Unlock()

	return conn.Close()
}

func (c *DCC) insert(name string, conn connector.Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent Acquire for the same name may have already inserted
	// while we materialized — singleflight prevents duplicate loads for
	// the same key, but a prior evicted-and-reloaded entry could still
	// race here, so re-check before double-inserting.
	if el, ok := c.items[name]; ok {
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{datasetName: name, conn: conn})
	c.items[name] = el

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.items, evicted.datasetName)
		_ = evicted.conn.Close()
		metrics.DCCEvictionsTotal.Inc()
	}
}
