// Package worker implements the claimer/reaper worker pool on top of the
// Task Broker: one pool for all enabled library tags, executing claimed
// jobs against the DP Backend Registry behind a circuit breaker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/dpbackend"
	"github.com/privacytap/dpquery/internal/metrics"
	"github.com/privacytap/dpquery/internal/repository"
)

// Pool runs claim/execute/reply loops for every library tag in its
// registry, plus one reaper loop per tag.
type Pool struct {
	broker   broker.Broker
	registry *dpbackend.Registry
	catalog  repository.CatalogStore
	dcc      *cache.DCC
	logger   *slog.Logger

	visibilityTimeout time.Duration
	pollBlock         time.Duration

	breakers   map[domain.LibraryTag]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

func NewPool(b broker.Broker, registry *dpbackend.Registry, catalog repository.CatalogStore, dcc *cache.DCC, logger *slog.Logger, visibilityTimeout time.Duration) *Pool {
	return &Pool{
		broker:            b,
		registry:          registry,
		catalog:           catalog,
		dcc:               dcc,
		logger:            logger.With("component", "worker"),
		visibilityTimeout: visibilityTimeout,
		pollBlock:         2 * time.Second,
		breakers:          make(map[domain.LibraryTag]*gobreaker.CircuitBreaker),
	}
}

func (p *Pool) breakerFor(tag domain.LibraryTag) *gobreaker.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	if cb, ok := p.breakers[tag]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(tag),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerStateChangesTotal.WithLabelValues(name, to.String()).Inc()
		},
	})
	p.breakers[tag] = cb
	return cb
}

// Run starts concurrencyPerTag claimer goroutines and one reaper goroutine
// per tag in registry, blocking until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, concurrencyPerTag int) {
	var wg sync.WaitGroup
	for _, tag := range p.registry.Tags() {
		tag := tag
		for i := 0; i < concurrencyPerTag; i++ {
			wg.Add(1)
			consumer := fmt.Sprintf("%s-%d", tag, i)
			go func() {
				defer wg.Done()
				p.claimLoop(ctx, tag, consumer)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reapLoop(ctx, tag)
		}()
	}
	wg.Wait()
}

func (p *Pool) claimLoop(ctx context.Context, tag domain.LibraryTag, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := p.broker.Claim(ctx, tag, consumer, p.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "tag", tag, "error", err)
			continue
		}
		if delivery == nil {
			continue
		}

		p.process(ctx, tag, *delivery)
	}
}

func (p *Pool) reapLoop(ctx context.Context, tag domain.LibraryTag) {
	ticker := time.NewTicker(p.visibilityTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.ReclaimStale(ctx, tag, p.visibilityTimeout)
			if err != nil {
				p.logger.Error("reclaim stale failed", "tag", tag, "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("reclaimed stale deliveries", "tag", tag, "count", n)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, tag domain.LibraryTag, delivery broker.Delivery) {
	start := time.Now()
	reply := p.execute(ctx, tag, delivery)
	metrics.JobExecutionDuration.WithLabelValues(string(tag)).Observe(time.Since(start).Seconds())
	metrics.JobsDispatchedTotal.WithLabelValues(string(tag), string(reply.Status)).Inc()

	if err := p.broker.PublishReply(ctx, reply); err != nil {
		p.logger.Error("publish reply failed", "job_id", reply.JobID, "error", err)
	}
	if err := p.broker.Ack(ctx, tag, delivery); err != nil {
		p.logger.Error("ack failed", "job_id", reply.JobID, "error", err)
	}
}

func (p *Pool) execute(ctx context.Context, tag domain.LibraryTag, delivery broker.Delivery) broker.Reply {
	env := delivery.Envelope

	querier, err := p.registry.Lookup(tag)
	if err != nil {
		return broker.Reply{JobID: env.JobID, Status: domain.StatusInternalFail, Detail: err.Error()}
	}

	if err := querier.Validate(env.Payload); err != nil {
		return broker.Reply{JobID: env.JobID, Status: domain.StatusLibFail, Detail: err.Error()}
	}

	dataset, err := p.catalog.GetDataset(ctx, env.DatasetName)
	if err != nil {
		return broker.Reply{JobID: env.JobID, Status: domain.StatusInternalFail, Detail: err.Error()}
	}

	conn, err := p.dcc.Acquire(ctx, dataset)
	if err != nil {
		return broker.Reply{JobID: env.JobID, Status: domain.StatusInternalFail, Detail: err.Error()}
	}

	cb := p.breakerFor(tag)
	result, err := cb.Execute(func() (any, error) {
		return querier.Execute(ctx, conn, env.Payload)
	})
	if err != nil {
		if errors.Is(err, domain.ErrExternalLib) {
			return broker.Reply{JobID: env.JobID, Status: domain.StatusLibFail, Detail: err.Error()}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return broker.Reply{JobID: env.JobID, Status: domain.StatusLibFail, Detail: "backend circuit open"}
		}
		return broker.Reply{JobID: env.JobID, Status: domain.StatusInternalFail, Detail: err.Error()}
	}

	return broker.Reply{JobID: env.JobID, Status: domain.StatusOK, Result: result.([]byte)}
}
