package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacytap/dpquery/internal/domain"
)

type pendingDelivery struct {
	delivery  Delivery
	claimedAt time.Time
}

// InMemory is a single-process Broker implementation backed by per-tag
// channels, a bounded in-process substitute for the Redis-backed
// implementation when a single process is all that's needed. It is also
// what the broker and worker tests in this repository run against; the
// engine tests use their own fake broker.
type InMemory struct {
	mu      sync.Mutex
	queues  map[domain.LibraryTag][]Envelope
	pending map[domain.LibraryTag]map[string]pendingDelivery

	replyMu sync.Mutex
	waiters map[string]chan Reply

	notify chan struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		queues:  make(map[domain.LibraryTag][]Envelope),
		pending: make(map[domain.LibraryTag]map[string]pendingDelivery),
		waiters: make(map[string]chan Reply),
		notify:  make(chan struct{}, 1),
	}
}

func (b *InMemory) Ping(_ context.Context) error { return nil }

func (b *InMemory) Enqueue(_ context.Context, env Envelope) error {
	b.mu.Lock()
	b.queues[env.Payload.Tag] = append(b.queues[env.Payload.Tag], env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *InMemory) Depth(_ context.Context, tag domain.LibraryTag) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[tag])), nil
}

func (b *InMemory) Claim(ctx context.Context, tag domain.LibraryTag, _ string, block time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		q := b.queues[tag]
		if len(q) > 0 {
			env := q[0]
			b.queues[tag] = q[1:]
			d := Delivery{Envelope: env, DeliveryTag: uuid.NewString()}
			if b.pending[tag] == nil {
				b.pending[tag] = make(map[string]pendingDelivery)
			}
			b.pending[tag][d.DeliveryTag] = pendingDelivery{delivery: d, claimedAt: time.Now()}
			b.mu.Unlock()
			return &d, nil
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(wait):
		}
	}
}

func (b *InMemory) Ack(_ context.Context, tag domain.LibraryTag, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending[tag], d.DeliveryTag)
	return nil
}

func (b *InMemory) ReclaimStale(_ context.Context, tag domain.LibraryTag, visibilityTimeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reclaimed := 0
	for id, pd := range b.pending[tag] {
		if time.Since(pd.claimedAt) >= visibilityTimeout {
			delete(b.pending[tag], id)
			b.queues[tag] = append(b.queues[tag], pd.delivery.Envelope)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (b *InMemory) PublishReply(_ context.Context, reply Reply) error {
	b.replyMu.Lock()
	ch, ok := b.waiters[reply.JobID]
	if ok {
		delete(b.waiters, reply.JobID)
	}
	b.replyMu.Unlock()

	if !ok {
		return nil // no one awaiting (e.g. caller already gave up); not an error
	}
	ch <- reply
	return nil
}

func (b *InMemory) AwaitReply(ctx context.Context, jobID string) (Reply, error) {
	ch := make(chan Reply, 1)
	b.replyMu.Lock()
	b.waiters[jobID] = ch
	b.replyMu.Unlock()

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		b.replyMu.Lock()
		delete(b.waiters, jobID)
		b.replyMu.Unlock()
		return Reply{}, fmt.Errorf("await reply for job %s: %w", jobID, ctx.Err())
	}
}
