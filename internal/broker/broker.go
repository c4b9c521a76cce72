// Package broker implements the Task Broker (TB): a durable FIFO queue
// per backend-library partition with at-least-once delivery, dedup by
// job_id, visibility-timeout-driven redelivery, and a backlog depth
// reading. No high-water mark is enforced: the engine only publishes the
// depth as a metric and never rejects an admission because of it.
package broker

import (
	"context"
	"time"

	"github.com/privacytap/dpquery/internal/domain"
)

// Envelope is one dispatched unit of work: a job ID, its library tag, and
// the normalized payload a worker needs to execute it.
type Envelope struct {
	JobID       string
	UserID      string
	DatasetName string
	Payload     domain.QueryPayload
	SubmittedAt time.Time
}

// Delivery is a claimed Envelope plus the handle a worker acks or
// abandons.
type Delivery struct {
	Envelope Envelope
	// DeliveryTag identifies this specific delivery attempt to Ack/Nack —
	// distinct from JobID because at-least-once delivery may hand the
	// same JobID to a worker more than once.
	DeliveryTag string
}

// Reply is the terminal outcome of one job, published back to whichever
// Engine instance is awaiting it.
type Reply struct {
	JobID  string
	Status domain.Status
	Result []byte
	Detail string
}

// Broker is the Task Broker contract. One Broker instance is shared by
// every gin handler goroutine (producer side) and every worker pool
// instance (consumer side) in the process.
type Broker interface {
	// Enqueue durably records env for delivery to a worker handling its
	// library tag.
	Enqueue(ctx context.Context, env Envelope) error

	// Depth reports the backlog for tag. The engine reads it before
	// Enqueue only to set the broker backlog gauge.
	Depth(ctx context.Context, tag domain.LibraryTag) (int64, error)

	// Claim blocks up to block for the next pending envelope addressed to
	// tag. Returns (nil, nil) on a timeout with nothing claimed.
	Claim(ctx context.Context, tag domain.LibraryTag, consumer string, block time.Duration) (*Delivery, error)

	// Ack acknowledges successful (or terminally failed) processing of a
	// delivery, removing it from the pending set so it is never
	// redelivered.
	Ack(ctx context.Context, tag domain.LibraryTag, d Delivery) error

	// ReclaimStale reassigns deliveries idle longer than visibilityTimeout
	// back onto the pending set for tag, returning how many were
	// reclaimed. Called periodically by the worker pool's reaper loop.
	ReclaimStale(ctx context.Context, tag domain.LibraryTag, visibilityTimeout time.Duration) (int, error)

	// PublishReply delivers a terminal outcome to whichever caller is
	// awaiting jobID.
	PublishReply(ctx context.Context, reply Reply) error

	// AwaitReply blocks until a Reply for jobID arrives or ctx is done.
	AwaitReply(ctx context.Context, jobID string) (Reply, error)

	Ping(ctx context.Context) error
}
