package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/privacytap/dpquery/internal/domain"
)

const consumerGroup = "workers"

// RedisBroker implements Broker over Redis Streams: one stream per
// library tag (XADD/XREADGROUP/XACK), visibility-timeout recovery via
// XPENDING+XCLAIM, and a durable per-job reply list (RPUSH/BLPOP). Grounded
// on go-redis/v9 as used by wisbric-nightowl's internal/platform.Redis
// client construction, generalized from request/response key-value use to
// the Streams consumer-group API Streams semantics require. The reply list
// is used instead of Pub/Sub deliberately: a Pub/Sub publish delivers only
// to subscribers already connected, so a worker finishing a job before the
// engine's AwaitReply call subscribes would drop the reply silently. RPUSH
// has no such race — it persists the reply regardless of when BLPOP starts
// waiting — at the cost of the caller owning cleanup of an expired key.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func streamKey(tag domain.LibraryTag) string {
	return fmt.Sprintf("dpquery:jobs:%s", tag)
}

// replyListTTL bounds how long an unclaimed reply survives: long enough to
// outlast any reasonable AwaitReply timeout, short enough that a reply for
// a job nobody is waiting on anymore doesn't linger forever.
const replyListTTL = 10 * time.Minute

func replyListKey(jobID string) string {
	return fmt.Sprintf("dpquery:reply:%s", jobID)
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

type wireEnvelope struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	DatasetName string    `json:"dataset_name"`
	Payload     []byte    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (b *RedisBroker) ensureGroup(ctx context.Context, tag domain.LibraryTag) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(tag), consumerGroup, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("xgroup create: %w", err)
}

func (b *RedisBroker) Enqueue(ctx context.Context, env Envelope) error {
	if err := b.ensureGroup(ctx, env.Payload.Tag); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	wire := wireEnvelope{
		JobID:       env.JobID,
		UserID:      env.UserID,
		DatasetName: env.DatasetName,
		Payload:     payloadJSON,
		SubmittedAt: env.SubmittedAt,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(env.Payload.Tag),
		Values: map[string]any{"envelope": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Depth returns XLEN, the stream's total length. Acknowledged entries are
// never trimmed, so the count includes processed jobs as well as the
// pending backlog.
func (b *RedisBroker) Depth(ctx context.Context, tag domain.LibraryTag) (int64, error) {
	n, err := b.rdb.XLen(ctx, streamKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) Claim(ctx context.Context, tag domain.LibraryTag, consumer string, block time.Duration) (*Delivery, error) {
	if err := b.ensureGroup(ctx, tag); err != nil {
		return nil, err
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{streamKey(tag), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	return b.toDelivery(msg)
}

func (b *RedisBroker) toDelivery(msg redis.XMessage) (*Delivery, error) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s missing envelope field", msg.ID)
	}
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var payload domain.QueryPayload
	if err := json.Unmarshal(wire.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return &Delivery{
		Envelope: Envelope{
			JobID:       wire.JobID,
			UserID:      wire.UserID,
			DatasetName: wire.DatasetName,
			Payload:     payload,
			SubmittedAt: wire.SubmittedAt,
		},
		DeliveryTag: msg.ID,
	}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, tag domain.LibraryTag, d Delivery) error {
	if err := b.rdb.XAck(ctx, streamKey(tag), consumerGroup, d.DeliveryTag).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// ReclaimStale claims back any pending entry idle longer than
// visibilityTimeout under a throwaway reaper consumer name, re-adds its
// fields to the stream as a new entry and acks the stale one, so the
// regular poll loop picks the job up again on its next Claim. This is the
// Streams-native expression of the visibility-timeout recovery a worker
// that dies mid-job needs.
func (b *RedisBroker) ReclaimStale(ctx context.Context, tag domain.LibraryTag, visibilityTimeout time.Duration) (int, error) {
	if err := b.ensureGroup(ctx, tag); err != nil {
		return 0, err
	}

	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(tag),
		Group:  consumerGroup,
		Idle:   visibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey(tag),
		Group:    consumerGroup,
		Consumer: "reaper-" + uuid.NewString(),
		MinIdle:  visibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xclaim: %w", err)
	}
	for _, msg := range claimed {
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(tag), Values: msg.Values}).Err(); err != nil {
			return 0, fmt.Errorf("xadd reclaimed: %w", err)
		}
		if err := b.rdb.XAck(ctx, streamKey(tag), consumerGroup, msg.ID).Err(); err != nil {
			return 0, fmt.Errorf("xack reclaimed: %w", err)
		}
	}
	return len(claimed), nil
}

func (b *RedisBroker) PublishReply(ctx context.Context, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	key := replyListKey(reply.JobID)
	if err := b.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("rpush reply: %w", err)
	}
	if err := b.rdb.Expire(ctx, key, replyListTTL).Err(); err != nil {
		return fmt.Errorf("expire reply: %w", err)
	}
	return nil
}

// AwaitReply blocks on the job's reply list rather than subscribing to a
// channel, so a reply pushed before this call runs is still delivered —
// BLPOP, unlike Pub/Sub, never drops a message that arrived before the
// waiter did. A timeout of 0 tells Redis to block indefinitely; the caller's
// context deadline is what actually bounds the wait.
func (b *RedisBroker) AwaitReply(ctx context.Context, jobID string) (Reply, error) {
	key := replyListKey(jobID)
	result, err := b.rdb.BLPop(ctx, 0, key).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("blpop reply: %w", err)
	}
	// BLPop returns [key, value].
	if len(result) != 2 {
		return Reply{}, fmt.Errorf("unexpected blpop result for job %s", jobID)
	}
	var reply Reply
	if err := json.Unmarshal([]byte(result[1]), &reply); err != nil {
		return Reply{}, fmt.Errorf("unmarshal reply: %w", err)
	}
	return reply, nil
}
