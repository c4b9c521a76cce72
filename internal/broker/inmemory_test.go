package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/domain"
)

func TestInMemory_EnqueueClaimAck(t *testing.T) {
	b := broker.NewInMemory()
	env := broker.Envelope{JobID: "job-1", Payload: domain.QueryPayload{Tag: domain.LibrarySQL}}

	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := b.Depth(context.Background(), domain.LibrarySQL); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	delivery, err := b.Claim(context.Background(), domain.LibrarySQL, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if delivery == nil || delivery.Envelope.JobID != "job-1" {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
	if depth, _ := b.Depth(context.Background(), domain.LibrarySQL); depth != 0 {
		t.Fatalf("depth after claim = %d, want 0", depth)
	}

	if err := b.Ack(context.Background(), domain.LibrarySQL, *delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestInMemory_Claim_TimesOutWithNothingPending(t *testing.T) {
	b := broker.NewInMemory()
	delivery, err := b.Claim(context.Background(), domain.LibrarySQL, "worker-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivery != nil {
		t.Fatalf("expected no delivery, got %+v", delivery)
	}
}

func TestInMemory_ReclaimStale_RedeliversUnacked(t *testing.T) {
	b := broker.NewInMemory()
	env := broker.Envelope{JobID: "job-1", Payload: domain.QueryPayload{Tag: domain.LibrarySQL}}
	if err := b.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Claim(context.Background(), domain.LibrarySQL, "worker-1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	n, err := b.ReclaimStale(context.Background(), domain.LibrarySQL, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	if depth, _ := b.Depth(context.Background(), domain.LibrarySQL); depth != 1 {
		t.Fatalf("depth after reclaim = %d, want 1 (redelivered)", depth)
	}
}

func TestInMemory_AwaitReply_ReceivesPublishedReply(t *testing.T) {
	b := broker.NewInMemory()

	done := make(chan broker.Reply, 1)
	go func() {
		reply, err := b.AwaitReply(context.Background(), "job-1")
		if err != nil {
			t.Errorf("await reply: %v", err)
			return
		}
		done <- reply
	}()

	// Give AwaitReply time to register its waiter before publishing.
	time.Sleep(10 * time.Millisecond)
	if err := b.PublishReply(context.Background(), broker.Reply{JobID: "job-1", Status: domain.StatusOK}); err != nil {
		t.Fatalf("publish reply: %v", err)
	}

	select {
	case reply := <-done:
		if reply.Status != domain.StatusOK {
			t.Errorf("status = %v, want OK", reply.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestInMemory_AwaitReply_ContextCancelled(t *testing.T) {
	b := broker.NewInMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.AwaitReply(ctx, "job-never-replied")
	if err == nil {
		t.Fatal("expected error on context cancellation")
	}
}

func TestInMemory_PublishReply_NoWaiter_NotAnError(t *testing.T) {
	b := broker.NewInMemory()
	if err := b.PublishReply(context.Background(), broker.Reply{JobID: "nobody-waiting"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
