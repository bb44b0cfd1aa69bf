package effects

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueueWithClient(client, visibility)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "eff-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "eff-1" {
		t.Fatalf("dequeued %q, want eff-1", id)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("depth after dequeue = %d, want 0", depth)
	}

	// Lease holds: nothing is reclaimable before the deadline.
	if ids, _ := q.RequeueExpired(ctx, time.Now(), 10); len(ids) != 0 {
		t.Fatalf("unexpired lease reclaimed: %v", ids)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(ids) != 0 {
		t.Fatalf("acked effect reclaimed: %v", ids)
	}
}

func TestDequeueEmptyReturnsNoID(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	id, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if id != "" {
		t.Fatalf("dequeued %q from empty queue", id)
	}
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 50*time.Millisecond)

	if err := q.Enqueue(ctx, "eff-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "eff-1" {
		t.Fatalf("reclaimed %v, want [eff-1]", ids)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "eff-1" {
		t.Fatalf("redelivery failed: id=%q err=%v", id, err)
	}
}

func TestScheduledEffectsPromoteWhenDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	runAt := time.Now().Add(10 * time.Second)
	if err := q.Schedule(ctx, "eff-1", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d effects before due time", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.DLQPush(ctx, "eff-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	if err := q.DLQPush(ctx, "eff-2"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 2 || items[0] != "eff-1" || items[1] != "eff-2" {
		t.Fatalf("dlq = %v, want oldest first", items)
	}
}
