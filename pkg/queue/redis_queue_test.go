package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hanadiary/pkg/domain"
)

func newTestQueue(t *testing.T, maxAttempts int) (*RedisJobQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:              redisSrv.Addr(),
		Stream:            "test:compose",
		Group:             "test-group",
		Consumer:          "consumer-1",
		MaxAttempts:       maxAttempts,
		VisibilityTimeout: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func testJob() domain.CompositionJob {
	return domain.CompositionJob{
		UserID:      "u1",
		Date:        "2024-06-01",
		RawImageRef: "flowers/raw/u1/2024-06-01.png",
	}
}

func deliverOne(t *testing.T, q *RedisJobQueue, ctx context.Context) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one delivery, got %+v", streams)
	}
	return streams[0].Messages[0]
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	q, ctx := newTestQueue(t, 5)
	if err := q.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg := deliverOne(t, q, ctx)
	var got domain.CompositionJob
	q.handleMessage(ctx, msg, func(_ context.Context, job domain.CompositionJob) error {
		got = job
		return nil
	})

	if got.UserID != "u1" || got.Date != "2024-06-01" || got.ID == "" {
		t.Fatalf("handler saw wrong job: %+v", got)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending after ack, got %d", pending.Count)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("expected message deleted from stream, got len=%d", n)
	}
}

func TestFailedMessageStaysInFlightAndIsReclaimed(t *testing.T) {
	q, ctx := newTestQueue(t, 5)
	if err := q.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg := deliverOne(t, q, ctx)
	q.handleMessage(ctx, msg, func(context.Context, domain.CompositionJob) error {
		return errors.New("render failed")
	})

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("failed message must stay pending, got %d", pending.Count)
	}

	// After the visibility window the message is claimable by any consumer.
	time.Sleep(5 * time.Millisecond)
	claimed, err := q.claimExpired(ctx, "consumer-2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != msg.ID {
		t.Fatalf("expected to reclaim the failed message, got %+v", claimed)
	}
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	const maxAttempts = 2
	q, ctx := newTestQueue(t, maxAttempts)
	if err := q.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries := 0
	fail := func(context.Context, domain.CompositionJob) error {
		deliveries++
		return errors.New("render failed")
	}

	msg := deliverOne(t, q, ctx)
	q.handleMessage(ctx, msg, fail)
	for i := 0; i < maxAttempts; i++ {
		time.Sleep(5 * time.Millisecond)
		claimed, err := q.claimExpired(ctx, "consumer-1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) == 0 {
			break
		}
		q.handleMessage(ctx, claimed[0], fail)
	}

	if deliveries != maxAttempts {
		t.Fatalf("handler ran %d times, want exactly %d", deliveries, maxAttempts)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("dead-lettered message must leave the primary stream, len=%d", n)
	}
	pending, _ := q.client.XPending(ctx, q.stream, q.group).Result()
	if pending.Count != 0 {
		t.Fatalf("dead-lettered message must not stay pending, got %d", pending.Count)
	}

	letters, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].Job.UserID != "u1" || letters[0].Attempts != maxAttempts {
		t.Fatalf("unexpected dead letter: %+v", letters[0])
	}
	if letters[0].LastError != "render failed" {
		t.Fatalf("dead letter should carry the last error, got %q", letters[0].LastError)
	}
}

func TestMalformedMessageGoesStraightToDeadLetter(t *testing.T) {
	q, ctx := newTestQueue(t, 5)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job_id": "x"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msg := deliverOne(t, q, ctx)
	q.handleMessage(ctx, msg, func(context.Context, domain.CompositionJob) error {
		t.Fatal("handler must not run for malformed payloads")
		return nil
	})

	letters, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	q, ctx := newTestQueue(t, 5)
	if err := q.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := deliverOne(t, q, ctx)
	job, ok := jobFromValues(msg.Values)
	if !ok {
		t.Fatalf("roundtrip decode failed: %+v", msg.Values)
	}
	if job.ID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", job)
	}
}

func TestEnqueueRejectsIncompleteJob(t *testing.T) {
	q, ctx := newTestQueue(t, 5)
	if err := q.Enqueue(ctx, domain.CompositionJob{UserID: "u1"}); err == nil {
		t.Fatal("expected error for missing fields")
	}
}
