package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hanadiary/pkg/domain"
)

// RedisJobQueue implements JobQueue on a Redis Stream consumer group.
// A delivered message stays pending (invisible) until acknowledged;
// XAutoClaim with MinIdle = visibility timeout re-delivers messages whose
// consumer went silent, which models the visibility-timeout state machine.
// Messages whose delivery count exceeds maxAttempts move to a dead-letter
// stream.
type RedisJobQueue struct {
	client            *redis.Client
	stream            string
	dlqStream         string
	group             string
	consumerBase      string
	visibilityTimeout time.Duration
	maxAttempts       int
	block             time.Duration
	maxLen            int64
	readCount         int64
	once              sync.Once
}

// RedisQueueConfig configures a RedisJobQueue.
type RedisQueueConfig struct {
	Addr              string
	Password          string
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	Block             time.Duration
	MaxLen            int64
	ReadCount         int64
}

// NewRedisJobQueue validates config and connects the client.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "composer"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &RedisJobQueue{
		client:            redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:            stream,
		dlqStream:         stream + ":dead",
		group:             group,
		consumerBase:      consumer,
		visibilityTimeout: visibility,
		maxAttempts:       maxAttempts,
		block:             block,
		maxLen:            maxLen,
		readCount:         readCount,
	}, nil
}

// Enqueue appends one composition job to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job domain.CompositionJob) error {
	if job.UserID == "" || job.Date == "" || job.RawImageRef == "" {
		return errors.New("userId, date and rawImageRef required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job),
	}).Err()
}

// Start launches concurrency consumer loops. They stop when ctx ends.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// ListDeadLetters returns the newest dead letters, most recent first.
func (q *RedisJobQueue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.client.XRevRangeN(ctx, q.dlqStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	letters := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		letters = append(letters, deadLetterFromValues(msg.Values))
	}
	return letters, nil
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Reclaim messages whose visibility window expired.
		if msgs, err := q.claimExpired(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimExpired(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.visibilityTimeout,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	job, ok := jobFromValues(msg.Values)
	if !ok {
		// Malformed payload: retrying cannot succeed.
		q.deadLetter(ctx, msg.ID, job, 0, "malformed message payload")
		return
	}
	attempt, err := q.bumpAttempt(ctx, msg.ID)
	if err != nil {
		// Without the counter we cannot enforce the retry bound; leave the
		// message pending for the next claim.
		return
	}
	if attempt > q.maxAttempts {
		q.deadLetter(ctx, msg.ID, job, attempt-1, q.lastError(ctx, msg.ID))
		return
	}
	if err := handler(ctx, job); err != nil {
		slog.Warn("composition job failed",
			"job_id", job.ID, "user_id", job.UserID, "date", job.Date,
			"attempt", attempt, "err", err)
		q.setLastError(ctx, msg.ID, err.Error())
		// Not acknowledged: the message stays pending and is redelivered
		// once its visibility window lapses.
		return
	}
	q.ackAndDel(ctx, msg.ID)
	q.clearMeta(ctx, msg.ID)
}

func (q *RedisJobQueue) deadLetter(ctx context.Context, msgID string, job domain.CompositionJob, attempts int, lastError string) {
	values := jobValues(job)
	values["attempts"] = strconv.Itoa(attempts)
	values["last_error"] = lastError
	values["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqStream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		slog.Error("dead-letter write failed", "job_id", job.ID, "err", err)
		return
	}
	slog.Error("composition job dead-lettered",
		"job_id", job.ID, "user_id", job.UserID, "date", job.Date,
		"attempts", attempts, "last_error", lastError)
	q.ackAndDel(ctx, msgID)
	q.clearMeta(ctx, msgID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// Delivery counts live in a small hash per message so the retry bound
// survives consumer crashes and claims by other consumers.
func (q *RedisJobQueue) bumpAttempt(ctx context.Context, msgID string) (int, error) {
	key := q.metaKey(msgID)
	n, err := q.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	_ = q.client.Expire(ctx, key, DefaultDeadLetterRetention).Err()
	return int(n), nil
}

func (q *RedisJobQueue) setLastError(ctx context.Context, msgID, msg string) {
	_ = q.client.HSet(ctx, q.metaKey(msgID), "last_error", msg).Err()
}

func (q *RedisJobQueue) lastError(ctx context.Context, msgID string) string {
	s, _ := q.client.HGet(ctx, q.metaKey(msgID), "last_error").Result()
	return s
}

func (q *RedisJobQueue) clearMeta(ctx context.Context, msgID string) {
	_ = q.client.Del(ctx, q.metaKey(msgID)).Err()
}

func (q *RedisJobQueue) metaKey(msgID string) string {
	return fmt.Sprintf("%s:meta:%s", q.stream, msgID)
}

func jobValues(job domain.CompositionJob) map[string]any {
	return map[string]any{
		"job_id":        job.ID,
		"user_id":       job.UserID,
		"date":          job.Date,
		"raw_image_ref": job.RawImageRef,
		"enqueued_at":   job.EnqueuedAt.Format(time.RFC3339Nano),
	}
}

func jobFromValues(values map[string]any) (domain.CompositionJob, bool) {
	job := domain.CompositionJob{
		ID:          stringValue(values, "job_id"),
		UserID:      stringValue(values, "user_id"),
		Date:        stringValue(values, "date"),
		RawImageRef: stringValue(values, "raw_image_ref"),
	}
	if v := stringValue(values, "enqueued_at"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.EnqueuedAt = t
		}
	}
	ok := job.ID != "" && job.UserID != "" && job.Date != "" && job.RawImageRef != ""
	return job, ok
}

func deadLetterFromValues(values map[string]any) DeadLetter {
	job, _ := jobFromValues(values)
	letter := DeadLetter{Job: job, LastError: stringValue(values, "last_error")}
	if v := stringValue(values, "attempts"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			letter.Attempts = n
		}
	}
	if v := stringValue(values, "dead_lettered_at"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			letter.DeadLetteredAt = t
		}
	}
	return letter
}

func stringValue(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}
