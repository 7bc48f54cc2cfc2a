package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hanadiary/pkg/domain"
	"hanadiary/pkg/store"
)

// ErrPermanent marks a failure that redelivery cannot fix (empty content,
// unusable input). The dispatcher skips the record without burning retries.
var ErrPermanent = errors.New("permanent failure")

// Consumer processes change records. Handle must be idempotent: the feed
// is at-least-once and the same record may arrive again after a crash.
type Consumer interface {
	Name() string
	Handle(ctx context.Context, record domain.ChangeRecord) error
}

// Config tunes the dispatcher.
type Config struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	BatchSize    int
}

// Dispatcher fans the change feed out to registered consumers. Each
// consumer runs on its own goroutine with its own durable cursor, so a slow
// or failing consumer never blocks the others. Records are delivered in
// feed order, which preserves per-key ordering; a record that keeps failing
// is retried MaxRetries times, then recorded as a terminal failure and
// skipped.
type Dispatcher struct {
	feed         store.ChangeFeed
	failures     store.FailureStore
	consumers    []Consumer
	pollInterval time.Duration
	retryDelay   time.Duration
	maxRetries   int
	batchSize    int
}

// NewDispatcher wires a dispatcher over the given feed.
func NewDispatcher(feed store.ChangeFeed, failures store.FailureStore, cfg Config, consumers ...Consumer) *Dispatcher {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		feed:         feed,
		failures:     failures,
		consumers:    consumers,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
		maxRetries:   maxRetries,
		batchSize:    batchSize,
	}
}

// Run blocks until ctx ends, polling the feed for every consumer.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range d.consumers {
		consumer := consumer
		g.Go(func() error {
			return d.consumeLoop(ctx, consumer)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context, consumer Consumer) error {
	position, err := d.feed.GetCursor(ctx, consumer.Name())
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := d.feed.ReadChanges(ctx, position, d.batchSize)
		if err != nil {
			slog.Warn("feed read failed", "consumer", consumer.Name(), "err", err)
			if !d.sleep(ctx, d.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if len(records) == 0 {
			if !d.sleep(ctx, d.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		for _, record := range records {
			if err := d.deliver(ctx, consumer, record); err != nil {
				return err
			}
			position = record.Sequence
			if err := d.feed.SetCursor(ctx, consumer.Name(), position); err != nil {
				return err
			}
		}
	}
}

// deliver hands one record to the consumer, retrying transient failures.
// It only returns an error when ctx ends; delivery failures advance past
// the record after the retry budget and a failure record.
func (d *Dispatcher) deliver(ctx context.Context, consumer Consumer, record domain.ChangeRecord) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		err := consumer.Handle(ctx, record)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			slog.Info("record skipped",
				"consumer", consumer.Name(), "sequence", record.Sequence,
				"user_id", record.UserID, "date", record.Date, "reason", err)
			return nil
		}
		// A cancelled context means shutdown, not a bad record. Bail out
		// without a failure record so the record is redelivered on restart.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		slog.Warn("record delivery failed",
			"consumer", consumer.Name(), "sequence", record.Sequence,
			"user_id", record.UserID, "date", record.Date,
			"attempt", attempt, "err", err)
		if attempt < d.maxRetries && !d.sleep(ctx, d.retryDelay) {
			return ctx.Err()
		}
	}

	slog.Error("record permanently failed, advancing",
		"consumer", consumer.Name(), "sequence", record.Sequence,
		"user_id", record.UserID, "date", record.Date, "err", lastErr)
	if err := d.failures.RecordFailure(ctx, store.Failure{
		Consumer:     consumer.Name(),
		UserID:       record.UserID,
		Date:         record.Date,
		Sequence:     record.Sequence,
		ErrorMessage: lastErr.Error(),
	}); err != nil {
		slog.Error("failure record write failed", "consumer", consumer.Name(), "err", err)
	}
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}
