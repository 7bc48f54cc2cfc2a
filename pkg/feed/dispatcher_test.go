package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hanadiary/pkg/domain"
	"hanadiary/pkg/store"
)

type recordingConsumer struct {
	name string
	mu   sync.Mutex
	seen []domain.ChangeRecord
	fail func(record domain.ChangeRecord, attempt int) error
	hits map[uint64]int
}

func newRecordingConsumer(name string) *recordingConsumer {
	return &recordingConsumer{name: name, hits: make(map[uint64]int)}
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Handle(_ context.Context, record domain.ChangeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[record.Sequence]++
	if c.fail != nil {
		if err := c.fail(record, c.hits[record.Sequence]); err != nil {
			return err
		}
	}
	c.seen = append(c.seen, record)
	return nil
}

func (c *recordingConsumer) records() []domain.ChangeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChangeRecord, len(c.seen))
	copy(out, c.seen)
	return out
}

func runDispatcher(t *testing.T, d *Dispatcher, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("dispatcher: %v", err)
	}
}

func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
		MaxRetries:   3,
		BatchSize:    10,
	}
}

func seedEntries(t *testing.T, s *store.MemoryStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		date := fmt.Sprintf("2024-06-%02d", i+1)
		if _, err := s.UpsertEntry(context.Background(), domain.DiaryEntry{
			UserID: "u1", Date: date, Content: "day " + date,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestDispatcherDeliversInFeedOrder(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 5)

	consumer := newRecordingConsumer("title")
	d := NewDispatcher(s, s, fastConfig(), consumer)
	runDispatcher(t, d, 100*time.Millisecond)

	records := consumer.records()
	if len(records) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Sequence <= records[i-1].Sequence {
			t.Fatal("records delivered out of feed order")
		}
	}
}

func TestDispatcherConsumersAreIndependent(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 3)

	stuck := newRecordingConsumer("flower")
	stuck.fail = func(domain.ChangeRecord, int) error { return nil }
	blocker := newRecordingConsumer("title")
	blocker.fail = func(record domain.ChangeRecord, _ int) error {
		if record.Sequence == 1 {
			return errors.New("always failing")
		}
		return nil
	}

	d := NewDispatcher(s, s, fastConfig(), blocker, stuck)
	runDispatcher(t, d, 200*time.Millisecond)

	if len(stuck.records()) != 3 {
		t.Fatalf("healthy consumer must not be blocked, saw %d", len(stuck.records()))
	}
	// The failing consumer exhausts retries on record 1 and then advances.
	if len(blocker.records()) != 2 {
		t.Fatalf("failing consumer should advance past the bad record, saw %d", len(blocker.records()))
	}
}

func TestDispatcherRetriesThenRecordsTerminalFailure(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 1)

	consumer := newRecordingConsumer("flower")
	consumer.fail = func(domain.ChangeRecord, int) error { return errors.New("generation down") }

	d := NewDispatcher(s, s, fastConfig(), consumer)
	runDispatcher(t, d, 100*time.Millisecond)

	consumer.mu.Lock()
	attempts := consumer.hits[1]
	consumer.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}

	failures, err := s.ListFailures(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected one terminal failure record, got %d", len(failures))
	}
	if failures[0].Consumer != "flower" || failures[0].Sequence != 1 {
		t.Fatalf("unexpected failure record: %+v", failures[0])
	}

	// The cursor advanced; rerunning delivers nothing new.
	if pos, _ := s.GetCursor(context.Background(), "flower"); pos != 1 {
		t.Fatalf("cursor should sit past the failed record, got %d", pos)
	}
}

func TestDispatcherSkipsPermanentFailuresWithoutRetry(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 1)

	consumer := newRecordingConsumer("title")
	consumer.fail = func(domain.ChangeRecord, int) error {
		return fmt.Errorf("empty content: %w", ErrPermanent)
	}

	d := NewDispatcher(s, s, fastConfig(), consumer)
	runDispatcher(t, d, 50*time.Millisecond)

	consumer.mu.Lock()
	attempts := consumer.hits[1]
	consumer.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("permanent failures must not be retried, got %d attempts", attempts)
	}
	failures, _ := s.ListFailures(context.Background(), 10)
	if len(failures) != 0 {
		t.Fatalf("skips are not terminal failures, got %d records", len(failures))
	}
}

// cancellingConsumer cancels the run context from inside Handle, the way a
// shutdown interrupts an in-flight generation call.
type cancellingConsumer struct {
	cancel   context.CancelFunc
	attempts int
}

func (c *cancellingConsumer) Name() string { return "title" }

func (c *cancellingConsumer) Handle(ctx context.Context, _ domain.ChangeRecord) error {
	c.attempts++
	c.cancel()
	return ctx.Err()
}

func TestDispatcherShutdownIsNotATerminalFailure(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &cancellingConsumer{cancel: cancel}

	d := NewDispatcher(s, s, fastConfig(), consumer)
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if consumer.attempts != 1 {
		t.Fatalf("cancellation must not consume the retry budget, got %d attempts", consumer.attempts)
	}
	failures, err := s.ListFailures(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("shutdown must not be recorded as a failure, got %+v", failures)
	}
	// The record stays pending and is redelivered on the next run.
	if pos, _ := s.GetCursor(context.Background(), "title"); pos != 0 {
		t.Fatalf("cursor must not advance past an interrupted record, got %d", pos)
	}
}

func TestDispatcherResumesFromDurableCursor(t *testing.T) {
	s := store.NewMemoryStore()
	seedEntries(t, s, 3)

	first := newRecordingConsumer("title")
	d := NewDispatcher(s, s, fastConfig(), first)
	runDispatcher(t, d, 100*time.Millisecond)
	if len(first.records()) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(first.records()))
	}

	// A restarted dispatcher with the same consumer name sees only new work.
	seedEntries(t, s, 4) // re-upserts days 1-3 (MODIFY) and adds day 4 (INSERT)
	second := newRecordingConsumer("title")
	d = NewDispatcher(s, s, fastConfig(), second)
	runDispatcher(t, d, 100*time.Millisecond)

	records := second.records()
	if len(records) != 4 {
		t.Fatalf("expected only the 4 new records after restart, got %d", len(records))
	}
	for _, r := range records {
		if r.Sequence <= 3 {
			t.Fatalf("already-processed record redelivered: %+v", r)
		}
	}
}
