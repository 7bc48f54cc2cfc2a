package queue

import (
	"context"
	"time"

	"hanadiary/pkg/domain"
)

// Handler processes one composition job. A nil return acknowledges the
// message; an error leaves it in flight so the queue redelivers it after the
// visibility timeout.
type Handler func(ctx context.Context, job domain.CompositionJob) error

// JobQueue is a durable point-to-point queue for composition jobs with
// visibility-timeout redelivery and a bounded retry budget. Messages that
// exhaust the budget land in a dead-letter sink and are never redelivered
// to the primary consumer.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.CompositionJob) error
	Start(ctx context.Context, concurrency int, handler Handler)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// DeadLetter is a terminally failed composition job held for inspection.
type DeadLetter struct {
	Job            domain.CompositionJob `json:"job"`
	Attempts       int                   `json:"attempts"`
	LastError      string                `json:"lastError"`
	DeadLetteredAt time.Time             `json:"deadLetteredAt"`
}

const (
	// DefaultMaxAttempts mirrors the deployment policy of five deliveries
	// before dead-lettering.
	DefaultMaxAttempts = 5
	// DefaultRetryDelay is how long a failed message is held back before
	// it is requeued for another attempt.
	DefaultRetryDelay = 2 * time.Second
	// DefaultVisibilityTimeout is how long a delivered message stays
	// invisible before it becomes eligible for redelivery.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultDeadLetterRetention bounds how long dead letters are kept.
	DefaultDeadLetterRetention = 14 * 24 * time.Hour
)
