package queue

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func deadDelivery(t *testing.T, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(testJob())
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return amqp.Delivery{Body: body, Headers: headers}
}

func TestDeadLetterAttemptsFromDeliveryCount(t *testing.T) {
	// Quorum queues stamp redeliveries, not deliveries: a message that
	// died after 5 handler runs carries x-delivery-count=4.
	letter := deadLetterFromDelivery(deadDelivery(t, amqp.Table{
		"x-delivery-count": int64(4),
	}))
	if letter.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", letter.Attempts)
	}
	if letter.Job.UserID != "u1" || letter.Job.Date != "2024-06-01" {
		t.Fatalf("job not decoded: %+v", letter.Job)
	}
}

func TestDeadLetterAttemptsHandlesHeaderWidths(t *testing.T) {
	for _, headers := range []amqp.Table{
		{"x-delivery-count": int32(2)},
		{"x-delivery-count": int64(2)},
		{"x-delivery-count": 2},
	} {
		letter := deadLetterFromDelivery(deadDelivery(t, headers))
		if letter.Attempts != 3 {
			t.Fatalf("attempts = %d for %T, want 3", letter.Attempts, headers["x-delivery-count"])
		}
	}
}

func TestDeadLetterWithoutCountDefaultsToOneAttempt(t *testing.T) {
	// A malformed payload is dead-lettered on its first delivery and never
	// redelivered, so no x-delivery-count header is present.
	letter := deadLetterFromDelivery(deadDelivery(t, nil))
	if letter.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", letter.Attempts)
	}
}

func TestDeadLetterTimeFromDeathHeader(t *testing.T) {
	died := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	letter := deadLetterFromDelivery(deadDelivery(t, amqp.Table{
		"x-delivery-count": int64(4),
		"x-death": []any{
			amqp.Table{"count": int64(1), "time": died},
		},
	}))
	if !letter.DeadLetteredAt.Equal(died) {
		t.Fatalf("dead-lettered at %v, want %v", letter.DeadLetteredAt, died)
	}
}
