package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"hanadiary/pkg/domain"
)

// AmqpJobQueue implements JobQueue on RabbitMQ. The primary queue is a
// quorum queue with a delivery limit; the broker moves messages that exceed
// it to a dead-letter queue via the configured dead-letter exchange, so the
// retry bound is enforced broker-side. Failed deliveries are requeued with
// a negative acknowledgement.
type AmqpJobQueue struct {
	conn        *amqp.Connection
	queueName   string
	dlqName     string
	maxAttempts int
	retryDelay  time.Duration
	retention   time.Duration
}

// AmqpQueueConfig configures an AmqpJobQueue.
type AmqpQueueConfig struct {
	URL                 string
	Queue               string
	MaxAttempts         int
	RetryDelay          time.Duration
	DeadLetterRetention time.Duration
}

// NewAmqpJobQueue connects to the broker and declares the queue topology.
func NewAmqpJobQueue(cfg AmqpQueueConfig) (*AmqpJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	queueName := strings.TrimSpace(cfg.Queue)
	if queueName == "" {
		return nil, errors.New("queue name required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	retention := cfg.DeadLetterRetention
	if retention <= 0 {
		retention = DefaultDeadLetterRetention
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	q := &AmqpJobQueue{
		conn:        conn,
		queueName:   queueName,
		dlqName:     queueName + ".dead",
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		retention:   retention,
	}
	if err := q.declare(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *AmqpJobQueue) declare() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	dlx := q.queueName + ".dlx"
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(q.dlqName, true, false, false, false, amqp.Table{
		"x-message-ttl": q.retention.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(q.dlqName, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	// x-delivery-limit counts redeliveries, not deliveries: a limit of N
	// allows N+1 handler runs before the broker dead-letters the message.
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(q.maxAttempts - 1),
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

// Enqueue publishes one composition job.
func (q *AmqpJobQueue) Enqueue(ctx context.Context, job domain.CompositionJob) error {
	if job.UserID == "" || job.Date == "" || job.RawImageRef == "" {
		return errors.New("userId, date and rawImageRef required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	return ch.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         body,
	})
}

// Start launches concurrency consumers, each on its own channel with a
// prefetch of one so a bad job cannot stall a batch.
func (q *AmqpJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, handler)
	}
}

func (q *AmqpJobQueue) consumeLoop(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := q.consumeOnce(ctx, handler); err != nil {
			slog.Warn("queue consume interrupted", "queue", q.queueName, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (q *AmqpJobQueue) consumeOnce(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			q.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (q *AmqpJobQueue) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	var job domain.CompositionJob
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		// Malformed payload: send straight to the dead-letter queue.
		_ = delivery.Nack(false, false)
		return
	}
	if err := handler(ctx, job); err != nil {
		slog.Warn("composition job failed",
			"job_id", job.ID, "user_id", job.UserID, "date", job.Date, "err", err)
		// Hold the message before the requeueing Nack. The broker has no
		// redelivery backoff and prefetch is one, so an immediate Nack
		// would spin the failing job through the handler back to back.
		select {
		case <-ctx.Done():
		case <-time.After(q.retryDelay):
		}
		// Requeue; the broker dead-letters once the delivery limit is hit.
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

// ListDeadLetters peeks at the dead-letter queue without consuming it.
func (q *AmqpJobQueue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	letters := make([]DeadLetter, 0, limit)
	for len(letters) < limit {
		delivery, ok, err := ch.Get(q.dlqName, false)
		if err != nil {
			return nil, fmt.Errorf("get dead letter: %w", err)
		}
		if !ok {
			break
		}
		letters = append(letters, deadLetterFromDelivery(delivery))
	}
	// Closing the channel requeues the unacked peeks.
	return letters, nil
}

// deadLetterFromDelivery rebuilds a DeadLetter from the headers the broker
// stamps on a dead-lettered message. Quorum queues track redeliveries in
// x-delivery-count; the first delivery is not counted, so the number of
// handler runs is that value plus one.
func deadLetterFromDelivery(delivery amqp.Delivery) DeadLetter {
	var job domain.CompositionJob
	_ = json.Unmarshal(delivery.Body, &job)
	letter := DeadLetter{Job: job, Attempts: 1}
	switch n := delivery.Headers["x-delivery-count"].(type) {
	case int32:
		letter.Attempts = int(n) + 1
	case int64:
		letter.Attempts = int(n) + 1
	case int:
		letter.Attempts = n + 1
	}
	if deaths, ok := delivery.Headers["x-death"].([]any); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if t, ok := death["time"].(time.Time); ok {
				letter.DeadLetteredAt = t
			}
		}
	}
	return letter
}

// Close releases the broker connection.
func (q *AmqpJobQueue) Close() error {
	return q.conn.Close()
}
