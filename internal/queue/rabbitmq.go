package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the subset of the RabbitMQ client the queue needs
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Reconnect() error
	Close() error
}

// RabbitQueue delivers entries through a durable RabbitMQ queue. The lease is
// the broker's unacked window, bounded by the queue's consumer timeout.
type RabbitQueue struct {
	broker         Broker
	logger         *slog.Logger
	consumerTag    string
	reconnectDelay time.Duration

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	generation int
	closed     bool
}

// NewRabbitQueue creates a queue on top of a connected broker client
func NewRabbitQueue(broker Broker, consumerTag string, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		broker:         broker,
		logger:         logger,
		consumerTag:    consumerTag,
		reconnectDelay: time.Second,
	}
}

func (q *RabbitQueue) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	body, err := domain.EncodeEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := q.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return domain.NewInfrastructureError("enqueue", err)
	}
	return nil
}

func (q *RabbitQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		deliveries, generation, err := q.consumer()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warn("RabbitMQ delivery channel closed")
				if err := q.restart(ctx, generation); err != nil {
					return nil, err
				}
				continue
			}

			entry, err := domain.DecodeEntry(d.Body)
			if err != nil {
				q.logger.Error("Failed to decode queue entry",
					slog.String("error", err.Error()),
					slog.Uint64("delivery_tag", d.DeliveryTag),
				)
				// malformed messages go to the dead letter exchange if one is bound
				if nackErr := q.broker.Nack(d.DeliveryTag, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			deliveriesCount := 1
			if d.Redelivered {
				deliveriesCount = 2
			}
			return &Delivery{
				Entry:       entry,
				Redelivered: d.Redelivered,
				Deliveries:  deliveriesCount,
				deliveryTag: d.DeliveryTag,
			}, nil
		}
	}
}

// consumer lazily starts the broker consumer shared by all callers
func (q *RabbitQueue) consumer() (<-chan amqp.Delivery, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, domain.ErrQueueClosed
	}

	if q.deliveries == nil {
		deliveries, err := q.broker.Consume(q.consumerTag)
		if err != nil {
			return nil, 0, domain.NewInfrastructureError("consume", err)
		}
		q.deliveries = deliveries
		q.generation++
	}
	return q.deliveries, q.generation, nil
}

// restart reconnects once per closed consumer generation
func (q *RabbitQueue) restart(ctx context.Context, generation int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if generation != q.generation || q.deliveries == nil {
		return nil
	}
	q.deliveries = nil

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(q.reconnectDelay):
	}

	if err := q.broker.Reconnect(); err != nil {
		return domain.NewInfrastructureError("reconnect", err)
	}

	q.logger.Info("RabbitMQ consumer reconnected")
	return nil
}

func (q *RabbitQueue) Ack(_ context.Context, d *Delivery) error {
	if err := q.broker.Ack(d.deliveryTag); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrLeaseLost
		}
		return domain.NewInfrastructureError("ack", err)
	}
	return nil
}

func (q *RabbitQueue) Nack(_ context.Context, d *Delivery) error {
	if err := q.broker.Nack(d.deliveryTag, true); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrLeaseLost
		}
		return domain.NewInfrastructureError("nack", err)
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	return q.broker.Close()
}
