package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  [][]byte
	deliveries chan amqp.Delivery
	acked      []uint64
	nacked     map[uint64]bool
	reconnects int
	consumes   int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan amqp.Delivery, 10),
		nacked:     make(map[uint64]bool),
	}
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumes++
	return b.deliveries, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked[tag] = requeue
	return nil
}

func (b *fakeBroker) Reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	b.deliveries = make(chan amqp.Delivery, 10)
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func newTestRabbitQueue(b *fakeBroker) *RabbitQueue {
	q := NewRabbitQueue(b, "worker-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.reconnectDelay = time.Millisecond
	return q
}

func TestRabbitQueue_EnqueuePublishesEnvelope(t *testing.T) {
	b := newFakeBroker()
	q := newTestRabbitQueue(b)

	require.NoError(t, q.Enqueue(context.Background(), newEntry("job-1")))
	require.Len(t, b.published, 1)

	entry, err := domain.DecodeEntry(b.published[0])
	require.NoError(t, err)
	assert.Equal(t, "job-1", entry.JobID)
}

func TestRabbitQueue_DequeueAckNack(t *testing.T) {
	b := newFakeBroker()
	q := newTestRabbitQueue(b)

	body, err := domain.EncodeEntry(newEntry("job-1"))
	require.NoError(t, err)

	b.deliveries <- amqp.Delivery{Body: []byte("not json"), DeliveryTag: 1}
	b.deliveries <- amqp.Delivery{Body: body, DeliveryTag: 2, Redelivered: true}

	d, err := dequeueWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.Entry.JobID)
	assert.True(t, d.Redelivered)

	requeue, nacked := b.nacked[1]
	assert.True(t, nacked, "malformed message is rejected")
	assert.False(t, requeue)

	require.NoError(t, q.Ack(context.Background(), d))
	assert.Equal(t, []uint64{2}, b.acked)

	require.NoError(t, q.Nack(context.Background(), d))
	assert.True(t, b.nacked[2])
}

func TestRabbitQueue_ReconnectsOnClosedChannel(t *testing.T) {
	b := newFakeBroker()
	q := newTestRabbitQueue(b)

	close(b.deliveries)

	go func() {
		for {
			b.mu.Lock()
			ready := b.reconnects > 0 && b.consumes > 1
			ch := b.deliveries
			b.mu.Unlock()
			if ready {
				body, _ := domain.EncodeEntry(newEntry("job-9"))
				ch <- amqp.Delivery{Body: body, DeliveryTag: 1}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d, err := dequeueWithin(t, q, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-9", d.Entry.JobID)
	assert.Equal(t, 1, b.reconnects)
}
