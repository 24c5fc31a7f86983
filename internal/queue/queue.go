// Package queue hands job entries from the gateway to the worker pool.
//
// A dequeued entry is leased to exactly one caller. Ack removes it for good,
// Nack releases the lease for redelivery, and a lease that is neither acked
// nor nacked becomes eligible again once the lease timeout elapses.
package queue

import (
	"context"
	"errors"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// ErrLeaseLost is returned by Ack/Nack when the lease expired and the entry
// was handed to someone else
var ErrLeaseLost = errors.New("queue lease lost")

// Queue is the durable ordered handoff between submitter and workers
type Queue interface {
	// Enqueue durably stores the entry and makes it eligible for delivery
	Enqueue(ctx context.Context, entry domain.QueueEntry) error

	// Dequeue blocks until an entry is leased to the caller or ctx ends
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack removes a leased entry permanently
	Ack(ctx context.Context, d *Delivery) error

	// Nack releases the lease so the entry is delivered again
	Nack(ctx context.Context, d *Delivery) error

	// Close releases the queue's resources
	Close() error
}

// Delivery is one leased entry
type Delivery struct {
	Entry       domain.QueueEntry
	Redelivered bool
	Deliveries  int

	// driver specific lease handle
	entryID     int64
	leaseID     string
	deliveryTag uint64
}
