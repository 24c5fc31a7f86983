package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/google/uuid"
)

type memoryItem struct {
	id           int64
	body         []byte
	leaseID      string
	leaseExpires time.Time
	deliveries   int
}

// MemoryQueue is an in-process FIFO with lease expiry. Entries are stored
// encoded so they go through the same codec as the durable drivers.
type MemoryQueue struct {
	mu           sync.Mutex
	items        []*memoryItem
	nextID       int64
	leaseTimeout time.Duration
	changed      chan struct{}
	closed       bool
	now          func() time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given lease timeout
func NewMemoryQueue(leaseTimeout time.Duration) *MemoryQueue {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	return &MemoryQueue{
		leaseTimeout: leaseTimeout,
		changed:      make(chan struct{}),
		now:          time.Now,
	}
}

// WithClock replaces the time source used for lease expiry
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, entry domain.QueueEntry) error {
	body, err := domain.EncodeEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}

	q.nextID++
	q.items = append(q.items, &memoryItem{id: q.nextID, body: body})
	q.broadcastLocked()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, wait, changed, err := q.tryLease()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// tryLease leases the oldest eligible item. When nothing is eligible it
// returns how long to wait for the next lease to expire.
func (q *MemoryQueue) tryLease() (*Delivery, time.Duration, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, nil, domain.ErrQueueClosed
	}

	now := q.now()
	wait := q.leaseTimeout

	for i := 0; i < len(q.items); i++ {
		item := q.items[i]
		if item.leaseID != "" && now.Before(item.leaseExpires) {
			if remaining := item.leaseExpires.Sub(now); remaining < wait {
				wait = remaining
			}
			continue
		}

		entry, err := domain.DecodeEntry(item.body)
		if err != nil {
			// undecodable entries can never be processed
			q.items = append(q.items[:i], q.items[i+1:]...)
			i--
			continue
		}

		item.leaseID = uuid.NewString()
		item.leaseExpires = now.Add(q.leaseTimeout)
		item.deliveries++

		return &Delivery{
			Entry:       entry,
			Redelivered: item.deliveries > 1,
			Deliveries:  item.deliveries,
			entryID:     item.id,
			leaseID:     item.leaseID,
		}, 0, nil, nil
	}

	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait, q.changed, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.id != d.entryID {
			continue
		}
		if item.leaseID != d.leaseID {
			return ErrLeaseLost
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return nil
	}
	return ErrLeaseLost
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.id != d.entryID {
			continue
		}
		if item.leaseID != d.leaseID {
			return ErrLeaseLost
		}
		item.leaseID = ""
		item.leaseExpires = time.Time{}
		q.broadcastLocked()
		return nil
	}
	return ErrLeaseLost
}

// Len returns the number of stored entries, leased or not
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
	return nil
}

func (q *MemoryQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
