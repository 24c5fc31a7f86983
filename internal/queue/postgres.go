package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

// claimSQL leases the highest priority, oldest entry whose lease is free or
// expired. SKIP LOCKED lets concurrent workers claim distinct rows.
const claimSQL = `
	WITH candidate AS (
		SELECT id FROM queue_entries
		WHERE queue = $1
		  AND (lease_id IS NULL OR lease_expires_at < NOW())
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE queue_entries q
	SET lease_id = $2,
	    lease_expires_at = NOW() + ($3 * INTERVAL '1 millisecond'),
	    deliveries = q.deliveries + 1
	FROM candidate
	WHERE q.id = candidate.id
	RETURNING q.id, q.body, q.deliveries`

type claimedRow struct {
	ID         int64  `db:"id"`
	Body       []byte `db:"body"`
	Deliveries int    `db:"deliveries"`
}

// PostgresQueue stores entries in a PostgreSQL table and leases them with
// row locks. An unacked lease expires after leaseTimeout.
type PostgresQueue struct {
	db           *sqlx.DB
	logger       *slog.Logger
	name         string
	leaseTimeout time.Duration
	pollInterval time.Duration
}

// NewPostgresQueue creates a queue named name on db
func NewPostgresQueue(db *sqlx.DB, name string, leaseTimeout, pollInterval time.Duration, logger *slog.Logger) *PostgresQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &PostgresQueue{
		db:           db,
		logger:       logger,
		name:         name,
		leaseTimeout: leaseTimeout,
		pollInterval: pollInterval,
	}
}

// EnsureSchema creates the queue table and indexes when missing
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	body, err := domain.EncodeEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	query := `INSERT INTO queue_entries (queue, job_id, body, priority) VALUES ($1, $2, $3, $4)`
	if _, err := q.db.ExecContext(ctx, query, q.name, entry.JobID, string(body), entry.Priority); err != nil {
		return domain.NewInfrastructureError("enqueue", err)
	}

	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim leases one entry, or returns nil when the queue has nothing eligible
func (q *PostgresQueue) claim(ctx context.Context) (*Delivery, error) {
	leaseID := uuid.NewString()

	var row claimedRow
	err := q.db.GetContext(ctx, &row, claimSQL, q.name, leaseID, q.leaseTimeout.Milliseconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewInfrastructureError("dequeue", err)
	}

	entry, err := domain.DecodeEntry(row.Body)
	if err != nil {
		q.logger.Error("Dropping undecodable queue entry",
			slog.Int64("entry_id", row.ID),
			slog.String("error", err.Error()),
		)
		if _, delErr := q.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = $1 AND lease_id = $2`, row.ID, leaseID); delErr != nil {
			return nil, domain.NewInfrastructureError("drop entry", delErr)
		}
		return nil, nil
	}

	return &Delivery{
		Entry:       entry,
		Redelivered: row.Deliveries > 1,
		Deliveries:  row.Deliveries,
		entryID:     row.ID,
		leaseID:     leaseID,
	}, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.execLeased(ctx, "ack",
		`DELETE FROM queue_entries WHERE id = $1 AND lease_id = $2`,
		d.entryID, d.leaseID,
	)
}

func (q *PostgresQueue) Nack(ctx context.Context, d *Delivery) error {
	return q.execLeased(ctx, "nack",
		`UPDATE queue_entries SET lease_id = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_id = $2`,
		d.entryID, d.leaseID,
	)
}

// execLeased runs a statement fenced by the lease token
func (q *PostgresQueue) execLeased(ctx context.Context, op, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.NewInfrastructureError(op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.NewInfrastructureError(op, err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller
func (q *PostgresQueue) Close() error {
	return nil
}
