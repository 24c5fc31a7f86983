package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for a duplicate primary key
const uniqueViolation = pq.ErrorCode("23505")

//go:embed schema.sql
var schemaSQL string

const jobColumns = `
	id, owner_id, file_name, input_ref, output_ref, operation_kind, scale_factor,
	strategy, requested_strategy, fallback_reason, quality_tier, algorithm, output_format,
	state, progress, error_detail, worker_id, attempts,
	input_size_bytes, input_width, input_height,
	output_size_bytes, output_width, output_height, schema_version,
	created_at, started_at, heartbeat_at, completed_at, duration_ms`

// PostgresStore handles job records in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the job table and indexes when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply job schema: %w", err)
	}
	return nil
}

// Create inserts a new job record
func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO image_jobs (
			id, owner_id, file_name, input_ref, output_ref, operation_kind, scale_factor,
			strategy, requested_strategy, quality_tier, algorithm, output_format,
			state, progress, input_size_bytes, input_width, input_height,
			schema_version, created_at
		) VALUES (
			:id, :owner_id, :file_name, :input_ref, :output_ref, :operation_kind, :scale_factor,
			:strategy, :requested_strategy, :quality_tier, :algorithm, :output_format,
			:state, :progress, :input_size_bytes, :input_width, :input_height,
			:schema_version, :created_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("failed to create job %s: %w", job.ID, domain.ErrJobExists)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Get retrieves a job by its ID
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM image_jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := job.CheckSupported(); err != nil {
		return nil, err
	}

	return &job, nil
}

// UpdateState applies a guarded transition. The WHERE clauses mirror
// domain.Job.Apply so concurrent writers cannot both win.
func (s *PostgresStore) UpdateState(ctx context.Context, jobID string, t domain.Transition) error {
	var (
		result sql.Result
		err    error
	)

	switch t.Kind {
	case domain.TransitionStart:
		result, err = s.db.ExecContext(ctx, `
			UPDATE image_jobs
			SET state = $2,
			    worker_id = $3,
			    strategy = $4,
			    fallback_reason = $5,
			    started_at = $6,
			    heartbeat_at = $6,
			    attempts = attempts + 1
			WHERE id = $1 AND state = $7
		`, jobID, domain.JobStateRunning, t.Owner, t.Strategy, t.FallbackReason, t.At, domain.JobStateQueued)

	case domain.TransitionResume:
		result, err = s.db.ExecContext(ctx, `
			UPDATE image_jobs
			SET worker_id = $2,
			    heartbeat_at = $3,
			    attempts = attempts + 1
			WHERE id = $1
			  AND state = $4
			  AND (heartbeat_at IS NULL OR heartbeat_at < $5)
		`, jobID, t.Owner, t.At, domain.JobStateRunning, t.StaleBefore)

	case domain.TransitionSucceed:
		result, err = s.db.ExecContext(ctx, `
			UPDATE image_jobs
			SET state = $2,
			    progress = $3,
			    output_size_bytes = $4,
			    output_width = $5,
			    output_height = $6,
			    completed_at = $7::timestamptz,
			    duration_ms = (EXTRACT(EPOCH FROM ($7::timestamptz - started_at)) * 1000)::bigint
			WHERE id = $1 AND state = $8 AND worker_id = $9
		`, jobID, domain.JobStateSucceeded, domain.CompleteProgress,
			t.Output.SizeBytes, t.Output.Width, t.Output.Height, t.At,
			domain.JobStateRunning, t.Owner)

	case domain.TransitionFail:
		detail := t.ErrorDetail
		if detail == "" {
			detail = "unknown error"
		}
		result, err = s.db.ExecContext(ctx, `
			UPDATE image_jobs
			SET state = $2,
			    error_detail = $3,
			    completed_at = $4::timestamptz,
			    duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint
			WHERE id = $1 AND state = $5 AND worker_id = $6
		`, jobID, domain.JobStateFailed, detail, t.At, domain.JobStateRunning, t.Owner)

	default:
		return fmt.Errorf("%w: unknown transition %s", domain.ErrInvalidTransition, t.Kind)
	}

	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s rejected for job %s", domain.ErrInvalidTransition, t.Kind, jobID)
	}

	s.logger.Debug("Job state updated",
		slog.String("job_id", jobID),
		slog.String("transition", t.Kind.String()),
		slog.String("owner", t.Owner),
	)

	return nil
}

// UpdateProgress raises progress for a job RUNNING for owner
func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID, owner string, percent int) error {
	query := `
		UPDATE image_jobs
		SET progress = GREATEST(progress, $3),
		    heartbeat_at = $4
		WHERE id = $1 AND worker_id = $2 AND state = $5
	`

	return s.execOwned(ctx, "progress", query, jobID, owner, domain.ClampProgress(percent), s.now(), domain.JobStateRunning)
}

// Heartbeat refreshes heartbeat_at for a job RUNNING for owner
func (s *PostgresStore) Heartbeat(ctx context.Context, jobID, owner string) error {
	query := `
		UPDATE image_jobs
		SET heartbeat_at = $3
		WHERE id = $1 AND worker_id = $2 AND state = $4
	`

	return s.execOwned(ctx, "heartbeat", query, jobID, owner, s.now(), domain.JobStateRunning)
}

func (s *PostgresStore) execOwned(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s for job not running under this owner", domain.ErrInvalidTransition, op)
	}

	return nil
}

// ListByOwner lists an owner's jobs with keyset pagination
func (s *PostgresStore) ListByOwner(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM image_jobs WHERE owner_id = $1`
	args := []interface{}{filter.OwnerID}
	argIdx := 2

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListStale lists jobs that lost their worker or never reached the queue
func (s *PostgresStore) ListStale(ctx context.Context, filter StaleFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM image_jobs
		WHERE (state = $1 AND (heartbeat_at IS NULL OR heartbeat_at < $2))
		   OR (state = $3 AND created_at < $4)
		ORDER BY created_at ASC
		LIMIT $5`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStateRunning, filter.RunningBefore,
		domain.JobStateQueued, filter.QueuedBefore,
		filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return jobs, nil
}
