package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crosspost/publisher/internal/domain"
)

const jobSelectList = `id, kind, payload, status, priority, scheduled_for,
			attempt, max_attempts, last_error, created_at, updated_at`

// JobRepository persists queue jobs in PostgreSQL
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new repository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a pending job
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	job.ID = uuid.NewString()

	query := `
		INSERT INTO jobs (id, kind, payload, status, priority, scheduled_for, attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query,
		job.ID, job.Kind, payload, job.Status,
		job.Priority, job.ScheduledFor, job.Attempt, job.MaxAttempts,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by id
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobSelectList + ` FROM jobs WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimDue atomically claims up to limit due pending jobs, moving them to
// processing. Retries outrank publish jobs; within a priority the oldest
// scheduled time wins. SKIP LOCKED keeps concurrent dispatchers from
// claiming the same rows.
func (r *JobRepository) ClaimDue(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobSelectList

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkCompleted transitions a processing job to completed
func (r *JobRepository) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`
	if err := r.execExpectOneRow(ctx, query, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a processing job to failed with the final error
func (r *JobRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`
	if err := r.execExpectOneRow(ctx, query, id, lastError); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ResetStale returns jobs stuck in processing longer than maxAge back to
// pending so a later tick can pick them up again. Covers dispatcher crashes
// mid-job.
func (r *JobRepository) ResetStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// CleanupTerminal deletes completed and failed jobs older than maxAge
func (r *JobRepository) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal jobs: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns job counts per status
func (r *JobRepository) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, fmt.Errorf("scan job stats: %w", scanErr)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var payload []byte

	err := row.Scan(
		&j.ID, &j.Kind, &payload, &j.Status, &j.Priority, &j.ScheduledFor,
		&j.Attempt, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if unmarshalErr := json.Unmarshal(payload, &j.Payload); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", unmarshalErr)
	}
	return &j, nil
}
