package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/crosspost/publisher/internal/domain"
)

// postSelectList is the column list for SELECT/RETURNING on posts (single
// source for schema changes)
const postSelectList = `id, user_id, body, images, videos, scheduled_at,
			published_at, status, created_at, updated_at`

// targetSelectList is the column list for SELECT/RETURNING on publish_targets
const targetSelectList = `id, post_id, platform, status, external_post_id,
			error_message, retry_count, created_at, updated_at`

// PostRepository manages posts and their publish targets in PostgreSQL
type PostRepository struct {
	db *sqlx.DB
}

// NewPostRepository creates a new repository
func NewPostRepository(db *sqlx.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Create inserts a post together with one pending target per platform,
// atomically.
func (r *PostRepository) Create(ctx context.Context, post *domain.Post, platforms []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	post.ID = uuid.NewString()

	query := `
		INSERT INTO posts (id, user_id, body, images, videos, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`
	err = tx.QueryRowContext(ctx, query,
		post.ID, post.UserID, post.Body,
		pq.Array(post.Images), pq.Array(post.Videos),
		post.ScheduledAt, post.Status,
	).Scan(&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}

	targetQuery := `
		INSERT INTO publish_targets (id, post_id, platform, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`
	for _, platform := range platforms {
		if _, err = tx.ExecContext(ctx, targetQuery,
			uuid.NewString(), post.ID, platform, domain.TargetStatusPending); err != nil {
			return fmt.Errorf("insert target for %s: %w", platform, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID retrieves a single post by id
func (r *PostRepository) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	query := `SELECT ` + postSelectList + ` FROM posts WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// ClaimDueScheduled transitions due scheduled posts to publishing and
// returns them. The status change happens in the same statement that
// selects the rows, so a racing sweep observes them as no longer scheduled.
func (r *PostRepository) ClaimDueScheduled(ctx context.Context, limit int) ([]domain.Post, error) {
	query := `
		UPDATE posts
		SET status = 'publishing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM posts
			WHERE status = 'scheduled'
			  AND scheduled_at <= NOW()
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + postSelectList

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due scheduled: %w", err)
	}
	defer rows.Close()

	posts := make([]domain.Post, 0, limit)
	for rows.Next() {
		post, scanErr := scanPost(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan post: %w", scanErr)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row
// was affected
func (r *PostRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
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

// SetStatus moves a post out of publishing into a derived terminal status.
// Conditional on the current status so a stale dispatcher cannot overwrite
// a status another tick already derived.
func (r *PostRepository) SetStatus(ctx context.Context, id string, status domain.PostStatus) error {
	query := `
		UPDATE posts
		SET status = $2,
		    published_at = CASE WHEN $2 = 'published' THEN NOW() ELSE published_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'publishing'`
	if err := r.execExpectOneRow(ctx, query, id, status); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("set post status: %w", err)
	}
	return nil
}

// GetTargets returns all publish targets of a post
func (r *PostRepository) GetTargets(ctx context.Context, postID string) ([]domain.PublishTarget, error) {
	query := `SELECT ` + targetSelectList + `
		FROM publish_targets
		WHERE post_id = $1
		ORDER BY platform ASC`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	defer rows.Close()

	targets := make([]domain.PublishTarget, 0, 4)
	for rows.Next() {
		var t domain.PublishTarget
		if scanErr := rows.Scan(
			&t.ID, &t.PostID, &t.Platform, &t.Status, &t.ExternalPostID,
			&t.ErrorMessage, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan target: %w", scanErr)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// MarkTargetsPublishing transitions a post's pending targets to publishing.
// Returns the number of rows moved; zero means another sweep got there first.
func (r *PostRepository) MarkTargetsPublishing(ctx context.Context, postID string) (int64, error) {
	query := `
		UPDATE publish_targets
		SET status = 'publishing', updated_at = NOW()
		WHERE post_id = $1 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, postID)
	if err != nil {
		return 0, fmt.Errorf("mark targets publishing: %w", err)
	}
	return result.RowsAffected()
}

// MarkTargetPublished records a successful publish with the platform's post
// id
func (r *PostRepository) MarkTargetPublished(ctx context.Context, postID, platform, externalPostID string) error {
	query := `
		UPDATE publish_targets
		SET status = 'published',
		    external_post_id = $3,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE post_id = $1 AND platform = $2`
	if err := r.execExpectOneRow(ctx, query, postID, platform, externalPostID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark target published: %w", err)
	}
	return nil
}

// RecordTargetFailure stores the error and retry count for a target that
// will be retried. The target stays in publishing: it is not terminal while
// a retry is still scheduled.
func (r *PostRepository) RecordTargetFailure(ctx context.Context, postID, platform, errorMsg string, retryCount int) error {
	query := `
		UPDATE publish_targets
		SET error_message = $3,
		    retry_count = $4,
		    updated_at = NOW()
		WHERE post_id = $1 AND platform = $2`
	if err := r.execExpectOneRow(ctx, query, postID, platform, errorMsg, retryCount); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("record target failure: %w", err)
	}
	return nil
}

// MarkTargetFailed finalizes a target as failed, either because the retry
// ceiling was reached or because the platform rejected the content
// terminally.
func (r *PostRepository) MarkTargetFailed(ctx context.Context, postID, platform, errorMsg string, retryCount int) error {
	query := `
		UPDATE publish_targets
		SET status = 'failed',
		    error_message = $3,
		    retry_count = $4,
		    updated_at = NOW()
		WHERE post_id = $1 AND platform = $2`
	if err := r.execExpectOneRow(ctx, query, postID, platform, errorMsg, retryCount); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark target failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (r *PostRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var p domain.Post
	var images, videos pq.StringArray
	var scheduledAt, publishedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.UserID, &p.Body, &images, &videos,
		&scheduledAt, &publishedAt, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Images = images
	p.Videos = videos
	if scheduledAt.Valid {
		t := scheduledAt.Time
		p.ScheduledAt = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	return &p, nil
}
