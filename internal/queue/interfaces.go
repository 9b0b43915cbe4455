// Package queue contains the publish service (submission and admission) and
// the dispatcher that drains the job queue against the platform adapters.
package queue

import (
	"context"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/ratelimit"
)

// JobStore persists queue jobs. Implemented by database.JobRepository.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ClaimDue(ctx context.Context, limit int) ([]domain.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	ResetStale(ctx context.Context, maxAge time.Duration) (int64, error)
	CleanupTerminal(ctx context.Context, maxAge time.Duration) (int64, error)
}

// PostStore persists posts and their publish targets. Implemented by
// database.PostRepository.
type PostStore interface {
	Create(ctx context.Context, post *domain.Post, platforms []string) error
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	GetTargets(ctx context.Context, postID string) ([]domain.PublishTarget, error)
	MarkTargetsPublishing(ctx context.Context, postID string) (int64, error)
	MarkTargetPublished(ctx context.Context, postID, platform, externalPostID string) error
	RecordTargetFailure(ctx context.Context, postID, platform, errorMsg string, retryCount int) error
	MarkTargetFailed(ctx context.Context, postID, platform, errorMsg string, retryCount int) error
	SetStatus(ctx context.Context, id string, status domain.PostStatus) error
}

// ConnectionStore reads and refreshes platform connections. Implemented by
// database.ConnectionRepository.
type ConnectionStore interface {
	GetActive(ctx context.Context, userID, platform string) (*domain.Connection, error)
	UpdateToken(ctx context.Context, id, accessToken string, refreshToken *string, expiresAt *time.Time) error
}

// TokenRefresher renews expired access tokens. Implemented by oauth.Manager.
type TokenRefresher interface {
	Refresh(ctx context.Context, platform, refreshToken string) (*oauth.Token, error)
}

// Admitter answers rate-limit admission queries. Implemented by
// ratelimit.Limiter.
type Admitter interface {
	CheckAdmission(ctx context.Context, platform, userID string) (*ratelimit.Admission, error)
	RecordUsage(ctx context.Context, platform, userID string) error
}
