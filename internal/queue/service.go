package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/metrics"
	"github.com/crosspost/publisher/internal/platform"
)

// SubmitRequest is one publish submission.
type SubmitRequest struct {
	UserID      string
	Body        string
	Images      []string
	Videos      []string
	Platforms   []string
	ScheduledAt *time.Time
}

// SubmitResult identifies what the submission produced. JobID is empty for
// scheduled posts; their job is created by the scheduler sweep at due time.
type SubmitResult struct {
	PostID string            `json:"post_id"`
	JobID  string            `json:"job_id,omitempty"`
	Status domain.PostStatus `json:"status"`
}

// JobStatusInfo is a job's state together with the per-platform outcomes of
// the post it references.
type JobStatusInfo struct {
	Job     *domain.Job            `json:"job"`
	Targets []domain.PublishTarget `json:"targets"`
}

// Service accepts publish submissions, enforcing admission before anything
// is persisted: every requested platform must have a registered adapter, an
// active connection, and remaining rate budget.
type Service struct {
	posts       PostStore
	jobs        JobStore
	connections ConnectionStore
	registry    *platform.Registry
	limiter     Admitter
	metrics     *metrics.Metrics
	logger      logger.Logger
	now         func() time.Time
}

// NewService creates a publish service.
func NewService(
	posts PostStore,
	jobs JobStore,
	connections ConnectionStore,
	registry *platform.Registry,
	limiter Admitter,
	m *metrics.Metrics,
	log logger.Logger,
) *Service {
	return &Service{
		posts:       posts,
		jobs:        jobs,
		connections: connections,
		registry:    registry,
		limiter:     limiter,
		metrics:     m,
		logger:      log,
		now:         time.Now,
	}
}

// WithClock replaces the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitPublish runs admission for every requested platform, creates the
// post with one pending target per platform, and either enqueues an
// immediate publish job or leaves the post scheduled for the sweeper.
// Admission failures reject the whole submission; nothing is persisted.
func (s *Service) SubmitPublish(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	post, err := domain.NewPost(req.UserID, req.Body, req.Platforms, req.ScheduledAt)
	if err != nil {
		return nil, err
	}
	post.Images = req.Images
	post.Videos = req.Videos

	if admitErr := s.admit(ctx, req.UserID, req.Platforms); admitErr != nil {
		return nil, admitErr
	}

	if createErr := s.posts.Create(ctx, post, req.Platforms); createErr != nil {
		return nil, fmt.Errorf("create post: %w", createErr)
	}

	for _, name := range req.Platforms {
		if usageErr := s.limiter.RecordUsage(ctx, name, req.UserID); usageErr != nil {
			s.logger.Warn("failed to record rate usage",
				logger.String("platform", name),
				logger.Error(usageErr))
		}
	}

	result := &SubmitResult{PostID: post.ID, Status: post.Status}

	if post.Status == domain.PostStatusScheduled {
		s.logger.Info("post scheduled",
			logger.String("post_id", post.ID),
			logger.Time("scheduled_at", *post.ScheduledAt),
			logger.Strings("platforms", req.Platforms))
		return result, nil
	}

	if _, markErr := s.posts.MarkTargetsPublishing(ctx, post.ID); markErr != nil {
		return nil, fmt.Errorf("mark targets publishing: %w", markErr)
	}

	job, err := domain.NewJob(domain.JobKindPublish, domain.JobPayload{
		PostID:    post.ID,
		UserID:    req.UserID,
		Platforms: req.Platforms,
		Body:      req.Body,
		Images:    req.Images,
		Videos:    req.Videos,
	}, s.now(), domain.PriorityPublish, 0)
	if err != nil {
		return nil, err
	}

	if createErr := s.jobs.Create(ctx, job); createErr != nil {
		return nil, fmt.Errorf("enqueue publish job: %w", createErr)
	}

	s.logger.Info("publish job enqueued",
		logger.String("post_id", post.ID),
		logger.String("job_id", job.ID),
		logger.Strings("platforms", req.Platforms))

	result.JobID = job.ID
	return result, nil
}

// admit checks every platform before anything is written. The first failing
// platform rejects the submission.
func (s *Service) admit(ctx context.Context, userID string, platforms []string) error {
	for _, name := range platforms {
		if _, err := s.registry.Get(name); err != nil {
			return err
		}

		if _, err := s.connections.GetActive(ctx, userID, name); err != nil {
			return err
		}

		admission, err := s.limiter.CheckAdmission(ctx, name, userID)
		if err != nil {
			return fmt.Errorf("check admission: %w", err)
		}
		if !admission.Allowed {
			s.metrics.RateLimitDenials.WithLabelValues(name).Inc()
			return fmt.Errorf("%w: %s resets at %s",
				domain.ErrRateLimited, name, admission.ResetAt.Format(time.RFC3339))
		}
	}
	return nil
}

// JobStatus returns a job together with the target states of its post.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*JobStatusInfo, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	targets, err := s.posts.GetTargets(ctx, job.Payload.PostID)
	if err != nil {
		return nil, err
	}

	return &JobStatusInfo{Job: job, Targets: targets}, nil
}

// PostDetail returns a post together with its targets.
func (s *Service) PostDetail(ctx context.Context, postID string) (*domain.Post, []domain.PublishTarget, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, nil, err
	}

	targets, err := s.posts.GetTargets(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	return post, targets, nil
}
