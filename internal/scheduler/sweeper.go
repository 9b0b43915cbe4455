// Package scheduler promotes future-dated posts into the publish queue once
// their scheduled time arrives.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/metrics"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultSweepBatch    = 50
)

// PostStore is the slice of the post repository the sweeper needs. The
// claim is a conditional update, so two racing sweeps never promote the
// same post twice.
type PostStore interface {
	ClaimDueScheduled(ctx context.Context, limit int) ([]domain.Post, error)
	GetTargets(ctx context.Context, postID string) ([]domain.PublishTarget, error)
	MarkTargetsPublishing(ctx context.Context, postID string) (int64, error)
}

// JobEnqueuer creates publish jobs. Implemented by database.JobRepository.
type JobEnqueuer interface {
	Create(ctx context.Context, job *domain.Job) error
}

// SweeperConfig holds sweeper tuning options.
type SweeperConfig struct {
	SweepInterval time.Duration
	BatchSize     int
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval: defaultSweepInterval,
		BatchSize:     defaultSweepBatch,
	}
}

// Sweeper polls for due scheduled posts and enqueues one publish job per
// post, moving the post and its targets to publishing.
type Sweeper struct {
	posts   PostStore
	jobs    JobEnqueuer
	metrics *metrics.Metrics
	logger  logger.Logger

	sweepInterval time.Duration
	batchSize     int
	now           func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewSweeper creates a sweeper.
func NewSweeper(posts PostStore, jobs JobEnqueuer, cfg SweeperConfig, m *metrics.Metrics, log logger.Logger) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}

	return &Sweeper{
		posts:         posts,
		jobs:          jobs,
		metrics:       m,
		logger:        log,
		sweepInterval: cfg.SweepInterval,
		batchSize:     cfg.BatchSize,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
}

// WithClock replaces the sweeper clock. Test hook.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("scheduler sweeper started",
		logger.Duration("sweep_interval", s.sweepInterval),
		logger.Int("batch_size", s.batchSize))
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one promotion pass. Safe to call concurrently: the claim is a
// conditional update, so each due post is promoted by exactly one caller.
func (s *Sweeper) Sweep(ctx context.Context) {
	posts, err := s.posts.ClaimDueScheduled(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to claim due scheduled posts", logger.Error(err))
		return
	}

	for i := range posts {
		s.promote(ctx, &posts[i])
	}
}

func (s *Sweeper) promote(ctx context.Context, post *domain.Post) {
	targets, err := s.posts.GetTargets(ctx, post.ID)
	if err != nil {
		s.logger.Error("failed to load targets for scheduled post",
			logger.String("post_id", post.ID),
			logger.Error(err))
		return
	}

	platforms := make([]string, 0, len(targets))
	for _, target := range targets {
		platforms = append(platforms, target.Platform)
	}

	if _, markErr := s.posts.MarkTargetsPublishing(ctx, post.ID); markErr != nil {
		s.logger.Error("failed to mark targets publishing",
			logger.String("post_id", post.ID),
			logger.Error(markErr))
		return
	}

	job, err := domain.NewJob(domain.JobKindPublish, domain.JobPayload{
		PostID:    post.ID,
		UserID:    post.UserID,
		Platforms: platforms,
		Body:      post.Body,
		Images:    post.Images,
		Videos:    post.Videos,
	}, s.now(), domain.PriorityPublish, 0)
	if err != nil {
		s.logger.Error("failed to build publish job for scheduled post",
			logger.String("post_id", post.ID),
			logger.Error(err))
		return
	}

	if createErr := s.jobs.Create(ctx, job); createErr != nil {
		s.logger.Error("failed to enqueue publish job for scheduled post",
			logger.String("post_id", post.ID),
			logger.Error(createErr))
		return
	}

	s.metrics.ScheduledPromoted.Inc()
	s.logger.Info("scheduled post promoted",
		logger.String("post_id", post.ID),
		logger.String("job_id", job.ID),
		logger.Strings("platforms", platforms))
}
