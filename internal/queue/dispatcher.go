package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/metrics"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/platform"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultBatchSize      = 10
	defaultPublishTimeout = 10 * time.Second
	staleProcessingAge    = 5 * time.Minute
	jobRetention          = 7 * 24 * time.Hour
	recoveryInterval      = 1 * time.Minute
	cleanupInterval       = 1 * time.Hour
)

// DispatcherConfig holds dispatcher tuning options.
type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		PublishTimeout: defaultPublishTimeout,
	}
}

// Dispatcher drains the job queue: it claims due jobs on a poll ticker and
// publishes each job's platforms through the adapter registry, recording
// per-target outcomes and enqueueing retry jobs for transient failures.
type Dispatcher struct {
	jobs        JobStore
	posts       PostStore
	connections ConnectionStore
	registry    *platform.Registry
	refresher   TokenRefresher
	metrics     *metrics.Metrics
	logger      logger.Logger

	pollInterval   time.Duration
	batchSize      int
	publishTimeout time.Duration
	now            func() time.Time

	// ticking guards against overlapping ticks: when a tick outlives the
	// poll interval the next one is skipped, not queued.
	ticking  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	jobs JobStore,
	posts PostStore,
	connections ConnectionStore,
	registry *platform.Registry,
	refresher TokenRefresher,
	cfg DispatcherConfig,
	m *metrics.Metrics,
	log logger.Logger,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	return &Dispatcher{
		jobs:           jobs,
		posts:          posts,
		connections:    connections,
		registry:       registry,
		refresher:      refresher,
		metrics:        m,
		logger:         log,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
}

// WithClock replaces the dispatcher clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start begins the poll, recovery, and cleanup loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	d.wg.Add(1)
	go d.runRecovery(ctx)

	d.wg.Add(1)
	go d.runCleanup(ctx)

	d.logger.Info("dispatcher started",
		logger.Duration("poll_interval", d.pollInterval),
		logger.Int("batch_size", d.batchSize))
}

// Stop gracefully stops the dispatcher, waiting for in-flight work.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// IsRunning reports whether the dispatcher has been started.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.Tick(ctx)
			}()
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one dispatch pass. It is skipped when the previous pass is
// still running.
func (d *Dispatcher) Tick(ctx context.Context) {
	if !d.ticking.CompareAndSwap(false, true) {
		d.logger.Warn("dispatch tick skipped, previous tick still running")
		return
	}
	defer d.ticking.Store(false)

	jobs, err := d.jobs.ClaimDue(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to claim due jobs", logger.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	d.metrics.JobsClaimed.Add(float64(len(jobs)))
	d.logger.Debug("claimed jobs", logger.Int("count", len(jobs)))

	for i := range jobs {
		d.processJob(ctx, &jobs[i])
	}
}

// processJob publishes every platform of one claimed job and settles the
// job and its parent post.
func (d *Dispatcher) processJob(ctx context.Context, job *domain.Job) {
	if _, err := d.posts.GetByID(ctx, job.Payload.PostID); err != nil {
		// Jobs reference posts weakly. A missing post fails the job,
		// never the dispatcher.
		if markErr := d.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("post %s not found", job.Payload.PostID)); markErr != nil {
			d.logger.Error("failed to mark job failed",
				logger.String("job_id", job.ID),
				logger.Error(markErr))
		}
		d.logger.Warn("job references missing post",
			logger.String("job_id", job.ID),
			logger.String("post_id", job.Payload.PostID))
		return
	}

	for _, name := range job.Payload.Platforms {
		d.publishTarget(ctx, job, name)
	}

	d.settlePostStatus(ctx, job.Payload.PostID)

	if err := d.jobs.MarkCompleted(ctx, job.ID); err != nil {
		d.logger.Error("failed to mark job completed",
			logger.String("job_id", job.ID),
			logger.Error(err))
	}
}

// publishTarget runs one platform's publish attempt: connection lookup,
// token refresh when expired, content adaptation, the publish call, and the
// target outcome.
func (d *Dispatcher) publishTarget(ctx context.Context, job *domain.Job, name string) {
	postID := job.Payload.PostID

	adapter, err := d.registry.Get(name)
	if err != nil {
		d.failTarget(ctx, job, name, err)
		return
	}

	conn, err := d.connections.GetActive(ctx, job.Payload.UserID, name)
	if err != nil {
		d.failTarget(ctx, job, name, err)
		return
	}

	if conn.TokenExpired(d.now()) {
		if refreshErr := d.refreshConnection(ctx, name, conn); refreshErr != nil {
			d.handlePublishError(ctx, job, name, refreshErr, oauth.IsRetryable(refreshErr))
			return
		}
	}

	content := adapter.Adapt(platform.Content{
		Text:   job.Payload.Body,
		Images: job.Payload.Images,
		Videos: job.Payload.Videos,
	})

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	result, err := adapter.Publish(pubCtx, conn, content)
	cancel()
	if err != nil {
		d.handlePublishError(ctx, job, name, err, platform.IsRetryable(err))
		return
	}

	if markErr := d.posts.MarkTargetPublished(ctx, postID, name, result.ExternalPostID); markErr != nil {
		d.logger.Error("failed to mark target published",
			logger.String("post_id", postID),
			logger.String("platform", name),
			logger.Error(markErr))
		return
	}

	d.metrics.PublishAttempts.WithLabelValues(name, metrics.OutcomePublished).Inc()
	d.logger.Info("published",
		logger.String("post_id", postID),
		logger.String("platform", name),
		logger.String("external_post_id", result.ExternalPostID),
		logger.Int("attempt", job.Attempt))
}

// refreshConnection renews an expired access token and persists the new
// pair, mutating conn in place for the publish call that follows.
func (d *Dispatcher) refreshConnection(ctx context.Context, name string, conn *domain.Connection) error {
	if conn.RefreshToken == nil {
		return &oauth.Error{Platform: name, Op: "refresh", Message: "access token expired and no refresh token stored"}
	}

	token, err := d.refresher.Refresh(ctx, name, *conn.RefreshToken)
	if err != nil {
		return err
	}

	refresh := conn.RefreshToken
	if token.RefreshToken != "" {
		refresh = &token.RefreshToken
	}
	if updateErr := d.connections.UpdateToken(ctx, conn.ID, token.AccessToken, refresh, token.ExpiresAt); updateErr != nil {
		return updateErr
	}

	conn.AccessToken = token.AccessToken
	conn.RefreshToken = refresh
	conn.ExpiresAt = token.ExpiresAt

	d.logger.Info("access token refreshed",
		logger.String("platform", name),
		logger.String("connection_id", conn.ID))
	return nil
}

// handlePublishError settles a failed attempt: transient failures under the
// ceiling get a retry job carrying only this platform; terminal failures and
// exhausted budgets finalize the target.
func (d *Dispatcher) handlePublishError(ctx context.Context, job *domain.Job, name string, pubErr error, retryable bool) {
	postID := job.Payload.PostID
	nextAttempt := job.Attempt + 1

	if retryable && job.ShouldRetry() {
		if recordErr := d.posts.RecordTargetFailure(ctx, postID, name, pubErr.Error(), nextAttempt); recordErr != nil {
			d.logger.Error("failed to record target failure",
				logger.String("post_id", postID),
				logger.String("platform", name),
				logger.Error(recordErr))
		}

		retry, err := domain.NewJob(domain.JobKindRetry, domain.JobPayload{
			PostID:    postID,
			UserID:    job.Payload.UserID,
			Platforms: []string{name},
			Body:      job.Payload.Body,
			Images:    job.Payload.Images,
			Videos:    job.Payload.Videos,
		}, d.now().Add(domain.RetryDelay(nextAttempt)), domain.PriorityRetry, nextAttempt)
		if err != nil {
			d.failTarget(ctx, job, name, pubErr)
			return
		}

		if createErr := d.jobs.Create(ctx, retry); createErr != nil {
			d.logger.Error("failed to enqueue retry job",
				logger.String("post_id", postID),
				logger.String("platform", name),
				logger.Error(createErr))
			d.failTarget(ctx, job, name, pubErr)
			return
		}

		d.metrics.PublishAttempts.WithLabelValues(name, metrics.OutcomeRetried).Inc()
		d.metrics.RetriesScheduled.WithLabelValues(name).Inc()
		d.logger.Warn("publish failed, retry scheduled",
			logger.String("post_id", postID),
			logger.String("platform", name),
			logger.Int("attempt", nextAttempt),
			logger.Duration("delay", domain.RetryDelay(nextAttempt)),
			logger.Error(pubErr))
		return
	}

	d.failTarget(ctx, job, name, pubErr)
}

// failTarget finalizes a target as failed.
func (d *Dispatcher) failTarget(ctx context.Context, job *domain.Job, name string, pubErr error) {
	postID := job.Payload.PostID

	if markErr := d.posts.MarkTargetFailed(ctx, postID, name, pubErr.Error(), job.Attempt+1); markErr != nil && !errors.Is(markErr, domain.ErrNotFound) {
		d.logger.Error("failed to mark target failed",
			logger.String("post_id", postID),
			logger.String("platform", name),
			logger.Error(markErr))
	}

	d.metrics.PublishAttempts.WithLabelValues(name, metrics.OutcomeFailed).Inc()
	d.logger.Error("publish failed terminally",
		logger.String("post_id", postID),
		logger.String("platform", name),
		logger.Int("attempt", job.Attempt),
		logger.Error(pubErr))
}

// settlePostStatus derives the parent post's final status once every target
// is terminal. A pending retry keeps its target non-terminal, so the post
// stays publishing until the retry resolves.
func (d *Dispatcher) settlePostStatus(ctx context.Context, postID string) {
	targets, err := d.posts.GetTargets(ctx, postID)
	if err != nil {
		d.logger.Error("failed to load targets for status derivation",
			logger.String("post_id", postID),
			logger.Error(err))
		return
	}

	status, ok := domain.DerivePostStatus(targets)
	if !ok {
		return
	}

	if setErr := d.posts.SetStatus(ctx, postID, status); setErr != nil {
		// ErrNotFound here means a concurrent tick already derived the
		// status; the conditional update makes the race harmless.
		if !errors.Is(setErr, domain.ErrNotFound) {
			d.logger.Error("failed to set post status",
				logger.String("post_id", postID),
				logger.Error(setErr))
		}
		return
	}

	d.logger.Info("post settled",
		logger.String("post_id", postID),
		logger.String("status", string(status)))
}

func (d *Dispatcher) runRecovery(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reset, err := d.jobs.ResetStale(ctx, staleProcessingAge)
			if err != nil {
				d.logger.Error("job recovery failed", logger.Error(err))
			} else if reset > 0 {
				d.logger.Warn("recovered stale jobs", logger.Int64("reset", reset))
			}
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := d.jobs.CleanupTerminal(ctx, jobRetention)
			if err != nil {
				d.logger.Error("job cleanup failed", logger.Error(err))
			} else if deleted > 0 {
				d.logger.Info("cleaned up terminal jobs", logger.Int64("deleted", deleted))
			}
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
