package queue_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/platform"
)

// fakeClock is a manually advanced clock shared by the fakes and the
// components under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeJobStore is an in-memory JobStore with the same claim ordering as the
// SQL implementation.
type fakeJobStore struct {
	mu    sync.Mutex
	clock *fakeClock
	jobs  map[string]*domain.Job
	seq   int
}

func newFakeJobStore(clock *fakeClock) *fakeJobStore {
	return &fakeJobStore{clock: clock, jobs: make(map[string]*domain.Job)}
}

func (s *fakeJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	job.ID = fmt.Sprintf("job-%d", s.seq)
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

func (s *fakeJobStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) ClaimDue(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	due := make([]*domain.Job, 0, limit)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending && !job.ScheduledFor.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Job, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusProcessing
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, id string) error {
	return s.transition(id, domain.JobStatusProcessing, domain.JobStatusCompleted, nil)
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id, lastError string) error {
	return s.transition(id, domain.JobStatusProcessing, domain.JobStatusFailed, &lastError)
}

func (s *fakeJobStore) transition(id string, from, to domain.JobStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return domain.ErrNotFound
	}
	job.Status = to
	if lastError != nil {
		job.LastError = lastError
	}
	return nil
}

func (s *fakeJobStore) ResetStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeJobStore) CleanupTerminal(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeJobStore) countByKind(kind domain.JobKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Kind == kind {
			count++
		}
	}
	return count
}

func (s *fakeJobStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusPending {
			count++
		}
	}
	return count
}

// fakePostStore is an in-memory PostStore.
type fakePostStore struct {
	mu      sync.Mutex
	posts   map[string]*domain.Post
	targets map[string][]*domain.PublishTarget
	seq     int
}

func newFakePostStore() *fakePostStore {
	return &fakePostStore{
		posts:   make(map[string]*domain.Post),
		targets: make(map[string][]*domain.PublishTarget),
	}
}

func (s *fakePostStore) Create(_ context.Context, post *domain.Post, platforms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	post.ID = fmt.Sprintf("post-%d", s.seq)
	stored := *post
	s.posts[post.ID] = &stored

	for _, name := range platforms {
		s.targets[post.ID] = append(s.targets[post.ID], &domain.PublishTarget{
			ID:       fmt.Sprintf("%s-%s", post.ID, name),
			PostID:   post.ID,
			Platform: name,
			Status:   domain.TargetStatusPending,
		})
	}
	return nil
}

func (s *fakePostStore) GetByID(_ context.Context, id string) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *post
	return &copied, nil
}

func (s *fakePostStore) GetTargets(_ context.Context, postID string) ([]domain.PublishTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]domain.PublishTarget, 0, len(s.targets[postID]))
	for _, t := range s.targets[postID] {
		targets = append(targets, *t)
	}
	return targets, nil
}

func (s *fakePostStore) MarkTargetsPublishing(_ context.Context, postID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for _, t := range s.targets[postID] {
		if t.Status == domain.TargetStatusPending {
			t.Status = domain.TargetStatusPublishing
			moved++
		}
	}
	return moved, nil
}

func (s *fakePostStore) MarkTargetPublished(_ context.Context, postID, name, externalPostID string) error {
	return s.mutateTarget(postID, name, func(t *domain.PublishTarget) {
		t.Status = domain.TargetStatusPublished
		t.ExternalPostID = &externalPostID
		t.ErrorMessage = nil
	})
}

func (s *fakePostStore) RecordTargetFailure(_ context.Context, postID, name, errorMsg string, retryCount int) error {
	return s.mutateTarget(postID, name, func(t *domain.PublishTarget) {
		t.ErrorMessage = &errorMsg
		t.RetryCount = retryCount
	})
}

func (s *fakePostStore) MarkTargetFailed(_ context.Context, postID, name, errorMsg string, retryCount int) error {
	return s.mutateTarget(postID, name, func(t *domain.PublishTarget) {
		t.Status = domain.TargetStatusFailed
		t.ErrorMessage = &errorMsg
		t.RetryCount = retryCount
	})
}

func (s *fakePostStore) mutateTarget(postID, name string, mutate func(*domain.PublishTarget)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets[postID] {
		if t.Platform == name {
			mutate(t)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakePostStore) SetStatus(_ context.Context, id string, status domain.PostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok || post.Status != domain.PostStatusPublishing {
		return domain.ErrNotFound
	}
	post.Status = status
	return nil
}

func (s *fakePostStore) target(postID, name string) *domain.PublishTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets[postID] {
		if t.Platform == name {
			copied := *t
			return &copied
		}
	}
	return nil
}

// fakeConnStore is an in-memory ConnectionStore.
type fakeConnStore struct {
	mu    sync.Mutex
	conns map[string]*domain.Connection
}

func newFakeConnStore(conns ...*domain.Connection) *fakeConnStore {
	s := &fakeConnStore{conns: make(map[string]*domain.Connection)}
	for _, c := range conns {
		s.conns[c.UserID+"|"+c.Platform] = c
	}
	return s
}

func (s *fakeConnStore) GetActive(_ context.Context, userID, name string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[userID+"|"+name]
	if !ok || !conn.Active {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNoConnection, userID, name)
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeConnStore) UpdateToken(_ context.Context, id, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		if conn.ID == id {
			conn.AccessToken = accessToken
			conn.RefreshToken = refreshToken
			conn.ExpiresAt = expiresAt
			return nil
		}
	}
	return domain.ErrNotFound
}

// stubAdapter replays a scripted sequence of publish outcomes. A nil entry
// succeeds; entries past the end of the script repeat the last one.
type stubAdapter struct {
	name   string
	mu     sync.Mutex
	script []error
	calls  int
	seen   []string
	block  chan struct{}
}

func newStubAdapter(name string, script ...error) *stubAdapter {
	return &stubAdapter{name: name, script: script}
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Limits() platform.Limits {
	return platform.Limits{MaxTextLength: 280, MaxImages: 4, MaxVideos: 1}
}

func (a *stubAdapter) Adapt(content platform.Content) platform.Content { return content }

func (a *stubAdapter) Publish(_ context.Context, conn *domain.Connection, _ platform.Content) (*platform.PublishResult, error) {
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.seen = append(a.seen, conn.AccessToken)
	block := a.block
	a.mu.Unlock()

	if block != nil {
		<-block
	}

	var err error
	if len(a.script) > 0 {
		idx := call
		if idx >= len(a.script) {
			idx = len(a.script) - 1
		}
		err = a.script[idx]
	}
	if err != nil {
		return nil, err
	}
	return &platform.PublishResult{ExternalPostID: fmt.Sprintf("%s-ext-%d", a.name, call+1)}, nil
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stubRefresher returns a fixed token.
type stubRefresher struct {
	token *oauth.Token
	err   error
	calls int
	mu    sync.Mutex
}

func (r *stubRefresher) Refresh(_ context.Context, _, _ string) (*oauth.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.token, nil
}
