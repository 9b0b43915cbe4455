// Package ratelimit implements advisory admission control against
// per-platform hourly request budgets. Windows are fixed-size and
// hour-aligned; counters reset the instant the boundary is crossed. The
// limiter keeps the service under each platform's published API ceilings, it
// is not billing-grade accounting.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limit is the configured hourly budget pair for one platform.
type Limit struct {
	MaxPerHour        int64 `yaml:"max_per_hour"         json:"max_per_hour"`
	MaxPerUserPerHour int64 `yaml:"max_per_user_per_hour" json:"max_per_user_per_hour"`
}

// DefaultLimit applies to platforms without an explicit budget.
var DefaultLimit = Limit{MaxPerHour: 300, MaxPerUserPerHour: 30}

// Admission is the answer to an admission query.
type Admission struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Store counts requests in fixed windows. Implementations: in-memory
// (single instance) and redis (shared budget across instances).
type Store interface {
	// Count returns the current count for a window key.
	Count(ctx context.Context, key string) (int64, error)

	// Increment adds one to each window key, arranging for the keys to
	// expire once the window has elapsed.
	Increment(ctx context.Context, keys []string, expiresAt time.Time) error
}

// Limiter answers admission queries before jobs are accepted into the queue.
type Limiter struct {
	limits map[string]Limit
	store  Store
	now    func() time.Time
}

// NewLimiter creates a limiter over the given per-platform budgets.
func NewLimiter(limits map[string]Limit, store Store) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{
		limits: limits,
		store:  store,
		now:    time.Now,
	}
}

// WithClock replaces the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) limitFor(platform string) Limit {
	if limit, ok := l.limits[platform]; ok {
		return limit
	}
	return DefaultLimit
}

// window returns the current hour-aligned bucket and its end.
func (l *Limiter) window() (start, end time.Time) {
	start = l.now().Truncate(time.Hour)
	return start, start.Add(time.Hour)
}

func platformKey(platform string, windowStart time.Time) string {
	return fmt.Sprintf("rate:platform:%s:%d", platform, windowStart.Unix())
}

func userKey(platform, userID string, windowStart time.Time) string {
	return fmt.Sprintf("rate:user:%s:%s:%d", platform, userID, windowStart.Unix())
}

// CheckAdmission reports whether one more request for (platform, user) fits
// inside both the platform-wide and the user-scoped hourly budget. It does
// not consume budget; call RecordUsage once the request is accepted.
func (l *Limiter) CheckAdmission(ctx context.Context, platform, userID string) (*Admission, error) {
	limit := l.limitFor(platform)
	windowStart, resetAt := l.window()

	platformCount, err := l.store.Count(ctx, platformKey(platform, windowStart))
	if err != nil {
		return nil, fmt.Errorf("count platform usage: %w", err)
	}

	userCount, err := l.store.Count(ctx, userKey(platform, userID, windowStart))
	if err != nil {
		return nil, fmt.Errorf("count user usage: %w", err)
	}

	platformRemaining := limit.MaxPerHour - platformCount
	userRemaining := limit.MaxPerUserPerHour - userCount

	remaining := platformRemaining
	if userRemaining < remaining {
		remaining = userRemaining
	}
	if remaining < 0 {
		remaining = 0
	}

	return &Admission{
		Allowed:   platformRemaining > 0 && userRemaining > 0,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// RecordUsage consumes one request from both budgets for the current window.
func (l *Limiter) RecordUsage(ctx context.Context, platform, userID string) error {
	windowStart, resetAt := l.window()
	keys := []string{
		platformKey(platform, windowStart),
		userKey(platform, userID, windowStart),
	}
	if err := l.store.Increment(ctx, keys, resetAt); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
