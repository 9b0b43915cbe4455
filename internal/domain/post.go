// Package domain contains the core domain models for the publisher service.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an entity is not found in the database.
var ErrNotFound = errors.New("entity not found")

// ErrInvalidPost is returned when creating a post with invalid fields.
var ErrInvalidPost = errors.New("invalid post")

// Admission errors surfaced synchronously at submission time.
var (
	// ErrUnknownPlatform is returned when a requested platform has no registered adapter.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrNoConnection is returned when the user has no active connection for a platform.
	ErrNoConnection = errors.New("no active connection for platform")

	// ErrRateLimited is returned when the hourly budget for a platform is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// PostStatus represents the lifecycle state of a post
type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusPartial    PostStatus = "partial"
	PostStatusFailed     PostStatus = "failed"
)

// TargetStatus represents the state of a single publish target
type TargetStatus string

const (
	TargetStatusPending    TargetStatus = "pending"
	TargetStatusPublishing TargetStatus = "publishing"
	TargetStatusPublished  TargetStatus = "published"
	TargetStatusFailed     TargetStatus = "failed"
)

// IsTerminal reports whether a target has reached a final state.
func (s TargetStatus) IsTerminal() bool {
	return s == TargetStatusPublished || s == TargetStatusFailed
}

// Post represents one piece of user content to be published across platforms
type Post struct {
	ID          string     `db:"id"           json:"id"`
	UserID      string     `db:"user_id"      json:"user_id"`
	Body        string     `db:"body"         json:"body"`
	Images      []string   `db:"images"       json:"images"`
	Videos      []string   `db:"videos"       json:"videos"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	Status      PostStatus `db:"status"       json:"status"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// PublishTarget is the per-platform outcome record for a post.
// Targets are created once per selected platform at submission time and
// mutated only by the dispatcher.
type PublishTarget struct {
	ID             string       `db:"id"               json:"id"`
	PostID         string       `db:"post_id"          json:"post_id"`
	Platform       string       `db:"platform"         json:"platform"`
	Status         TargetStatus `db:"status"           json:"status"`
	ExternalPostID *string      `db:"external_post_id" json:"external_post_id,omitempty"`
	ErrorMessage   *string      `db:"error_message"    json:"error_message,omitempty"`
	RetryCount     int          `db:"retry_count"      json:"retry_count"`
	CreatedAt      time.Time    `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"       json:"updated_at"`
}

// NewPost creates a post with validation. A post with a future scheduled
// time starts as scheduled; otherwise it starts as publishing (a publish job
// is enqueued alongside it).
func NewPost(userID, body string, platforms []string, scheduledAt *time.Time) (*Post, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidPost)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidPost)
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", ErrInvalidPost)
	}

	status := PostStatusPublishing
	if scheduledAt != nil {
		status = PostStatusScheduled
	}

	now := time.Now()
	return &Post{
		UserID:      userID,
		Body:        body,
		Images:      []string{},
		Videos:      []string{},
		ScheduledAt: scheduledAt,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DerivePostStatus computes a post's status from its targets once publishing
// has started. It returns ok=false until every target is terminal; the
// post's status must not change before then.
func DerivePostStatus(targets []PublishTarget) (PostStatus, bool) {
	if len(targets) == 0 {
		return "", false
	}

	published := 0
	for i := range targets {
		if !targets[i].Status.IsTerminal() {
			return "", false
		}
		if targets[i].Status == TargetStatusPublished {
			published++
		}
	}

	switch published {
	case len(targets):
		return PostStatusPublished, true
	case 0:
		return PostStatusFailed, true
	default:
		return PostStatusPartial, true
	}
}
