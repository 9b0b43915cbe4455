// Package platform contains the adapter layer between generic post content
// and each external platform's API: content limits, deterministic content
// adaptation, and the actual publish call.
package platform

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/crosspost/publisher/internal/domain"
)

// ellipsis is appended when text is truncated to a platform's cap.
const ellipsis = "…"

// Limits declares a platform's content constraints and capabilities.
type Limits struct {
	MaxTextLength      int  `json:"max_text_length"`
	MaxImages          int  `json:"max_images"`
	MaxVideos          int  `json:"max_videos"`
	SupportsScheduling bool `json:"supports_scheduling"`
	SupportsThreads    bool `json:"supports_threads"`
}

// Content is the platform-independent shape of a post. Image and video
// references are platform-ready media identifiers produced by the media
// pipeline upstream of this service.
type Content struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Videos []string `json:"videos,omitempty"`
}

// PublishResult is the outcome of one publish call.
type PublishResult struct {
	ExternalPostID string
}

// Adapter translates generic content into one platform's constraints and
// performs the publish call. Implementations are stateless; Adapt must be
// pure and idempotent (it is used for previews as well as publishing).
type Adapter interface {
	Name() string
	Limits() Limits
	Adapt(content Content) Content
	Publish(ctx context.Context, conn *domain.Connection, content Content) (*PublishResult, error)
}

// Registry maps platform names to adapters. Unknown names are a
// configuration error reported at admission time, never a runtime publish
// failure.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds an adapter, replacing any previous one for the same name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a platform name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPlatform, name)
	}
	return a, nil
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// adaptToLimits applies a platform's limits to content: text truncated on
// rune boundaries with an ellipsis marker, media lists capped.
func adaptToLimits(content Content, limits Limits) Content {
	content.Text = truncateText(content.Text, limits.MaxTextLength)
	if limits.MaxImages >= 0 && len(content.Images) > limits.MaxImages {
		content.Images = content.Images[:limits.MaxImages]
	}
	if limits.MaxVideos >= 0 && len(content.Videos) > limits.MaxVideos {
		content.Videos = content.Videos[:limits.MaxVideos]
	}
	return content
}

// truncateText shortens text to at most maxRunes runes, replacing the final
// rune with an ellipsis when truncation happens. Counting runes rather than
// bytes keeps multi-byte text intact.
func truncateText(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	runes := []rune(text)
	return string(runes[:maxRunes-1]) + ellipsis
}
