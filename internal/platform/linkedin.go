package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
)

// LinkedIn content limits: 3000 characters for a share, up to 9 images,
// one video. LinkedIn supports natively scheduled shares but not threads.
const (
	linkedinMaxTextLength = 3000
	linkedinMaxImages     = 9
	linkedinMaxVideos     = 1
)

// DefaultLinkedInBaseURL is the production API endpoint.
const DefaultLinkedInBaseURL = "https://api.linkedin.com"

// LinkedInAdapter publishes shares through the UGC posts API.
type LinkedInAdapter struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

// NewLinkedInAdapter creates a linkedin adapter. An empty baseURL selects
// the production endpoint.
func NewLinkedInAdapter(baseURL string, client *http.Client, log logger.Logger) *LinkedInAdapter {
	if baseURL == "" {
		baseURL = DefaultLinkedInBaseURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultPublishTimeout)
	}
	return &LinkedInAdapter{
		baseURL: baseURL,
		client:  client,
		logger:  log,
	}
}

// Name returns the platform key.
func (a *LinkedInAdapter) Name() string { return "linkedin" }

// Limits returns linkedin's content constraints.
func (a *LinkedInAdapter) Limits() Limits {
	return Limits{
		MaxTextLength:      linkedinMaxTextLength,
		MaxImages:          linkedinMaxImages,
		MaxVideos:          linkedinMaxVideos,
		SupportsScheduling: true,
		SupportsThreads:    false,
	}
}

// Adapt truncates text to the share cap and trims media to the allowed counts.
func (a *LinkedInAdapter) Adapt(content Content) Content {
	return adaptToLimits(content, a.Limits())
}

type ugcShareRequest struct {
	Author          string         `json:"author"`
	LifecycleState  string         `json:"lifecycleState"`
	SpecificContent map[string]any `json:"specificContent"`
	Visibility      map[string]any `json:"visibility"`
}

type ugcShareResponse struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// Publish creates a UGC share on behalf of the connection's member.
func (a *LinkedInAdapter) Publish(ctx context.Context, conn *domain.Connection, content Content) (*PublishResult, error) {
	media := make([]map[string]any, 0, len(content.Images)+len(content.Videos))
	for _, id := range content.Images {
		media = append(media, map[string]any{"status": "READY", "media": id})
	}
	for _, id := range content.Videos {
		media = append(media, map[string]any{"status": "READY", "media": id})
	}

	shareContent := map[string]any{
		"shareCommentary":    map[string]any{"text": content.Text},
		"shareMediaCategory": "NONE",
	}
	if len(media) > 0 {
		shareContent["shareMediaCategory"] = "IMAGE"
		shareContent["media"] = media
	}

	reqBody := ugcShareRequest{
		Author:         "urn:li:person:" + conn.PlatformUserID,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]any{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		Visibility: map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal share: %w", err)
	}

	endpoint := a.baseURL + "/v2/ugcPosts"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	httpReq.Header.Set("Authorization", "Bearer "+conn.AccessToken)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, newTransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("read response: %w", readErr)
	}

	var shareResp ugcShareResponse
	decodeErr := json.Unmarshal(bodyBytes, &shareResp)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := string(bodyBytes)
		if decodeErr == nil && shareResp.Message != "" {
			message = shareResp.Message
		}
		a.logger.Warn("linkedin publish rejected",
			logger.Int("status_code", resp.StatusCode),
			logger.String("detail", message))
		return nil, newAPIError(a.Name(), resp.StatusCode, message)
	}

	// The share URN arrives in the X-RestLi-Id header; newer API versions
	// also echo it in the body.
	externalID := resp.Header.Get("X-Restli-Id")
	if externalID == "" && decodeErr == nil {
		externalID = shareResp.ID
	}
	if externalID == "" {
		return nil, newAPIError(a.Name(), resp.StatusCode, "response missing share id")
	}

	a.logger.Debug("linkedin share published",
		logger.String("share_id", externalID),
		logger.String("user_id", conn.UserID))

	return &PublishResult{ExternalPostID: externalID}, nil
}
