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

// Twitter content limits: 280 characters, up to 4 images or a single video
// per tweet, no native scheduling through the standard v2 API.
const (
	twitterMaxTextLength = 280
	twitterMaxImages     = 4
	twitterMaxVideos     = 1
)

// DefaultTwitterBaseURL is the production API endpoint.
const DefaultTwitterBaseURL = "https://api.twitter.com"

// TwitterAdapter publishes tweets through the v2 API.
type TwitterAdapter struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

// NewTwitterAdapter creates a twitter adapter. An empty baseURL selects the
// production endpoint; tests point it at a local server.
func NewTwitterAdapter(baseURL string, client *http.Client, log logger.Logger) *TwitterAdapter {
	if baseURL == "" {
		baseURL = DefaultTwitterBaseURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultPublishTimeout)
	}
	return &TwitterAdapter{
		baseURL: baseURL,
		client:  client,
		logger:  log,
	}
}

// Name returns the platform key.
func (a *TwitterAdapter) Name() string { return "twitter" }

// Limits returns twitter's content constraints.
func (a *TwitterAdapter) Limits() Limits {
	return Limits{
		MaxTextLength:      twitterMaxTextLength,
		MaxImages:          twitterMaxImages,
		MaxVideos:          twitterMaxVideos,
		SupportsScheduling: false,
		SupportsThreads:    true,
	}
}

// Adapt truncates text to the tweet cap and trims media to the allowed counts.
func (a *TwitterAdapter) Adapt(content Content) Content {
	return adaptToLimits(content, a.Limits())
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Publish posts a tweet on behalf of the connection's user.
func (a *TwitterAdapter) Publish(ctx context.Context, conn *domain.Connection, content Content) (*PublishResult, error) {
	reqBody := tweetRequest{Text: content.Text}

	// Videos and images share one media list on twitter.
	mediaIDs := make([]string, 0, len(content.Images)+len(content.Videos))
	mediaIDs = append(mediaIDs, content.Images...)
	mediaIDs = append(mediaIDs, content.Videos...)
	if len(mediaIDs) > 0 {
		reqBody.Media = &tweetMedia{MediaIDs: mediaIDs}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal tweet: %w", err)
	}

	endpoint := a.baseURL + "/2/tweets"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

	var tweetResp tweetResponse
	decodeErr := json.Unmarshal(bodyBytes, &tweetResp)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := string(bodyBytes)
		if decodeErr == nil && tweetResp.Detail != "" {
			message = tweetResp.Detail
		}
		a.logger.Warn("twitter publish rejected",
			logger.Int("status_code", resp.StatusCode),
			logger.String("detail", message))
		return nil, newAPIError(a.Name(), resp.StatusCode, message)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	if tweetResp.Data.ID == "" {
		return nil, newAPIError(a.Name(), resp.StatusCode, "response missing tweet id")
	}

	a.logger.Debug("tweet published",
		logger.String("tweet_id", tweetResp.Data.ID),
		logger.String("user_id", conn.UserID))

	return &PublishResult{ExternalPostID: tweetResp.Data.ID}, nil
}
