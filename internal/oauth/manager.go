// Package oauth implements the platform connection lifecycle: PKCE
// authorization URLs with signed state, code-for-token exchange on callback,
// and refresh of expired access tokens.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
)

// ProviderConfig holds one platform's OAuth endpoints and client credentials.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	ProfileURL   string   `yaml:"profile_url"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

// Token is an access/refresh token pair from a token endpoint.
type Token struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ConnectionInfo is everything the caller needs to create or update a
// Connection row after a successful callback.
type ConnectionInfo struct {
	UserID         string
	Platform       string
	PlatformUserID string
	Handle         string
	Token          Token
}

// Manager drives the per-connection state machine:
// unauthenticated -> authorization-requested -> code-received ->
// tokens-exchanged -> connected, with connected -> refreshing -> connected
// on renewal. Any step can fail into a typed error.
type Manager struct {
	providers map[string]ProviderConfig
	verifiers *VerifierCache
	signer    *StateSigner
	client    *http.Client
	logger    logger.Logger
}

// NewManager creates a manager over the configured providers.
func NewManager(providers map[string]ProviderConfig, stateSecret string, client *http.Client, log logger.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		providers: providers,
		verifiers: NewVerifierCache(),
		signer:    NewStateSigner(stateSecret),
		client:    client,
		logger:    log,
	}
}

// WithClock replaces the clocks of the state signer and verifier cache.
// Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.signer.WithClock(now)
	m.verifiers.WithClock(now)
	return m
}

func (m *Manager) provider(platform string) (ProviderConfig, error) {
	p, ok := m.providers[platform]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", domain.ErrUnknownPlatform, platform)
	}
	return p, nil
}

// AuthorizationURL builds the platform's authorization endpoint URL with a
// fresh PKCE challenge and a signed state token. The code verifier is cached
// for the callback with a 10-minute expiry.
func (m *Manager) AuthorizationURL(platform, userID string) (string, error) {
	provider, err := m.provider(platform)
	if err != nil {
		return "", err
	}

	verifier, err := newCodeVerifier()
	if err != nil {
		return "", err
	}

	state, err := m.signer.Sign(userID, platform)
	if err != nil {
		return "", err
	}

	m.verifiers.Put(userID, platform, verifier)

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", provider.ClientID)
	query.Set("redirect_uri", provider.RedirectURI)
	query.Set("scope", strings.Join(provider.Scopes, " "))
	query.Set("state", state)
	query.Set("code_challenge", challengeS256(verifier))
	query.Set("code_challenge_method", "S256")

	m.logger.Debug("authorization URL issued",
		logger.String("platform", platform),
		logger.String("user_id", userID))

	return provider.AuthorizeURL + "?" + query.Encode(), nil
}

// HandleCallback completes an authorization: it validates the state token
// (platform match and 10-minute freshness), consumes the single-use code
// verifier, exchanges the code for tokens, and fetches the platform profile
// to learn the platform-side user id.
func (m *Manager) HandleCallback(ctx context.Context, platform, code, state string) (*ConnectionInfo, error) {
	provider, err := m.provider(platform)
	if err != nil {
		return nil, err
	}

	claims, err := m.signer.Validate(state)
	if err != nil {
		return nil, err
	}
	if claims.Platform != platform {
		return nil, fmt.Errorf("%w: platform mismatch", ErrInvalidState)
	}

	verifier, ok := m.verifiers.Consume(claims.UserID, platform)
	if !ok {
		return nil, ErrVerifierNotFound
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", provider.RedirectURI)
	form.Set("client_id", provider.ClientID)
	form.Set("client_secret", provider.ClientSecret)
	form.Set("code_verifier", verifier)

	token, err := m.requestToken(ctx, platform, "token_exchange", provider.TokenURL, form)
	if err != nil {
		return nil, err
	}

	profile, err := m.fetchProfile(ctx, platform, provider.ProfileURL, token.AccessToken)
	if err != nil {
		return nil, err
	}

	m.logger.Info("platform authorization completed",
		logger.String("platform", platform),
		logger.String("user_id", claims.UserID),
		logger.String("platform_user_id", profile.id))

	return &ConnectionInfo{
		UserID:         claims.UserID,
		Platform:       platform,
		PlatformUserID: profile.id,
		Handle:         profile.handle,
		Token:          *token,
	}, nil
}

// Refresh performs the standard refresh-token exchange.
func (m *Manager) Refresh(ctx context.Context, platform, refreshToken string) (*Token, error) {
	provider, err := m.provider(platform)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", provider.ClientID)
	form.Set("client_secret", provider.ClientSecret)

	return m.requestToken(ctx, platform, "refresh", provider.TokenURL, form)
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) requestToken(ctx context.Context, platform, op, tokenURL string, form url.Values) (*Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Platform: platform, Op: op, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("read token response: %w", readErr)
	}

	var tokenResp tokenResponse
	decodeErr := json.Unmarshal(bodyBytes, &tokenResp)

	if resp.StatusCode != http.StatusOK {
		message := string(bodyBytes)
		if decodeErr == nil && tokenResp.Error != "" {
			message = tokenResp.Error
			if tokenResp.ErrorDescription != "" {
				message += ": " + tokenResp.ErrorDescription
			}
		}
		return nil, &Error{
			Platform:  platform,
			Op:        op,
			Status:    resp.StatusCode,
			Message:   message,
			Retryable: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("decode token response: %w", decodeErr)
	}
	if tokenResp.AccessToken == "" {
		return nil, &Error{Platform: platform, Op: op, Status: resp.StatusCode, Message: "response missing access token"}
	}

	token := &Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
		token.ExpiresAt = &expiresAt
	}
	return token, nil
}

type profileInfo struct {
	id     string
	handle string
}

type profileResponse struct {
	ID       string `json:"id"`
	Sub      string `json:"sub"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Data     *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

func (m *Manager) fetchProfile(ctx context.Context, platform, profileURL, accessToken string) (*profileInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Platform: platform, Op: "profile", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("read profile response: %w", readErr)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Platform:  platform,
			Op:        "profile",
			Status:    resp.StatusCode,
			Message:   string(bodyBytes),
			Retryable: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var profile profileResponse
	if decodeErr := json.Unmarshal(bodyBytes, &profile); decodeErr != nil {
		return nil, fmt.Errorf("decode profile response: %w", decodeErr)
	}

	// Providers disagree on the shape: twitter nests under "data", OIDC
	// providers use "sub", most others use a top-level "id".
	info := &profileInfo{id: profile.ID, handle: profile.Username}
	if profile.Data != nil {
		info.id = profile.Data.ID
		info.handle = profile.Data.Username
	}
	if info.id == "" {
		info.id = profile.Sub
	}
	if info.handle == "" {
		info.handle = profile.Name
	}
	if info.id == "" {
		return nil, &Error{Platform: platform, Op: "profile", Status: resp.StatusCode, Message: "response missing user id"}
	}
	return info, nil
}
