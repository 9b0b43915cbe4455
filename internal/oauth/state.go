package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// stateTTL bounds how long an authorization redirect may take before its
// state token is rejected.
const stateTTL = 10 * time.Minute

// StateClaims is the payload round-tripped through the authorization
// redirect: it correlates a callback with its original request and detects
// forgery and expiry.
type StateClaims struct {
	UserID   string `json:"uid"`
	Platform string `json:"pfm"`
	Nonce    string `json:"nce"`
	jwt.RegisteredClaims
}

// StateSigner issues and validates signed state tokens.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer over an HMAC secret.
func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// WithClock replaces the signer's clock. Test hook.
func (s *StateSigner) WithClock(now func() time.Time) *StateSigner {
	s.now = now
	return s
}

// Sign produces a state token for (userID, platform) with a random nonce
// and a 10-minute expiry.
func (s *StateSigner) Sign(userID, platform string) (string, error) {
	now := s.now()
	claims := &StateClaims{
		UserID:   userID,
		Platform: platform,
		Nonce:    uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Validate checks signature and expiry and returns the embedded claims.
func (s *StateSigner) Validate(state string) (*StateClaims, error) {
	token, err := jwt.ParseWithClaims(state, &StateClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidState
	}
	if claims.UserID == "" || claims.Platform == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidState)
	}
	return claims, nil
}
