package domain

import "time"

// Connection links a user to one external platform. It is the authority for
// "can we publish on behalf of this user to this platform". Created on a
// successful OAuth callback, mutated on token refresh, read-only to adapters.
type Connection struct {
	ID             string     `db:"id"               json:"id"`
	UserID         string     `db:"user_id"          json:"user_id"`
	Platform       string     `db:"platform"         json:"platform"`
	PlatformUserID string     `db:"platform_user_id" json:"platform_user_id"`
	AccessToken    string     `db:"access_token"     json:"-"`
	RefreshToken   *string    `db:"refresh_token"    json:"-"`
	ExpiresAt      *time.Time `db:"expires_at"       json:"expires_at,omitempty"`
	Active         bool       `db:"active"           json:"active"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// TokenExpired reports whether the access token has expired as of now.
// Connections without an expiry never expire.
func (c *Connection) TokenExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
