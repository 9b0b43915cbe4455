package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crosspost/publisher/internal/domain"
)

const connectionSelectList = `id, user_id, platform, platform_user_id,
			access_token, refresh_token, expires_at, active, created_at, updated_at`

// ConnectionRepository persists platform connections in PostgreSQL
type ConnectionRepository struct {
	db *sqlx.DB
}

// NewConnectionRepository creates a new repository
func NewConnectionRepository(db *sqlx.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Upsert creates or replaces the connection for (user, platform). A repeat
// authorization overwrites the stored tokens and reactivates the connection.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *domain.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}

	query := `
		INSERT INTO connections (id, user_id, platform, platform_user_id, access_token, refresh_token, expires_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
			platform_user_id = EXCLUDED.platform_user_id,
			access_token     = EXCLUDED.access_token,
			refresh_token    = EXCLUDED.refresh_token,
			expires_at       = EXCLUDED.expires_at,
			active           = TRUE,
			updated_at       = NOW()
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		conn.ID, conn.UserID, conn.Platform, conn.PlatformUserID,
		conn.AccessToken, conn.RefreshToken, conn.ExpiresAt,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	conn.Active = true
	return nil
}

// GetActive returns the active connection for a user and platform.
// Returns domain.ErrNoConnection when none exists or it was deactivated.
func (r *ConnectionRepository) GetActive(ctx context.Context, userID, platform string) (*domain.Connection, error) {
	query := `SELECT ` + connectionSelectList + `
		FROM connections
		WHERE user_id = $1 AND platform = $2 AND active = TRUE`

	var conn domain.Connection
	err := r.db.GetContext(ctx, &conn, query, userID, platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNoConnection, userID, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &conn, nil
}

// ListByUser returns all of a user's connections, active or not
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	query := `SELECT ` + connectionSelectList + `
		FROM connections
		WHERE user_id = $1
		ORDER BY platform ASC`

	conns := make([]domain.Connection, 0, 4)
	if err := r.db.SelectContext(ctx, &conns, query, userID); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// UpdateToken stores a refreshed token pair on an existing connection
func (r *ConnectionRepository) UpdateToken(ctx context.Context, id, accessToken string, refreshToken *string, expiresAt *time.Time) error {
	query := `
		UPDATE connections
		SET access_token = $2,
		    refresh_token = COALESCE($3, refresh_token),
		    expires_at = $4,
		    updated_at = NOW()
		WHERE id = $1`
	if err := r.execExpectOneRow(ctx, query, id, accessToken, refreshToken, expiresAt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// Deactivate disconnects a platform for a user without deleting history
func (r *ConnectionRepository) Deactivate(ctx context.Context, userID, platform string) error {
	query := `
		UPDATE connections
		SET active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND platform = $2 AND active = TRUE`
	if err := r.execExpectOneRow(ctx, query, userID, platform); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
