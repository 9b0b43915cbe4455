package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is the full DDL for the publisher's tables. Every statement is
// idempotent so startup can run it unconditionally.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id           UUID PRIMARY KEY,
		user_id      TEXT NOT NULL,
		body         TEXT NOT NULL,
		images       TEXT[] NOT NULL DEFAULT '{}',
		videos       TEXT[] NOT NULL DEFAULT '{}',
		scheduled_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		status       TEXT NOT NULL DEFAULT 'draft',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_due_scheduled
		ON posts (scheduled_at) WHERE status = 'scheduled'`,
	`CREATE INDEX IF NOT EXISTS idx_posts_user ON posts (user_id)`,

	`CREATE TABLE IF NOT EXISTS publish_targets (
		id               UUID PRIMARY KEY,
		post_id          UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		platform         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		external_post_id TEXT,
		error_message    TEXT,
		retry_count      INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (post_id, platform)
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id            UUID PRIMARY KEY,
		kind          TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		priority      INT NOT NULL DEFAULT 0,
		scheduled_for TIMESTAMPTZ NOT NULL,
		attempt       INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL DEFAULT 3,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claimable
		ON jobs (priority DESC, scheduled_for ASC) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS connections (
		id               UUID PRIMARY KEY,
		user_id          TEXT NOT NULL,
		platform         TEXT NOT NULL,
		platform_user_id TEXT NOT NULL,
		access_token     TEXT NOT NULL,
		refresh_token    TEXT,
		expires_at       TIMESTAMPTZ,
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, platform)
	)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
