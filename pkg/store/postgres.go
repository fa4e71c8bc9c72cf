package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/saferun-dev/saferun/pkg/vault"
)

// PostgresStore is the durable production backend.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore opens the database, runs schema migration and returns a
// ready store.
func NewPostgresStore(ctx context.Context, databaseURL string, v *vault.Vault) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := &PostgresStore{sqlStore{
		db:     db,
		vault:  v,
		rebind: rebindPostgres,
		clock:  time.Now,
	}}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// rebindPostgres rewrites ? placeholders to $1..$n.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS changes (
		change_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		target_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
		reasons TEXT,
		policy_json TEXT,
		summary_json TEXT,
		metadata TEXT,
		operation_type TEXT NOT NULL DEFAULT '',
		token TEXT,
		revert_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		revert_window INTEGER,
		revert_expires_at TIMESTAMPTZ,
		api_key TEXT NOT NULL DEFAULT '',
		webhook_url TEXT,
		human_preview TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS approval_tokens (
		token TEXT PRIMARY KEY,
		change_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		change_id TEXT NOT NULL,
		event TEXT NOT NULL,
		meta_json TEXT,
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		api_key TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		usage_count BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		installation_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_sessions (
		state TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		slack_done BOOLEAN NOT NULL DEFAULT FALSE,
		github_done BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS installations (
		installation_id BIGINT PRIMARY KEY,
		account_login TEXT NOT NULL DEFAULT '',
		repositories TEXT,
		api_key TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		api_key TEXT PRIMARY KEY,
		slack_bot_token TEXT,
		slack_channel TEXT,
		slack_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		slack_webhook_url TEXT,
		generic_webhook_url TEXT,
		generic_secret TEXT,
		channel_prefs TEXT,
		protected_branches TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_api_key ON changes (api_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_correlation ON changes (provider, target_id, operation_type, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_status_expiry ON changes (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_change ON approval_tokens (change_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_change ON audit_log (change_id)`,
}

// legacyColumns are columns that may be missing on databases created by
// earlier releases. Added idempotently, then backfilled.
var postgresLegacyColumns = []string{
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS target_id TEXT`,
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS operation_type TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS revert_window INTEGER`,
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS revert_expires_at TIMESTAMPTZ`,
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS webhook_url TEXT`,
	`ALTER TABLE changes ADD COLUMN IF NOT EXISTS human_preview TEXT`,
	`ALTER TABLE api_keys ADD COLUMN IF NOT EXISTS installation_id BIGINT`,
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	for _, stmt := range postgresLegacyColumns {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	// Databases from the earliest releases kept the target in a page_id
	// column. Backfill once; harmless when the column never existed.
	var hasPageID bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_name = 'changes' AND column_name = 'page_id')`).Scan(&hasPageID)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if hasPageID {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE changes SET target_id = page_id WHERE target_id IS NULL AND page_id IS NOT NULL`); err != nil {
			return fmt.Errorf("store: migrate backfill: %w", err)
		}
	}
	return nil
}
