package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/saferun-dev/saferun/pkg/vault"
)

// SQLiteStore backs single-node and development deployments.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database file and migrates the
// schema. Pass ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(ctx context.Context, path string, v *vault.Vault) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// table-lock errors under concurrent use.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{sqlStore{
		db:     db,
		vault:  v,
		rebind: func(q string) string { return q },
		clock:  time.Now,
	}}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS changes (
		change_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		target_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		risk_score REAL NOT NULL DEFAULT 0,
		requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
		reasons TEXT,
		policy_json TEXT,
		summary_json TEXT,
		metadata TEXT,
		operation_type TEXT NOT NULL DEFAULT '',
		token TEXT,
		revert_token TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		revert_window INTEGER,
		revert_expires_at DATETIME,
		api_key TEXT NOT NULL DEFAULT '',
		webhook_url TEXT,
		human_preview TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS approval_tokens (
		token TEXT PRIMARY KEY,
		change_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		change_id TEXT NOT NULL,
		event TEXT NOT NULL,
		meta_json TEXT,
		ts DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		api_key TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		installation_id INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_sessions (
		state TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		slack_done BOOLEAN NOT NULL DEFAULT FALSE,
		github_done BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS installations (
		installation_id INTEGER PRIMARY KEY,
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
}

// sqliteLegacyColumns mirrors the Postgres legacy-column handling; SQLite
// has no ADD COLUMN IF NOT EXISTS, so existence is checked via pragma.
var sqliteLegacyColumns = map[string]string{
	"target_id":         `ALTER TABLE changes ADD COLUMN target_id TEXT`,
	"operation_type":    `ALTER TABLE changes ADD COLUMN operation_type TEXT NOT NULL DEFAULT ''`,
	"revert_window":     `ALTER TABLE changes ADD COLUMN revert_window INTEGER`,
	"revert_expires_at": `ALTER TABLE changes ADD COLUMN revert_expires_at DATETIME`,
	"webhook_url":       `ALTER TABLE changes ADD COLUMN webhook_url TEXT`,
	"human_preview":     `ALTER TABLE changes ADD COLUMN human_preview TEXT`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	existing, err := s.tableColumns(ctx, "changes")
	if err != nil {
		return err
	}
	for column, stmt := range sqliteLegacyColumns {
		if _, ok := existing[column]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	if _, hadPageID := existing["page_id"]; hadPageID {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE changes SET target_id = page_id WHERE target_id IS NULL AND page_id IS NOT NULL`); err != nil {
			return fmt.Errorf("store: migrate backfill: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("store: table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}
