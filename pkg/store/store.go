// Package store persists changes, approval tokens, audit records, API keys
// and tenant settings behind a single interface with Postgres and SQLite
// implementations selected at startup.
//
// Credential fields are encrypted through the vault before any write and
// decrypted on read; JSON columns are decoded/encoded exactly once at this
// boundary.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrIllegalStatus  = errors.New("store: illegal status transition")
	ErrStateConflict  = errors.New("store: state conflict")
	ErrSessionExpired = errors.New("store: oauth session expired or used")
)

// Store is the persistence boundary for all SafeRun components.
type Store interface {
	// Changes
	UpsertChange(ctx context.Context, c *Change) error
	GetChange(ctx context.Context, changeID string) (*Change, error)
	// GetChangeByRevertToken resolves a change from a plaintext revert
	// token: equality fast path for legacy plaintext rows, then a scan of
	// encrypted rows with constant-time comparison.
	GetChangeByRevertToken(ctx context.Context, plaintext string) (*Change, error)
	ListChangesByAPIKey(ctx context.Context, apiKey string, limit int) ([]*Change, error)
	// FindRecentByTargetOp supports webhook correlation: the most recent
	// change for a target and operation created after since, in one of the
	// given statuses.
	FindRecentByTargetOp(ctx context.Context, provider, targetID, opType string, since time.Time, statuses []ChangeStatus) (*Change, error)
	// LatestBranchHeadSHA returns the most recently recorded head SHA for a
	// branch target, from lightweight push records.
	LatestBranchHeadSHA(ctx context.Context, provider, targetID string) (string, error)

	// Single-row atomic updates. SetChangeStatus enforces the state machine.
	SetChangeStatus(ctx context.Context, changeID string, status ChangeStatus) error
	// SetChangeApproved flips requires_approval off and moves pending →
	// approved in one statement; returns ErrStateConflict if the row is no
	// longer pending.
	SetChangeApproved(ctx context.Context, changeID string) error
	SetRevertToken(ctx context.Context, changeID, plaintext string) error
	UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error

	// Approval tokens
	CreateApprovalToken(ctx context.Context, changeID string, kind TokenKind, ttl time.Duration) (string, error)
	// VerifyAndConsumeToken is atomic: exactly one concurrent caller wins.
	VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error)
	GetApprovalToken(ctx context.Context, token string) (*ApprovalToken, error)

	// Audit
	InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error
	ListAudit(ctx context.Context, changeID string) ([]AuditRecord, error)

	// API keys / tenancy
	CreateAPIKey(ctx context.Context, key, email string) (*APIKey, error)
	// ValidateAPIKey returns the record and atomically increments its usage
	// counter; unknown or inactive keys yield ErrNotFound.
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	LinkInstallation(ctx context.Context, key string, installationID int64) error

	// Provider installations
	UpsertInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)

	// OAuth setup sessions
	CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error)
	// CompleteSlackOAuth consumes the state atomically and stores the bot
	// token in tenant settings; a second callback for the same state fails.
	CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error)
	CompleteGitHubInstallation(ctx context.Context, state string, installationID int64) (string, error)

	// Settings
	GetSettings(ctx context.Context, apiKey string) (*Settings, error)
	UpsertSettings(ctx context.Context, s *Settings) error

	// Maintenance
	// ExpirePending atomically transitions overdue pending changes to
	// expired and returns their ids. Safe to run from multiple processes.
	ExpirePending(ctx context.Context, now time.Time) ([]string, error)
	// DeleteStaleTokens removes consumed or expired approval tokens.
	DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error)
	// MigrateTokensToEncrypted re-encrypts legacy plaintext credential rows.
	// Idempotent; returns the number of rows rewritten.
	MigrateTokensToEncrypted(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
