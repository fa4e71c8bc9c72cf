package store

import (
	"time"
)

// ChangeStatus is the lifecycle state of a Change.
type ChangeStatus string

const (
	StatusPending  ChangeStatus = "pending"
	StatusApproved ChangeStatus = "approved"
	StatusExecuted ChangeStatus = "executed"
	StatusApplied  ChangeStatus = "applied"
	StatusReverted ChangeStatus = "reverted"
	StatusRejected ChangeStatus = "rejected"
	StatusExpired  ChangeStatus = "expired"
	StatusFailed   ChangeStatus = "failed"
)

// Terminal reports whether no further transition is legal from s.
// StatusExecuted is terminal only for revert purposes and is not listed.
func (s ChangeStatus) Terminal() bool {
	switch s {
	case StatusReverted, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// legalTransitions encodes the change state machine. Webhook-originated
// changes enter directly at executed, hence the empty-source entry.
var legalTransitions = map[ChangeStatus][]ChangeStatus{
	"":             {StatusPending, StatusExecuted},
	StatusPending:  {StatusApproved, StatusExecuted, StatusRejected, StatusExpired, StatusFailed},
	StatusApproved: {StatusApplied, StatusExecuted, StatusFailed},
	StatusExecuted: {StatusReverted, StatusFailed},
	StatusApplied:  {StatusReverted, StatusFailed},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to ChangeStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change is the central entity: one proposed or executed privileged
// operation and its lifecycle record.
type Change struct {
	ChangeID         string         `json:"change_id"`
	Provider         string         `json:"provider"`
	TargetID         string         `json:"target_id"`
	Title            string         `json:"title"`
	Status           ChangeStatus   `json:"status"`
	RiskScore        float64        `json:"risk_score"` // normalized [0,1]
	RequiresApproval bool           `json:"requires_approval"`
	Reasons          []string       `json:"reasons"`
	PolicyJSON       map[string]any `json:"policy_json,omitempty"`
	SummaryJSON      map[string]any `json:"summary_json,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	OperationType    string         `json:"operation_type"`

	// Token is the caller-supplied provider credential. Ciphertext at rest,
	// plaintext only in process. Nil-equivalent for webhook-origin changes.
	Token string `json:"-"`
	// RevertToken is the opaque revert handle. Ciphertext at rest.
	RevertToken string `json:"-"`

	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevertWindow     *int       `json:"revert_window,omitempty"` // hours
	RevertExpiresAt  *time.Time `json:"revert_expires_at,omitempty"`
	APIKey           string     `json:"-"`
	WebhookURL       string     `json:"webhook_url,omitempty"`
	HumanPreview     string     `json:"human_preview,omitempty"`
}

// TokenKind distinguishes approval tokens from revert tokens.
type TokenKind string

const (
	TokenKindApprove TokenKind = "approve"
	TokenKindRevert  TokenKind = "revert"
)

// ApprovalToken is a one-time-use credential binding an approver's action
// to exactly one change.
type ApprovalToken struct {
	Token     string     `json:"token"`
	ChangeID  string     `json:"change_id"`
	Kind      TokenKind  `json:"kind"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuditRecord is an append-only event on a change. Never mutated, never
// pruned by the core.
type AuditRecord struct {
	ID       int64          `json:"id"`
	ChangeID string         `json:"change_id"`
	Event    string         `json:"event"`
	Meta     map[string]any `json:"meta,omitempty"`
	TS       time.Time      `json:"ts"`
}

// APIKey is a tenant credential.
type APIKey struct {
	Key            string    `json:"api_key"`
	Email          string    `json:"email"`
	CreatedAt      time.Time `json:"created_at"`
	UsageCount     int64     `json:"usage_count"`
	IsActive       bool      `json:"is_active"`
	InstallationID *int64    `json:"provider_installation_id,omitempty"`
}

// OAuthSession is an ephemeral CSRF state for the unified Slack + GitHub
// installation flow. Lives at most 30 minutes.
type OAuthSession struct {
	State      string    `json:"state"`
	APIKey     string    `json:"api_key"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
	SlackDone  bool      `json:"slack_done"`
	GitHubDone bool      `json:"github_done"`
	CreatedAt  time.Time `json:"created_at"`
}

// Installation links a provider app installation to a tenant.
type Installation struct {
	InstallationID int64    `json:"installation_id"`
	AccountLogin   string   `json:"account_login"`
	Repositories   []string `json:"repositories"`
	APIKey         string   `json:"api_key,omitempty"` // nullable link
}

// Settings are per-tenant notification preferences. Secrets are ciphertext
// at rest.
type Settings struct {
	APIKey            string         `json:"api_key"`
	SlackBotToken     string         `json:"-"` // encrypted at rest
	SlackChannel      string         `json:"slack_channel,omitempty"`
	SlackEnabled      bool           `json:"slack_enabled"`
	SlackWebhookURL   string         `json:"slack_webhook_url,omitempty"`
	GenericWebhookURL string         `json:"generic_webhook_url,omitempty"`
	GenericSecret     string         `json:"-"` // encrypted at rest
	ChannelPrefs      map[string]any `json:"channel_prefs,omitempty"`
	ProtectedBranches string         `json:"protected_branches,omitempty"`
}
