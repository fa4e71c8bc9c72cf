package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saferun-dev/saferun/pkg/vault"
)

// sqlStore implements Store over database/sql. Backend differences are
// confined to placeholder rebinding and DDL; both implementations embed
// this type.
type sqlStore struct {
	db     *sql.DB
	vault  *vault.Vault
	rebind func(string) string
	clock  func() time.Time
}

const changeColumns = `change_id, provider, target_id, title, status, risk_score,
	requires_approval, reasons, policy_json, summary_json, metadata, operation_type,
	token, revert_token, created_at, expires_at, revert_window, revert_expires_at,
	api_key, webhook_url, human_preview`

func (s *sqlStore) UpsertChange(ctx context.Context, c *Change) error {
	token, err := sealToken(s.vault, c.Token)
	if err != nil {
		return err
	}
	revertToken, err := sealToken(s.vault, c.RevertToken)
	if err != nil {
		return err
	}
	reasons, err := encodeJSON(c.Reasons)
	if err != nil {
		return err
	}
	policy, err := encodeJSON(c.PolicyJSON)
	if err != nil {
		return err
	}
	summary, err := encodeJSON(c.SummaryJSON)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(c.Metadata)
	if err != nil {
		return err
	}

	query := s.rebind(`
		INSERT INTO changes (` + changeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (change_id) DO UPDATE SET
			status = excluded.status,
			risk_score = excluded.risk_score,
			requires_approval = excluded.requires_approval,
			reasons = excluded.reasons,
			summary_json = excluded.summary_json,
			metadata = excluded.metadata,
			token = excluded.token,
			revert_token = excluded.revert_token,
			expires_at = excluded.expires_at,
			revert_window = excluded.revert_window,
			revert_expires_at = excluded.revert_expires_at,
			webhook_url = excluded.webhook_url,
			human_preview = excluded.human_preview`)
	_, err = s.db.ExecContext(ctx, query,
		c.ChangeID, c.Provider, c.TargetID, c.Title, string(c.Status), c.RiskScore,
		c.RequiresApproval, nullString(reasons), nullString(policy), nullString(summary),
		nullString(metadata), c.OperationType,
		nullString(token), nullString(revertToken),
		c.CreatedAt, c.ExpiresAt, nullInt(c.RevertWindow), nullTime(c.RevertExpiresAt),
		c.APIKey, nullString(c.WebhookURL), nullString(c.HumanPreview),
	)
	if err != nil {
		return fmt.Errorf("store: upsert change: %w", err)
	}
	return nil
}

func (s *sqlStore) scanChange(scan func(...any) error) (*Change, error) {
	var (
		c                                  Change
		status                             string
		reasons, policy, summary, metadata sql.NullString
		token, revertToken                 sql.NullString
		revertWindow                       sql.NullInt64
		revertExpiresAt                    sql.NullTime
		webhookURL, humanPreview           sql.NullString
	)
	err := scan(
		&c.ChangeID, &c.Provider, &c.TargetID, &c.Title, &status, &c.RiskScore,
		&c.RequiresApproval, &reasons, &policy, &summary, &metadata, &c.OperationType,
		&token, &revertToken, &c.CreatedAt, &c.ExpiresAt, &revertWindow, &revertExpiresAt,
		&c.APIKey, &webhookURL, &humanPreview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan change: %w", err)
	}
	c.Status = ChangeStatus(status)
	if c.Reasons, err = decodeJSONStrings(reasons); err != nil {
		return nil, err
	}
	if c.PolicyJSON, err = decodeJSONMap(policy); err != nil {
		return nil, err
	}
	if c.SummaryJSON, err = decodeJSONMap(summary); err != nil {
		return nil, err
	}
	if c.Metadata, err = decodeJSONMap(metadata); err != nil {
		return nil, err
	}
	if token.Valid {
		c.Token = openToken(s.vault, token.String)
	}
	if revertToken.Valid {
		c.RevertToken = openToken(s.vault, revertToken.String)
	}
	if revertWindow.Valid {
		w := int(revertWindow.Int64)
		c.RevertWindow = &w
	}
	if revertExpiresAt.Valid {
		t := revertExpiresAt.Time
		c.RevertExpiresAt = &t
	}
	c.WebhookURL = webhookURL.String
	c.HumanPreview = humanPreview.String
	return &c, nil
}

func (s *sqlStore) GetChange(ctx context.Context, changeID string) (*Change, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+changeColumns+` FROM changes WHERE change_id = ?`), changeID)
	return s.scanChange(row.Scan)
}

func (s *sqlStore) GetChangeByRevertToken(ctx context.Context, plaintext string) (*Change, error) {
	if plaintext == "" {
		return nil, ErrNotFound
	}
	// Fast path: legacy rows store the handle in plaintext.
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+changeColumns+` FROM changes WHERE revert_token = ?`), plaintext)
	c, err := s.scanChange(row.Scan)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Slow path: decrypt every encrypted handle and compare in constant
	// time. O(n) until the token migration completes.
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+changeColumns+` FROM changes WHERE revert_token IS NOT NULL AND revert_token != ''`))
	if err != nil {
		return nil, fmt.Errorf("store: revert token scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	want := []byte(plaintext)
	for rows.Next() {
		c, err := s.scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(c.RevertToken), want) == 1 {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (s *sqlStore) ListChangesByAPIKey(ctx context.Context, apiKey string, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+changeColumns+` FROM changes WHERE api_key = ? ORDER BY created_at DESC LIMIT ?`),
		apiKey, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Change
	for rows.Next() {
		c, err := s.scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindRecentByTargetOp(ctx context.Context, provider, targetID, opType string, since time.Time, statuses []ChangeStatus) (*Change, error) {
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []any{provider, targetID, opType, since}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := s.rebind(`SELECT ` + changeColumns + ` FROM changes
		WHERE provider = ? AND target_id = ? AND operation_type = ? AND created_at >= ?
		AND status IN (` + placeholders + `)
		ORDER BY created_at DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, args...)
	return s.scanChange(row.Scan)
}

func (s *sqlStore) LatestBranchHeadSHA(ctx context.Context, provider, targetID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT summary_json FROM changes
			WHERE provider = ? AND target_id = ? AND operation_type = 'branch_push'
			ORDER BY created_at DESC LIMIT 20`),
		provider, targetID)
	if err != nil {
		return "", fmt.Errorf("store: branch head lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var summary sql.NullString
		if err := rows.Scan(&summary); err != nil {
			return "", err
		}
		m, err := decodeJSONMap(summary)
		if err != nil {
			continue
		}
		if sha, ok := m["branch_head_sha"].(string); ok && sha != "" {
			return sha, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", ErrNotFound
}

func (s *sqlStore) SetChangeStatus(ctx context.Context, changeID string, status ChangeStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT status FROM changes WHERE change_id = ?`), changeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read status: %w", err)
	}
	if !CanTransition(ChangeStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStatus, current, status)
	}
	// Optimistic: the WHERE clause loses if someone transitioned first.
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE changes SET status = ? WHERE change_id = ? AND status = ?`),
		string(status), changeID, current)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *sqlStore) SetChangeApproved(ctx context.Context, changeID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE changes SET status = 'approved', requires_approval = ? WHERE change_id = ? AND status = 'pending'`),
		false, changeID)
	if err != nil {
		return fmt.Errorf("store: approve change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetChange(ctx, changeID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *sqlStore) SetRevertToken(ctx context.Context, changeID, plaintext string) error {
	sealed, err := sealToken(s.vault, plaintext)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE changes SET revert_token = ? WHERE change_id = ?`),
		nullString(sealed), changeID)
	if err != nil {
		return fmt.Errorf("store: set revert token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	encoded, err := encodeJSON(summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE changes SET summary_json = ? WHERE change_id = ?`),
		nullString(encoded), changeID)
	if err != nil {
		return fmt.Errorf("store: update summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CreateApprovalToken(ctx context.Context, changeID string, kind TokenKind, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO approval_tokens (token, change_id, kind, expires_at, used, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		token, changeID, string(kind), now.Add(ttl), false, now)
	if err != nil {
		return "", fmt.Errorf("store: create approval token: %w", err)
	}
	return token, nil
}

func (s *sqlStore) VerifyAndConsumeToken(ctx context.Context, changeID, token string) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE approval_tokens SET used = ?, used_at = ?
			WHERE token = ? AND change_id = ? AND used = ? AND expires_at > ?`),
		true, now, token, changeID, false, now)
	if err != nil {
		return false, fmt.Errorf("store: consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: consume token: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) GetApprovalToken(ctx context.Context, token string) (*ApprovalToken, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT token, change_id, kind, expires_at, used, used_at, created_at
			FROM approval_tokens WHERE token = ?`), token)
	var (
		t      ApprovalToken
		kind   string
		usedAt sql.NullTime
	)
	err := row.Scan(&t.Token, &t.ChangeID, &kind, &t.ExpiresAt, &t.Used, &usedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	t.Kind = TokenKind(kind)
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return &t, nil
}

func (s *sqlStore) InsertAudit(ctx context.Context, changeID, event string, meta map[string]any) error {
	encoded, err := encodeJSON(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO audit_log (change_id, event, meta_json, ts) VALUES (?, ?, ?, ?)`),
		changeID, event, nullString(encoded), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: insert audit: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAudit(ctx context.Context, changeID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, change_id, event, meta_json, ts FROM audit_log WHERE change_id = ? ORDER BY id ASC`),
		changeID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec  AuditRecord
			meta sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ChangeID, &rec.Event, &meta, &rec.TS); err != nil {
			return nil, err
		}
		if rec.Meta, err = decodeJSONMap(meta); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateAPIKey(ctx context.Context, key, email string) (*APIKey, error) {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO api_keys (api_key, email, created_at, usage_count, is_active) VALUES (?, ?, ?, 0, ?)`),
		key, email, now, true)
	if err != nil {
		return nil, fmt.Errorf("store: create api key: %w", err)
	}
	return &APIKey{Key: key, Email: email, CreatedAt: now, IsActive: true}, nil
}

func (s *sqlStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`UPDATE api_keys SET usage_count = usage_count + 1
			WHERE api_key = ? AND is_active = ?
			RETURNING api_key, email, created_at, usage_count, is_active, installation_id`),
		key, true)
	var (
		rec    APIKey
		instID sql.NullInt64
	)
	err := row.Scan(&rec.Key, &rec.Email, &rec.CreatedAt, &rec.UsageCount, &rec.IsActive, &instID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: validate api key: %w", err)
	}
	if instID.Valid {
		rec.InstallationID = &instID.Int64
	}
	return &rec, nil
}

func (s *sqlStore) LinkInstallation(ctx context.Context, key string, installationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: link installation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET installation_id = ? WHERE api_key = ?`),
		installationID, key); err != nil {
		return fmt.Errorf("store: link installation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE installations SET api_key = ? WHERE installation_id = ?`),
		key, installationID); err != nil {
		return fmt.Errorf("store: link installation: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) UpsertInstallation(ctx context.Context, inst *Installation) error {
	repos, err := encodeJSON(inst.Repositories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO installations (installation_id, account_login, repositories, api_key)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (installation_id) DO UPDATE SET
				account_login = excluded.account_login,
				repositories = excluded.repositories,
				api_key = COALESCE(excluded.api_key, installations.api_key)`),
		inst.InstallationID, inst.AccountLogin, nullString(repos), nullString(inst.APIKey))
	if err != nil {
		return fmt.Errorf("store: upsert installation: %w", err)
	}
	return nil
}

func (s *sqlStore) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT installation_id, account_login, repositories, api_key FROM installations WHERE installation_id = ?`),
		installationID)
	var (
		inst   Installation
		repos  sql.NullString
		apiKey sql.NullString
	)
	err := row.Scan(&inst.InstallationID, &inst.AccountLogin, &repos, &apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get installation: %w", err)
	}
	if inst.Repositories, err = decodeJSONStrings(repos); err != nil {
		return nil, err
	}
	inst.APIKey = apiKey.String
	return &inst, nil
}

func (s *sqlStore) CreateOAuthSession(ctx context.Context, apiKey string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > 30*time.Minute {
		ttl = 30 * time.Minute
	}
	state := uuid.NewString()
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO oauth_sessions (state, api_key, expires_at, used, slack_done, github_done, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		state, apiKey, now.Add(ttl), false, false, false, now)
	if err != nil {
		return "", fmt.Errorf("store: create oauth session: %w", err)
	}
	return state, nil
}

// consumeOAuthStep atomically marks one provider leg of the setup session
// complete. Two callbacks racing on the same state see exactly one winner
// per leg.
func (s *sqlStore) consumeOAuthStep(ctx context.Context, tx *sql.Tx, state, column string) (string, error) {
	now := s.clock().UTC()
	//nolint:gosec // column is one of two compile-time constants
	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE oauth_sessions SET `+column+` = ?
			WHERE state = ? AND used = ? AND expires_at > ? AND `+column+` = ?`),
		true, state, false, now, false)
	if err != nil {
		return "", fmt.Errorf("store: oauth step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrSessionExpired
	}

	var (
		apiKey                string
		slackDone, githubDone bool
	)
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT api_key, slack_done, github_done FROM oauth_sessions WHERE state = ?`), state).
		Scan(&apiKey, &slackDone, &githubDone)
	if err != nil {
		return "", fmt.Errorf("store: oauth step: %w", err)
	}
	if slackDone && githubDone {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE oauth_sessions SET used = ? WHERE state = ?`), true, state); err != nil {
			return "", fmt.Errorf("store: oauth step: %w", err)
		}
	}
	return apiKey, nil
}

func (s *sqlStore) CompleteSlackOAuth(ctx context.Context, state, botToken, channel string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: slack oauth: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	apiKey, err := s.consumeOAuthStep(ctx, tx, state, "slack_done")
	if err != nil {
		return "", err
	}

	sealed, err := sealToken(s.vault, botToken)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO settings (api_key, slack_bot_token, slack_channel, slack_enabled)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (api_key) DO UPDATE SET
				slack_bot_token = excluded.slack_bot_token,
				slack_channel = excluded.slack_channel,
				slack_enabled = excluded.slack_enabled`),
		apiKey, nullString(sealed), nullString(channel), true)
	if err != nil {
		return "", fmt.Errorf("store: slack oauth: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: slack oauth: %w", err)
	}
	return apiKey, nil
}

func (s *sqlStore) CompleteGitHubInstallation(ctx context.Context, state string, installationID int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: github install: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	apiKey, err := s.consumeOAuthStep(ctx, tx, state, "github_done")
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET installation_id = ? WHERE api_key = ?`),
		installationID, apiKey); err != nil {
		return "", fmt.Errorf("store: github install: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO installations (installation_id, account_login, api_key)
			VALUES (?, '', ?)
			ON CONFLICT (installation_id) DO UPDATE SET api_key = excluded.api_key`),
		installationID, apiKey); err != nil {
		return "", fmt.Errorf("store: github install: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: github install: %w", err)
	}
	return apiKey, nil
}

func (s *sqlStore) GetSettings(ctx context.Context, apiKey string) (*Settings, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT api_key, slack_bot_token, slack_channel, slack_enabled, slack_webhook_url,
			generic_webhook_url, generic_secret, channel_prefs, protected_branches
			FROM settings WHERE api_key = ?`), apiKey)
	var (
		set                         Settings
		botToken, channel           sql.NullString
		slackWebhook, genericURL    sql.NullString
		genericSecret, channelPrefs sql.NullString
		protected                   sql.NullString
	)
	err := row.Scan(&set.APIKey, &botToken, &channel, &set.SlackEnabled, &slackWebhook,
		&genericURL, &genericSecret, &channelPrefs, &protected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	if botToken.Valid {
		set.SlackBotToken = openToken(s.vault, botToken.String)
	}
	set.SlackChannel = channel.String
	set.SlackWebhookURL = slackWebhook.String
	set.GenericWebhookURL = genericURL.String
	if genericSecret.Valid {
		set.GenericSecret = openToken(s.vault, genericSecret.String)
	}
	if set.ChannelPrefs, err = decodeJSONMap(channelPrefs); err != nil {
		return nil, err
	}
	set.ProtectedBranches = protected.String
	return &set, nil
}

func (s *sqlStore) UpsertSettings(ctx context.Context, set *Settings) error {
	botToken, err := sealToken(s.vault, set.SlackBotToken)
	if err != nil {
		return err
	}
	secret, err := sealToken(s.vault, set.GenericSecret)
	if err != nil {
		return err
	}
	prefs, err := encodeJSON(set.ChannelPrefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO settings (api_key, slack_bot_token, slack_channel, slack_enabled,
			slack_webhook_url, generic_webhook_url, generic_secret, channel_prefs, protected_branches)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (api_key) DO UPDATE SET
				slack_bot_token = excluded.slack_bot_token,
				slack_channel = excluded.slack_channel,
				slack_enabled = excluded.slack_enabled,
				slack_webhook_url = excluded.slack_webhook_url,
				generic_webhook_url = excluded.generic_webhook_url,
				generic_secret = excluded.generic_secret,
				channel_prefs = excluded.channel_prefs,
				protected_branches = excluded.protected_branches`),
		set.APIKey, nullString(botToken), nullString(set.SlackChannel), set.SlackEnabled,
		nullString(set.SlackWebhookURL), nullString(set.GenericWebhookURL), nullString(secret),
		nullString(prefs), nullString(set.ProtectedBranches))
	if err != nil {
		return fmt.Errorf("store: upsert settings: %w", err)
	}
	return nil
}

func (s *sqlStore) ExpirePending(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`UPDATE changes SET status = 'expired'
			WHERE status = 'pending'
			AND (expires_at < ? OR (revert_expires_at IS NOT NULL AND revert_expires_at < ?))
			RETURNING change_id`),
		now.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: expire pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM approval_tokens WHERE used = ? OR expires_at < ?`),
		true, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: gc tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) MigrateTokensToEncrypted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT change_id, token, revert_token FROM changes
			WHERE (token IS NOT NULL AND token != '') OR (revert_token IS NOT NULL AND revert_token != '')`))
	if err != nil {
		return 0, fmt.Errorf("store: token migration: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type pending struct {
		id                 string
		token, revertToken sql.NullString
	}
	var candidates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.token, &p.revertToken); err != nil {
			return 0, err
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	migrated := 0
	for _, p := range candidates {
		needToken := p.token.Valid && p.token.String != "" && !vault.LooksEncrypted(p.token.String)
		needRevert := p.revertToken.Valid && p.revertToken.String != "" && !vault.LooksEncrypted(p.revertToken.String)
		if !needToken && !needRevert {
			continue
		}
		token := p.token
		if needToken {
			enc, err := s.vault.Encrypt(p.token.String)
			if err != nil {
				return migrated, err
			}
			token = sql.NullString{String: enc, Valid: true}
		}
		revert := p.revertToken
		if needRevert {
			enc, err := s.vault.Encrypt(p.revertToken.String)
			if err != nil {
				return migrated, err
			}
			revert = sql.NullString{String: enc, Valid: true}
		}
		if _, err := s.db.ExecContext(ctx,
			s.rebind(`UPDATE changes SET token = ?, revert_token = ? WHERE change_id = ?`),
			token, revert, p.id); err != nil {
			return migrated, fmt.Errorf("store: token migration: %w", err)
		}
		migrated++
	}
	return migrated, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
