package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun-dev/saferun/pkg/vault"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	s, err := NewSQLiteStore(context.Background(), ":memory:", v)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChange(apiKey string) *Change {
	now := time.Now().UTC().Truncate(time.Second)
	revertExpiry := now.Add(24 * time.Hour)
	window := 24
	return &Change{
		ChangeID:         uuid.NewString(),
		Provider:         "github",
		TargetID:         "octocat/hello#feature-x",
		Title:            "Delete branch feature-x",
		Status:           StatusPending,
		RiskScore:        0.42,
		RequiresApproval: true,
		Reasons:          []string{"github_branch_deletion", "github_recent_commit"},
		PolicyJSON:       map[string]any{"mode": "ANY"},
		SummaryJSON:      map[string]any{"operation_type": "delete_branch"},
		Metadata:         map[string]any{"object": "branch", "isDefault": false},
		OperationType:    "delete_branch",
		Token:            "ghp_secret_credential",
		CreatedAt:        now,
		ExpiresAt:        now.Add(2 * time.Hour),
		RevertWindow:     &window,
		RevertExpiresAt:  &revertExpiry,
		APIKey:           apiKey,
		HumanPreview:     "DELETE BRANCH feature-x from octocat/hello",
	}
}

func TestUpsertGetChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	got, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, c.ChangeID, got.ChangeID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, c.Reasons, got.Reasons)
	assert.Equal(t, "delete_branch", got.SummaryJSON["operation_type"])
	assert.Equal(t, false, got.Metadata["isDefault"])
	assert.Equal(t, "ghp_secret_credential", got.Token, "token decrypted on read")
	assert.InDelta(t, 0.42, got.RiskScore, 1e-9)
	require.NotNil(t, got.RevertWindow)
	assert.Equal(t, 24, *got.RevertWindow)

	_, err = s.GetChange(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	var stored string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT token FROM changes WHERE change_id = ?`, c.ChangeID).Scan(&stored))
	assert.True(t, vault.LooksEncrypted(stored), "token column must hold ciphertext")
	assert.NotEqual(t, c.Token, stored)

	// Re-saving the loaded change must not double-encrypt.
	got, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err)
	require.NoError(t, s.UpsertChange(ctx, got))
	got2, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret_credential", got2.Token)
}

func TestTokenDecryptFailureIsSoft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	// Corrupt the ciphertext directly. Base64 of 40 bytes still "looks
	// encrypted" but fails authentication.
	corrupt := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=="
	_, err := s.db.ExecContext(ctx, `UPDATE changes SET token = ? WHERE change_id = ?`, corrupt, c.ChangeID)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err, "decrypt failure must not fail the read")
	assert.Empty(t, got.Token)
}

func TestGetChangeByRevertToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Encrypted-at-rest row (normal path).
	c1 := testChange("sr_alice")
	c1.RevertToken = uuid.NewString()
	require.NoError(t, s.UpsertChange(ctx, c1))

	got, err := s.GetChangeByRevertToken(ctx, c1.RevertToken)
	require.NoError(t, err)
	assert.Equal(t, c1.ChangeID, got.ChangeID)

	// Legacy plaintext row (fast path).
	c2 := testChange("sr_bob")
	require.NoError(t, s.UpsertChange(ctx, c2))
	legacy := "legacy-revert-handle"
	_, err = s.db.ExecContext(ctx, `UPDATE changes SET revert_token = ? WHERE change_id = ?`, legacy, c2.ChangeID)
	require.NoError(t, err)

	got2, err := s.GetChangeByRevertToken(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, c2.ChangeID, got2.ChangeID)

	_, err = s.GetChangeByRevertToken(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetChangeByRevertToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	// pending -> rejected is legal.
	require.NoError(t, s.SetChangeStatus(ctx, c.ChangeID, StatusRejected))

	// rejected is terminal.
	err := s.SetChangeStatus(ctx, c.ChangeID, StatusApplied)
	assert.ErrorIs(t, err, ErrIllegalStatus)

	// Full happy path on a fresh change.
	c2 := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c2))
	for _, st := range []ChangeStatus{StatusApproved, StatusApplied, StatusReverted} {
		require.NoError(t, s.SetChangeStatus(ctx, c2.ChangeID, st))
	}

	assert.ErrorIs(t, s.SetChangeStatus(ctx, "missing", StatusApproved), ErrNotFound)
}

func TestSetChangeApproved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	require.NoError(t, s.SetChangeApproved(ctx, c.ChangeID))
	got, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.False(t, got.RequiresApproval)

	// Second approval loses: the row is no longer pending.
	assert.ErrorIs(t, s.SetChangeApproved(ctx, c.ChangeID), ErrStateConflict)
	assert.ErrorIs(t, s.SetChangeApproved(ctx, "missing"), ErrNotFound)
}

func TestApprovalTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	token, err := s.CreateApprovalToken(ctx, c.ChangeID, TokenKindApprove, time.Hour)
	require.NoError(t, err)

	ok, err := s.VerifyAndConsumeToken(ctx, c.ChangeID, token)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exactly-one-use: the second consume fails even before expiry.
	ok, err = s.VerifyAndConsumeToken(ctx, c.ChangeID, token)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong change id never consumes.
	token2, err := s.CreateApprovalToken(ctx, c.ChangeID, TokenKindApprove, time.Hour)
	require.NoError(t, err)
	ok, err = s.VerifyAndConsumeToken(ctx, "other-change", token2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApprovalTokenExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, err := s.CreateApprovalToken(ctx, "c1", TokenKindRevert, -time.Minute)
	require.NoError(t, err)

	ok, err := s.VerifyAndConsumeToken(ctx, "c1", token)
	require.NoError(t, err)
	assert.False(t, ok, "expired token must not verify")
}

func TestExpirePendingSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Overdue revert window while pending (S5 shape).
	overdue := testChange("sr_alice")
	past := now.Add(-time.Second)
	overdue.RevertExpiresAt = &past
	require.NoError(t, s.UpsertChange(ctx, overdue))

	// Fresh pending change, not eligible.
	fresh := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, fresh))

	ids, err := s.ExpirePending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{overdue.ChangeID}, ids)

	got, err := s.GetChange(ctx, overdue.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// Second back-to-back tick transitions nothing.
	ids, err = s.ExpirePending(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteStaleTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	used, err := s.CreateApprovalToken(ctx, "c1", TokenKindApprove, time.Hour)
	require.NoError(t, err)
	_, err = s.VerifyAndConsumeToken(ctx, "c1", used)
	require.NoError(t, err)

	_, err = s.CreateApprovalToken(ctx, "c2", TokenKindApprove, -time.Hour)
	require.NoError(t, err)

	live, err := s.CreateApprovalToken(ctx, "c3", TokenKindApprove, time.Hour)
	require.NoError(t, err)

	n, err := s.DeleteStaleTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.GetApprovalToken(ctx, live)
	assert.NoError(t, err)
}

func TestMigrateTokensToEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	// Simulate legacy plaintext rows written before the vault existed.
	legacy := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, legacy))
	_, err := s.db.ExecContext(ctx,
		`UPDATE changes SET token = 'ghp_legacy_plaintext', revert_token = 'legacy-handle' WHERE change_id = ?`,
		legacy.ChangeID)
	require.NoError(t, err)

	n, err := s.MigrateTokensToEncrypted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the plaintext row is rewritten")

	var storedToken, storedRevert string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT token, revert_token FROM changes WHERE change_id = ?`, legacy.ChangeID).
		Scan(&storedToken, &storedRevert))
	assert.True(t, vault.LooksEncrypted(storedToken))
	assert.True(t, vault.LooksEncrypted(storedRevert))

	got, err := s.GetChange(ctx, legacy.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "ghp_legacy_plaintext", got.Token)
	assert.Equal(t, "legacy-handle", got.RevertToken)

	// Idempotent.
	n, err = s.MigrateTokensToEncrypted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAPIKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateAPIKey(ctx, "sr_key1", "alice@example.com")
	require.NoError(t, err)

	rec, err := s.ValidateAPIKey(ctx, "sr_key1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.UsageCount)

	rec, err = s.ValidateAPIKey(ctx, "sr_key1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.UsageCount, "usage counter increments atomically")

	_, err = s.ValidateAPIKey(ctx, "sr_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.LinkInstallation(ctx, "sr_key1", 4242))
	rec, err = s.ValidateAPIKey(ctx, "sr_key1")
	require.NoError(t, err)
	require.NotNil(t, rec.InstallationID)
	assert.EqualValues(t, 4242, *rec.InstallationID)
}

func TestOAuthSessionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateAPIKey(ctx, "sr_key1", "alice@example.com")
	require.NoError(t, err)

	state, err := s.CreateOAuthSession(ctx, "sr_key1", 10*time.Minute)
	require.NoError(t, err)

	apiKey, err := s.CompleteSlackOAuth(ctx, state, "xoxb-bot-token", "#alerts")
	require.NoError(t, err)
	assert.Equal(t, "sr_key1", apiKey)

	// A second Slack callback for the same state loses the race.
	_, err = s.CompleteSlackOAuth(ctx, state, "xoxb-other", "#other")
	assert.ErrorIs(t, err, ErrSessionExpired)

	apiKey, err = s.CompleteGitHubInstallation(ctx, state, 777)
	require.NoError(t, err)
	assert.Equal(t, "sr_key1", apiKey)

	// Both legs done: session consumed entirely.
	_, err = s.CompleteGitHubInstallation(ctx, state, 888)
	assert.ErrorIs(t, err, ErrSessionExpired)

	set, err := s.GetSettings(ctx, "sr_key1")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-bot-token", set.SlackBotToken)
	assert.True(t, set.SlackEnabled)

	inst, err := s.GetInstallation(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, "sr_key1", inst.APIKey)
}

func TestSettingsSecretsEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	set := &Settings{
		APIKey:            "sr_key1",
		SlackBotToken:     "xoxb-secret",
		SlackChannel:      "#ops",
		SlackEnabled:      true,
		GenericWebhookURL: "https://example.com/hook",
		GenericSecret:     "shared-hmac-secret",
		ChannelPrefs:      map[string]any{"dry_run": true},
		ProtectedBranches: "main,release/*",
	}
	require.NoError(t, s.UpsertSettings(ctx, set))

	var storedToken, storedSecret string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT slack_bot_token, generic_secret FROM settings WHERE api_key = 'sr_key1'`).
		Scan(&storedToken, &storedSecret))
	assert.True(t, vault.LooksEncrypted(storedToken))
	assert.True(t, vault.LooksEncrypted(storedSecret))

	got, err := s.GetSettings(ctx, "sr_key1")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-secret", got.SlackBotToken)
	assert.Equal(t, "shared-hmac-secret", got.GenericSecret)
	assert.Equal(t, true, got.ChannelPrefs["dry_run"])
}

func TestFindRecentByTargetOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := testChange("sr_alice")
	c.OperationType = "force_push"
	c.TargetID = "octocat/hello#main"
	require.NoError(t, s.UpsertChange(ctx, c))

	got, err := s.FindRecentByTargetOp(ctx, "github", "octocat/hello#main", "force_push",
		now.Add(-5*time.Minute), []ChangeStatus{StatusPending})
	require.NoError(t, err)
	assert.Equal(t, c.ChangeID, got.ChangeID)

	// Outside the correlation window.
	_, err = s.FindRecentByTargetOp(ctx, "github", "octocat/hello#main", "force_push",
		now.Add(time.Minute), []ChangeStatus{StatusPending})
	assert.ErrorIs(t, err, ErrNotFound)

	// Status mismatch.
	_, err = s.FindRecentByTargetOp(ctx, "github", "octocat/hello#main", "force_push",
		now.Add(-5*time.Minute), []ChangeStatus{StatusExecuted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestBranchHeadSHA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testChange("sr_alice")
	rec.OperationType = "branch_push"
	rec.SummaryJSON = map[string]any{"branch_head_sha": "abc123"}
	require.NoError(t, s.UpsertChange(ctx, rec))

	sha, err := s.LatestBranchHeadSHA(ctx, "github", rec.TargetID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)

	_, err = s.LatestBranchHeadSHA(ctx, "github", "other/repo#branch")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAudit(ctx, "c1", "dry_run", map[string]any{"risk": 0.42}))
	require.NoError(t, s.InsertAudit(ctx, "c1", "applied", nil))

	recs, err := s.ListAudit(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "dry_run", recs[0].Event)
	assert.Equal(t, "applied", recs[1].Event)
	assert.Equal(t, 0.42, recs[0].Meta["risk"])
}

func TestLegacyDoubleEncodedJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChange("sr_alice")
	require.NoError(t, s.UpsertChange(ctx, c))

	// Legacy rows hold JSON-encoded JSON strings.
	_, err := s.db.ExecContext(ctx,
		`UPDATE changes SET summary_json = ? WHERE change_id = ?`,
		`"{\"operation_type\":\"merge\"}"`, c.ChangeID)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, c.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "merge", got.SummaryJSON["operation_type"])
}
