package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun-dev/saferun/pkg/approval"
	"github.com/saferun-dev/saferun/pkg/config"
	"github.com/saferun-dev/saferun/pkg/engine"
	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/provider"
	"github.com/saferun-dev/saferun/pkg/store"
	"github.com/saferun-dev/saferun/pkg/tenant"
	"github.com/saferun-dev/saferun/pkg/vault"
	"github.com/saferun-dev/saferun/pkg/webhook"
)

const slackSecret = "slack-signing-secret"

type stubProvider struct {
	mu           sync.Mutex
	deleteCalls  int
	restoredSHAs []string
}

func (f *stubProvider) Name() string { return "github" }

func (f *stubProvider) GetMetadata(ctx context.Context, target provider.Target, credential string) (*provider.Metadata, error) {
	return &provider.Metadata{Title: target.String(), LastEdit: time.Now().Add(-48 * time.Hour)}, nil
}

func (f *stubProvider) Archive(ctx context.Context, target provider.Target, credential string) error {
	return nil
}

func (f *stubProvider) Unarchive(ctx context.Context, target provider.Target, credential string) error {
	return nil
}

func (f *stubProvider) DeleteBranch(ctx context.Context, target provider.Target, credential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return "abc123", nil
}

func (f *stubProvider) RestoreBranch(ctx context.Context, target provider.Target, credential, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoredSHAs = append(f.restoredSHAs, sha)
	return nil
}

func (f *stubProvider) BulkClosePRs(ctx context.Context, target provider.Target, credential string) ([]int, error) {
	return nil, nil
}

func (f *stubProvider) BulkReopenPRs(ctx context.Context, target provider.Target, credential string, prs []int) error {
	return nil
}

func (f *stubProvider) ForcePush(ctx context.Context, target provider.Target, credential, newSHA string) (*provider.ForcePushResult, error) {
	return &provider.ForcePushResult{PreviousSHA: "old", NewSHA: newSHA}, nil
}

func (f *stubProvider) Merge(ctx context.Context, target provider.Target, credential string) (*provider.MergeResult, error) {
	return &provider.MergeResult{MergeSHA: "merge-sha"}, nil
}

func (f *stubProvider) CounterCommit(ctx context.Context, target provider.Target, credential, mergeSHA string) (string, error) {
	return "counter-sha", nil
}

func (f *stubProvider) DeleteRepository(ctx context.Context, target provider.Target, credential string) error {
	return nil
}

func (f *stubProvider) BranchHeadFromEvents(ctx context.Context, target provider.Target, credential string) (string, error) {
	return "", nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Enqueue(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) last(t *testing.T) notify.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no notification captured")
	}
	return c.events[len(c.events)-1]
}

type fixture struct {
	server   *httptest.Server
	store    *store.SQLiteStore
	provider *stubProvider
	events   *capturePublisher
}

func newFixture(t *testing.T, limiter tenant.RateLimiter) *fixture {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(context.Background(), ":memory:", v)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fp := &stubProvider{}
	reg := provider.NewRegistry(fp)
	pub := &capturePublisher{}
	eng := engine.New(reg, st, pub, logger)
	gw := approval.New(st, eng, logger)
	hooks := webhook.New(st, pub, reg, logger, "hook-secret", "saferun-app[bot]")
	tenants := tenant.New(st, logger)

	cfg := &config.Config{
		RateLimitMax:       60,
		AppBaseURL:         "http://localhost:8080",
		SlackSigningSecret: slackSecret,
	}
	srv := New(cfg, st, tenants, eng, gw, hooks, limiter, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, store: st, provider: fp, events: pub}
}

// postGitHub delivers a signed provider event to the webhook endpoint.
func (f *fixture) postGitHub(t *testing.T, eventType string, payload []byte) {
	t.Helper()
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payload)
	req, err := http.NewRequest("POST", f.server.URL+"/webhooks/github/event", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()
	resp, body := f.do(t, "POST", "/v1/auth/register", "", map[string]string{"email": email})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(body, &rec))
	return rec.APIKey
}

func TestChangeLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	key := f.register(t, "alice@example.com")

	resp, body := f.do(t, "POST", "/v1/dry-run/github.delete_branch", key, map[string]any{
		"target_id":  "octocat/hello#feature-x",
		"credential": "ghp_test",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var dr struct {
		ChangeID         string  `json:"change_id"`
		RequiresApproval bool    `json:"requires_approval"`
		RiskScore        float64 `json:"risk_score"`
	}
	require.NoError(t, json.Unmarshal(body, &dr))
	assert.True(t, dr.RequiresApproval)
	assert.NotEmpty(t, dr.ChangeID)
	assert.Equal(t, 0, f.provider.deleteCalls)

	// Apply without the approval flag is refused.
	resp, body = f.do(t, "POST", "/v1/apply", key, map[string]any{"change_id": dr.ChangeID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))

	resp, body = f.do(t, "POST", "/v1/apply", key, map[string]any{
		"change_id": dr.ChangeID,
		"approval":  true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var applied struct {
		Status      string `json:"status"`
		RevertToken string `json:"revert_token"`
	}
	require.NoError(t, json.Unmarshal(body, &applied))
	assert.Equal(t, "applied", applied.Status)
	require.NotEmpty(t, applied.RevertToken)
	assert.Equal(t, 1, f.provider.deleteCalls)

	resp, body = f.do(t, "GET", "/v1/changes/"+dr.ChangeID, key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var c store.Change
	require.NoError(t, json.Unmarshal(body, &c))
	assert.Equal(t, store.StatusApplied, c.Status)

	resp, body = f.do(t, "GET", "/v1/changes", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), dr.ChangeID)

	resp, body = f.do(t, "GET", "/v1/changes/"+dr.ChangeID+"/audit", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dry_run")

	resp, body = f.do(t, "POST", "/v1/revert", key, map[string]any{"revert_token": applied.RevertToken})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reverted struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &reverted))
	assert.Equal(t, "reverted", reverted.Status)
	assert.Equal(t, []string{"abc123"}, f.provider.restoredSHAs)
}

func TestErrorEnvelopeShape(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.register(t, "alice@example.com")
	bob := f.register(t, "bob@example.com")

	resp, body := f.do(t, "POST", "/v1/dry-run/github.delete_branch", alice, map[string]any{
		"target_id":  "octocat/hello#feature-x",
		"credential": "ghp_test",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dr struct {
		ChangeID string `json:"change_id"`
	}
	require.NoError(t, json.Unmarshal(body, &dr))

	// Another tenant sees NotFound, with the full envelope shape.
	resp, body = f.do(t, "GET", "/v1/changes/"+dr.ChangeID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "error", env.Status)
	assert.NotEmpty(t, env.ErrorCode)
	assert.Equal(t, ServiceName, env.Service)
	assert.Equal(t, ServiceVersion, env.Version)

	// A genuinely missing change yields the same body shape.
	resp, body = f.do(t, "GET", "/v1/changes/chg_missing", bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env2 Envelope
	require.NoError(t, json.Unmarshal(body, &env2))
	assert.Equal(t, env.ErrorCode, env2.ErrorCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/v1/changes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "missing_api_key", env.ErrorCode)

	resp, _ = f.do(t, "GET", "/v1/changes", "sr_bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitHeaders(t *testing.T) {
	limiter := tenant.NewMemoryRateLimiter(time.Minute, 1)
	defer limiter.Stop()
	f := newFixture(t, limiter)
	key := f.register(t, "alice@example.com")

	resp, _ := f.do(t, "GET", "/v1/auth/status", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "GET", "/v1/auth/status", key, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "rate_limited", env.ErrorCode)
}

func TestApprovalEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	key := f.register(t, "alice@example.com")

	resp, body := f.do(t, "POST", "/v1/dry-run/github.delete_branch", key, map[string]any{
		"target_id":  "octocat/hello#feature-x",
		"credential": "ghp_test",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dr struct {
		ChangeID   string `json:"change_id"`
		ApproveURL string `json:"approve_url"`
	}
	require.NoError(t, json.Unmarshal(body, &dr))
	u, err := url.Parse(dr.ApproveURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	resp, body = f.do(t, "GET", "/approvals/"+dr.ChangeID+"?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), dr.ChangeID)

	resp, body = f.do(t, "POST", "/approvals/"+dr.ChangeID+"/approve?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var decision struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.Equal(t, "executed", decision.Status)
	assert.Equal(t, 1, f.provider.deleteCalls)

	// The token is one-time use.
	resp, _ = f.do(t, "POST", "/approvals/"+dr.ChangeID+"/approve?token="+token, "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebhookRevertLinkEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	key := f.register(t, "alice@example.com")
	ctx := context.Background()

	require.NoError(t, f.store.UpsertInstallation(ctx, &store.Installation{
		InstallationID: 42,
		AccountLogin:   "octocat",
	}))
	require.NoError(t, f.store.LinkInstallation(ctx, key, 42))

	// Branch creation records the head SHA, then the out-of-band delete
	// opens a revert window and emits the revert link.
	f.postGitHub(t, "push", []byte(`{
		"ref": "refs/heads/feature-x",
		"after": "last-head",
		"repository": {"full_name": "octocat/hello"},
		"sender": {"login": "alice"},
		"installation": {"id": 42}
	}`))
	f.postGitHub(t, "delete", []byte(`{
		"ref": "feature-x",
		"ref_type": "branch",
		"repository": {"full_name": "octocat/hello"},
		"sender": {"login": "alice"},
		"installation": {"id": 42}
	}`))

	ev := f.events.last(t)
	require.NotNil(t, ev.Change)
	require.NotEmpty(t, ev.RevertURL)
	u, err := url.Parse(ev.RevertURL)
	require.NoError(t, err)
	require.Equal(t, "/webhooks/github/revert/"+ev.Change.ChangeID, u.Path)

	// The link works exactly as emitted, without an API key.
	link := u.Path + "?" + u.RawQuery
	resp, body := f.do(t, "POST", link, "", map[string]any{"credential": "ghp_test"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reverted struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &reverted))
	assert.Equal(t, "reverted", reverted.Status)
	assert.Equal(t, []string{"last-head"}, f.provider.restoredSHAs)

	// The link is one-time use.
	resp, body = f.do(t, "POST", link, "", map[string]any{"credential": "ghp_test"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "token_spent", env.ErrorCode)
}

func slackSign(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestSlackEventsURLVerification(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"type":"url_verification","challenge":"chal-123"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequest("POST", f.server.URL+"/slack/events", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", slackSign(slackSecret, ts, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), "chal-123")

	// A bad signature is rejected before parsing.
	req, err = http.NewRequest("POST", f.server.URL+"/slack/events", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProbes(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), ServiceName)

	resp, _ = f.do(t, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	key := f.register(t, "alice@example.com")

	resp, body := f.do(t, "GET", "/v1/settings", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, "PUT", "/v1/settings", key, map[string]any{
		"slack_channel":       "#deploys",
		"slack_enabled":       true,
		"generic_webhook_url": "https://example.com/hook",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, "GET", "/v1/settings", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settings store.Settings
	require.NoError(t, json.Unmarshal(body, &settings))
	assert.Equal(t, "#deploys", settings.SlackChannel)
	assert.True(t, settings.SlackEnabled)
	assert.Equal(t, "https://example.com/hook", settings.GenericWebhookURL)
}
