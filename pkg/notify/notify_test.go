package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun-dev/saferun/pkg/store"
)

type fakeStorage struct {
	mu        sync.Mutex
	settings  *store.Settings
	summaries map[string]map[string]any
}

func (f *fakeStorage) GetSettings(ctx context.Context, apiKey string) (*store.Settings, error) {
	if f.settings == nil {
		return nil, store.ErrNotFound
	}
	return f.settings, nil
}

func (f *fakeStorage) UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaries == nil {
		f.summaries = make(map[string]map[string]any)
	}
	f.summaries[changeID] = summary
	return nil
}

type fakeSlack struct {
	mu      sync.Mutex
	posts   int
	updates int
	lastTS  string
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	return channelID, "1724500000.000100", nil
}

func (f *fakeSlack) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.lastTS = timestamp
	return channelID, timestamp, "", nil
}

func testChange() *store.Change {
	return &store.Change{
		ChangeID:      "chg_1",
		Provider:      "github",
		TargetID:      "octocat/hello#feature-x",
		Title:         "octocat/hello#feature-x",
		OperationType: "delete_branch",
		Status:        store.StatusPending,
		RiskScore:     0.42,
		Reasons:       []string{"github_branch_deletion"},
		APIKey:        "sr_key",
		ExpiresAt:     time.Now().Add(2 * time.Hour),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignedWebhookDelivery(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
	}))
	defer srv.Close()

	st := &fakeStorage{settings: &store.Settings{
		APIKey:            "sr_key",
		GenericWebhookURL: srv.URL,
		GenericSecret:     "shared-secret",
	}}
	n := New(st, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	n.Enqueue(Event{Type: EventDryRun, Change: testChange(), ApproveURL: "https://sr.dev/a"})

	select {
	case r := <-received:
		sig := r.Header.Get("X-Signature")
		require.NotEmpty(t, sig)

		canonical, err := jcs.Transform(body)
		require.NoError(t, err)
		assert.Equal(t, string(canonical), string(body), "body is sent in canonical form")

		mac := hmac.New(sha256.New, []byte("shared-secret"))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "dry_run", payload["event"])
		assert.Equal(t, "chg_1", payload["change_id"])
		assert.Equal(t, "https://sr.dev/a", payload["approve_url"])
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestSlackBotStoresMessageTS(t *testing.T) {
	st := &fakeStorage{settings: &store.Settings{
		APIKey:        "sr_key",
		SlackEnabled:  true,
		SlackBotToken: "xoxb-test",
		SlackChannel:  "#ops",
	}}
	fs := &fakeSlack{}
	n := New(st, discardLogger(), WithSlackFactory(func(token string) slackSender { return fs }))

	ctx := context.Background()
	ev := Event{Type: EventDryRun, Change: testChange(), ApproveURL: "https://sr.dev/a"}
	n.deliver(ctx, ev)

	require.Equal(t, 1, fs.posts)
	summary := st.summaries["chg_1"]
	require.NotNil(t, summary)
	assert.Equal(t, "1724500000.000100", summary["slack_message_ts"])

	// A later lifecycle event updates the original message in place.
	applied := testChange()
	applied.Status = store.StatusApplied
	applied.SummaryJSON = summary
	n.deliver(ctx, Event{Type: EventApplied, Change: applied})

	assert.Equal(t, 1, fs.posts, "no second message posted")
	assert.Equal(t, 1, fs.updates)
	assert.Equal(t, "1724500000.000100", fs.lastTS)
}

func TestCustomWebhookSingleAttempt(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := &fakeStorage{}
	n := New(st, discardLogger())

	c := testChange()
	c.WebhookURL = srv.URL
	n.deliver(context.Background(), Event{Type: EventApplied, Change: c})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts, "per-change webhook is fire and forget")
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	st := &fakeStorage{}
	n := New(st, discardLogger(), WithQueueSize(1))

	// Worker not started: second enqueue must not block.
	done := make(chan struct{})
	go func() {
		n.Enqueue(Event{Type: EventExpired, Change: testChange()})
		n.Enqueue(Event{Type: EventExpired, Change: testChange()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestGlobalDefaultsFillMissingSettings(t *testing.T) {
	var defaultHits, ownHits int
	var mu sync.Mutex
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defaultHits++
		mu.Unlock()
	}))
	defer fallback.Close()
	own := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ownHits++
		mu.Unlock()
	}))
	defer own.Close()

	// No settings row at all: the global fallback channel still delivers.
	st := &fakeStorage{}
	n := New(st, discardLogger(), WithDefaults(Defaults{GenericWebhookURL: fallback.URL}))
	n.deliver(context.Background(), Event{Type: EventApplied, Change: testChange()})

	// A tenant's own channel wins over the fallback.
	st2 := &fakeStorage{settings: &store.Settings{
		APIKey:            "sr_key",
		GenericWebhookURL: own.URL,
	}}
	n2 := New(st2, discardLogger(), WithDefaults(Defaults{GenericWebhookURL: fallback.URL}))
	n2.deliver(context.Background(), Event{Type: EventApplied, Change: testChange()})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, defaultHits, "fallback serves tenants without settings")
	assert.Equal(t, 1, ownHits, "tenant settings override the fallback")
}

func TestChannelFailureIsolated(t *testing.T) {
	var genericOK bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		genericOK = true
		mu.Unlock()
	}))
	defer srv.Close()

	st := &fakeStorage{settings: &store.Settings{
		APIKey:            "sr_key",
		SlackWebhookURL:   "http://127.0.0.1:1", // refused
		GenericWebhookURL: srv.URL,
		GenericSecret:     "s",
	}}
	n := New(st, discardLogger())

	n.deliver(context.Background(), Event{Type: EventReverted, Change: testChange()})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, genericOK, "generic webhook delivers despite slack failure")
}
