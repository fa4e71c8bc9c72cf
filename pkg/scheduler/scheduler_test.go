package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/store"
	"github.com/saferun-dev/saferun/pkg/vault"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Enqueue(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) expired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == notify.EventExpired {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	st, err := store.NewSQLiteStore(context.Background(), ":memory:", v)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func overdueChange(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	window := 24
	require.NoError(t, st.UpsertChange(context.Background(), &store.Change{
		ChangeID:        id,
		Provider:        "github",
		TargetID:        "octocat/hello#feature-x",
		Title:           "octocat/hello#feature-x",
		Status:          store.StatusPending,
		OperationType:   "delete_branch",
		CreatedAt:       now.Add(-25 * time.Hour),
		ExpiresAt:       past,
		RevertWindow:    &window,
		RevertExpiresAt: &past,
		APIKey:          "sr_alice",
	}))
}

func TestTickExpiresExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := New(st, pub, logger, time.Minute)

	overdueChange(t, st, "chg_overdue")

	// First tick transitions and notifies once.
	sw.Tick(context.Background())
	c, err := st.GetChange(context.Background(), "chg_overdue")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, c.Status)
	assert.Equal(t, 1, pub.expired())

	// Back-to-back second tick is a no-op.
	sw.Tick(context.Background())
	assert.Equal(t, 1, pub.expired())
}

func TestTickLeavesFreshChangesAlone(t *testing.T) {
	st := newTestStore(t)
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := New(st, pub, logger, time.Minute)

	now := time.Now().UTC()
	future := now.Add(24 * time.Hour)
	window := 24
	require.NoError(t, st.UpsertChange(context.Background(), &store.Change{
		ChangeID:        "chg_fresh",
		Provider:        "github",
		TargetID:        "octocat/hello#main",
		Title:           "octocat/hello#main",
		Status:          store.StatusPending,
		OperationType:   "delete_branch",
		CreatedAt:       now,
		ExpiresAt:       now.Add(2 * time.Hour),
		RevertWindow:    &window,
		RevertExpiresAt: &future,
		APIKey:          "sr_alice",
	}))

	sw.Tick(context.Background())
	c, err := st.GetChange(context.Background(), "chg_fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, c.Status)
	assert.Equal(t, 0, pub.expired())
}

func TestTickCollectsStaleTokens(t *testing.T) {
	st := newTestStore(t)
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := New(st, pub, logger, time.Minute)
	ctx := context.Background()

	overdueChange(t, st, "chg_tok")
	token, err := st.CreateApprovalToken(ctx, "chg_tok", store.TokenKindApprove, -time.Minute)
	require.NoError(t, err)

	sw.Tick(ctx)

	_, err = st.GetApprovalToken(ctx, token)
	assert.ErrorIs(t, err, store.ErrNotFound, "expired token removed by gc")
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := New(st, pub, logger, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
