// Package scheduler runs the periodic expiry sweep: overdue pending
// changes transition to expired exactly once, and stale approval tokens
// are garbage collected.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/store"
)

// Publisher enqueues notifications.
type Publisher interface {
	Enqueue(ev notify.Event)
}

// Metrics counts swept changes; nil disables recording.
type Metrics interface {
	ChangesExpired(ctx context.Context, n int)
}

// Sweeper expires overdue changes on a fixed interval.
type Sweeper struct {
	store    store.Store
	notifier Publisher
	logger   *slog.Logger
	interval time.Duration
	metrics  Metrics
	now      func() time.Time
}

// New builds a Sweeper. A zero interval defaults to five minutes.
func New(st store.Store, notifier Publisher, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: st, notifier: notifier, logger: logger, interval: interval, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithMetrics enables the expired-changes counter.
func (s *Sweeper) WithMetrics(m Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Run ticks immediately, then on every interval until ctx is cancelled.
// Multiple processes may run concurrently; the store's conditional
// update guarantees at most one transition per change.
func (s *Sweeper) Run(ctx context.Context) {
	s.Tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep. Exported so boot and tests can force a pass.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.now()

	ids, err := s.store.ExpirePending(ctx, now)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		c, err := s.store.GetChange(ctx, id)
		if err != nil {
			s.logger.Warn("expired change vanished before notification", "change_id", id, "error", err)
			continue
		}
		if err := s.store.InsertAudit(ctx, id, "expired", nil); err != nil {
			s.logger.Warn("audit write failed", "change_id", id, "error", err)
		}
		s.notifier.Enqueue(notify.Event{Type: notify.EventExpired, Change: c})
	}
	if len(ids) > 0 {
		s.logger.Info("expired pending changes", "count", len(ids))
		if s.metrics != nil {
			s.metrics.ChangesExpired(ctx, len(ids))
		}
	}

	deleted, err := s.store.DeleteStaleTokens(ctx, now)
	if err != nil {
		s.logger.Error("token gc failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("deleted stale approval tokens", "count", deleted)
	}
}
