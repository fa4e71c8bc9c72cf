// Package approval is the gateway in front of approve, reject and revert
// decisions. It supports two callers: holders of a one-time approval
// token (email and chat buttons) and API-key owners.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/saferun-dev/saferun/pkg/engine"
	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

// Gateway authenticates approval decisions and hands execution to the
// change engine.
type Gateway struct {
	store  store.Store
	engine *engine.Engine
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Gateway.
func New(st store.Store, eng *engine.Engine, logger *slog.Logger) *Gateway {
	return &Gateway{store: st, engine: eng, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Decision is the outcome of an approve or reject call.
type Decision struct {
	ChangeID string             `json:"change_id"`
	Status   store.ChangeStatus `json:"status"`
	// Applied is set when approval triggered a synchronous apply.
	Applied *engine.ApplyResult `json:"applied,omitempty"`
}

// View loads a change for the approver UI. Token holders see the change
// the token is bound to; key holders see their own changes only.
func (g *Gateway) View(ctx context.Context, changeID, token, apiKey string) (*store.Change, error) {
	if token != "" {
		rec, err := g.store.GetApprovalToken(ctx, token)
		if err != nil || rec.ChangeID != changeID {
			return nil, notFound()
		}
		c, err := g.store.GetChange(ctx, changeID)
		if err != nil {
			return nil, notFound()
		}
		return c, nil
	}
	return g.engine.Get(ctx, changeID, apiKey)
}

// Approve authenticates and executes an approval. Token mode consumes
// the one-time token atomically; exactly one of two racing calls wins.
func (g *Gateway) Approve(ctx context.Context, changeID, token, apiKey, credentialOverride string) (*Decision, error) {
	c, err := g.authenticate(ctx, changeID, token, apiKey)
	if err != nil {
		return nil, err
	}

	if c.Status == store.StatusExpired || g.now().After(c.ExpiresAt) {
		return nil, saferr.New(saferr.KindGone, "change_expired", "change expired before approval")
	}

	if err := g.store.SetChangeApproved(ctx, c.ChangeID); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, saferr.New(saferr.KindConflict, "illegal_state", "change is no longer pending")
		}
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not approve change", err)
	}
	g.audit(ctx, c.ChangeID, "approved")

	decision := &Decision{ChangeID: c.ChangeID, Status: store.StatusApproved}

	// With a revert window the apply runs synchronously; without one the
	// change stays approved for the caller's poll loop to pick up.
	if c.RevertWindow != nil {
		applied, err := g.engine.ApplyApproved(ctx, c.ChangeID, credentialOverride)
		if err != nil {
			return nil, err
		}
		decision.Status = applied.Status
		decision.Applied = applied
	}
	return decision, nil
}

// Reject marks a change rejected. Rejecting an already-expired change is
// not an error: the caller learns the expired state.
func (g *Gateway) Reject(ctx context.Context, changeID, token, apiKey string) (*Decision, error) {
	c, err := g.authenticate(ctx, changeID, token, apiKey)
	if err != nil {
		return nil, err
	}

	if c.Status == store.StatusExpired || (c.Status == store.StatusPending && g.now().After(c.ExpiresAt)) {
		return &Decision{ChangeID: c.ChangeID, Status: store.StatusExpired}, nil
	}

	if err := g.store.SetChangeStatus(ctx, c.ChangeID, store.StatusRejected); err != nil {
		if errors.Is(err, store.ErrIllegalStatus) || errors.Is(err, store.ErrStateConflict) {
			return nil, saferr.New(saferr.KindConflict, "illegal_state", "change can no longer be rejected")
		}
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not reject change", err)
	}
	g.audit(ctx, c.ChangeID, "rejected")
	return &Decision{ChangeID: c.ChangeID, Status: store.StatusRejected}, nil
}

// Revert resolves a revert request in either mode: token holders pass
// the revert token, key holders pass their key along with it.
func (g *Gateway) Revert(ctx context.Context, revertToken, apiKey, credentialOverride string) (*engine.RevertResult, error) {
	return g.engine.Revert(ctx, revertToken, apiKey, credentialOverride)
}

// authenticate resolves the caller to the change they may act on. The
// token is the capability itself and is consumed here; key mode enforces
// ownership and reports foreign changes as missing.
func (g *Gateway) authenticate(ctx context.Context, changeID, token, apiKey string) (*store.Change, error) {
	if token != "" {
		ok, err := g.store.VerifyAndConsumeToken(ctx, changeID, token)
		if err != nil {
			return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not verify token", err)
		}
		if !ok {
			return nil, saferr.New(saferr.KindConflict, "token_spent", "approval token already used or invalid")
		}
		c, err := g.store.GetChange(ctx, changeID)
		if err != nil {
			return nil, notFound()
		}
		return c, nil
	}
	return g.engine.Get(ctx, changeID, apiKey)
}

func (g *Gateway) audit(ctx context.Context, changeID, event string) {
	if err := g.store.InsertAudit(ctx, changeID, event, nil); err != nil {
		g.logger.Warn("audit write failed", "change_id", changeID, "event", event, "error", err)
	}
}

func notFound() error {
	return saferr.New(saferr.KindNotFound, "not_found", "change not found")
}
