// Package engine owns the change lifecycle: dry-run evaluation, approval
// gated apply, and revert. It is the only component that moves a change
// through the state machine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/policy"
	"github.com/saferun-dev/saferun/pkg/provider"
	"github.com/saferun-dev/saferun/pkg/risk"
	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

const (
	pendingTTL        = 2 * time.Hour
	revertWindowHours = 24
)

// Publisher enqueues lifecycle notifications without blocking.
type Publisher interface {
	Enqueue(ev notify.Event)
}

// TokenMinter produces installation-scoped credentials for changes that
// carry no caller credential (webhook origin) and for the events-API
// revert fallback.
type TokenMinter interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Engine coordinates store, providers, risk, policy and notifier.
type Engine struct {
	registry *provider.Registry
	store    store.Store
	notifier Publisher
	logger   *slog.Logger
	minter   TokenMinter

	defaultPolicy   *policy.RuleSet
	approveBaseURL  string
	revertBaseURL   string
	providerTimeout time.Duration
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTokenMinter wires the provider App token source.
func WithTokenMinter(m TokenMinter) Option {
	return func(e *Engine) { e.minter = m }
}

// WithDefaultPolicy sets the rule set used when a dry-run carries none.
func WithDefaultPolicy(rs *policy.RuleSet) Option {
	return func(e *Engine) { e.defaultPolicy = rs }
}

// WithBaseURLs sets the bases for approve and revert links.
func WithBaseURLs(approve, revert string) Option {
	return func(e *Engine) {
		e.approveBaseURL = approve
		e.revertBaseURL = revert
	}
}

// WithProviderTimeout bounds each upstream call.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) { e.providerTimeout = d }
}

// New builds an Engine.
func New(reg *provider.Registry, st store.Store, notifier Publisher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:        reg,
		store:           st,
		notifier:        notifier,
		logger:          logger,
		defaultPolicy:   &policy.RuleSet{},
		approveBaseURL:  "http://localhost:8080/approvals",
		revertBaseURL:   "http://localhost:8080/v1/revert",
		providerTimeout: 15 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DryRunInput is a proposed operation before any upstream mutation.
type DryRunInput struct {
	Provider   string
	Operation  string
	TargetID   string
	Credential string
	APIKey     string
	// Reason is a caller-supplied explanation, folded into risk context.
	Reason string
	// PolicyJSON overrides the default rule set for this change.
	PolicyJSON json.RawMessage
	// WebhookURL receives per-change notifications.
	WebhookURL string
	// Metadata carries operation parameters, e.g. new_sha for force_push.
	Metadata map[string]any
}

// DryRunResult is returned to the caller and mirrored in the dry_run
// notification.
type DryRunResult struct {
	ChangeID         string    `json:"change_id"`
	RequiresApproval bool      `json:"requires_approval"`
	ApproveURL       string    `json:"approve_url"`
	RiskScore        float64   `json:"risk_score"`
	Reasons          []string  `json:"reasons"`
	HumanPreview     string    `json:"human_preview"`
	IsReversible     bool      `json:"is_reversible"`
	RevertURL        string    `json:"revert_url,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ApplyResult reports the outcome of an apply.
type ApplyResult struct {
	ChangeID    string             `json:"change_id"`
	Status      store.ChangeStatus `json:"status"`
	RevertToken string             `json:"revert_token,omitempty"`
	RevertURL   string             `json:"revert_url,omitempty"`
	Summary     map[string]any     `json:"summary,omitempty"`
}

// RevertResult reports the outcome of a revert.
type RevertResult struct {
	ChangeID string             `json:"change_id"`
	Status   store.ChangeStatus `json:"status"`
	Note     string             `json:"note,omitempty"`
}

// operationKinds maps each operation to the target kind it acts on.
var operationKinds = map[string]provider.TargetKind{
	risk.OpDeleteRepo:    provider.TargetRepo,
	risk.OpArchiveRepo:   provider.TargetRepo,
	risk.OpUnarchiveRepo: provider.TargetRepo,
	risk.OpDeleteBranch:  provider.TargetBranch,
	risk.OpForcePush:     provider.TargetBranch,
	risk.OpMerge:         provider.TargetMerge,
	risk.OpBulkClosePRs:  provider.TargetBulk,
}

// DryRun evaluates a proposed operation and persists it as a pending
// change. No upstream mutation happens here.
func (e *Engine) DryRun(ctx context.Context, in DryRunInput) (*DryRunResult, error) {
	p := e.registry.Get(in.Provider)
	if p == nil {
		return nil, saferr.New(saferr.KindBadRequest, "unknown_provider", fmt.Sprintf("provider %q is not supported", in.Provider))
	}
	target, err := provider.ParseTarget(in.TargetID)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindBadRequest, "invalid_target", "target_id does not match the provider grammar", err)
	}
	wantKind, ok := operationKinds[in.Operation]
	if !ok {
		return nil, saferr.New(saferr.KindBadRequest, "invalid_operation", fmt.Sprintf("operation %q is not supported", in.Operation))
	}
	if target.Kind != wantKind {
		return nil, saferr.New(saferr.KindBadRequest, "invalid_operation",
			fmt.Sprintf("operation %q needs a %s target", in.Operation, wantKind))
	}

	mctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	meta, err := p.GetMetadata(mctx, target, in.Credential)
	cancel()
	if err != nil {
		return nil, mapProviderErr(err)
	}

	title := meta.Title
	if title == "" {
		title = target.String()
	}
	riskTitle := title
	if in.Reason != "" {
		riskTitle = title + " " + in.Reason
	}

	raw, reasons := risk.Score(risk.Input{
		Provider:        in.Provider,
		Operation:       in.Operation,
		Title:           riskTitle,
		Object:          meta.Object,
		IsDefault:       meta.IsDefault,
		IsTargetDefault: meta.IsTargetDefault,
		LastEdit:        meta.LastEdit,
		LinkedCount:     meta.LinkedCount,
		BlocksCount:     meta.BlocksCount,
		Metadata:        in.Metadata,
	}, e.now())

	rules := e.defaultPolicy
	if len(in.PolicyJSON) > 0 {
		rules, err = policy.Parse(in.PolicyJSON)
		if err != nil {
			return nil, err
		}
	}
	_, matched := rules.Evaluate(policy.Context{
		RiskScore:   raw,
		Title:       riskTitle,
		LastEdit:    meta.LastEdit,
		BlocksCount: meta.BlocksCount,
		HasDBParent: true,
	}, e.now())
	reasons = append(reasons, matched...)

	// Approval is currently mandatory for every operation; policy output
	// is preserved in the reasons only.
	reversible := !risk.Irreversible(in.Operation)
	now := e.now()
	change := &store.Change{
		ChangeID:         "chg_" + uuid.NewString(),
		Provider:         in.Provider,
		TargetID:         target.String(),
		Title:            title,
		Status:           store.StatusPending,
		RiskScore:        risk.Normalize(raw),
		RequiresApproval: true,
		Reasons:          reasons,
		OperationType:    in.Operation,
		Token:            in.Credential,
		CreatedAt:        now,
		ExpiresAt:        now.Add(pendingTTL),
		APIKey:           in.APIKey,
		WebhookURL:       in.WebhookURL,
		HumanPreview:     humanPreview(in.Operation, target),
		Metadata:         in.Metadata,
		SummaryJSON: map[string]any{
			"dry_run_last_edit": meta.LastEdit.UTC().Format(time.RFC3339),
		},
	}
	if len(in.PolicyJSON) > 0 {
		var pj map[string]any
		if err := json.Unmarshal(in.PolicyJSON, &pj); err == nil {
			change.PolicyJSON = pj
		}
	}
	if reversible {
		window := revertWindowHours
		change.RevertWindow = &window
		until := now.Add(revertWindowHours * time.Hour)
		change.RevertExpiresAt = &until
	}

	if err := e.store.UpsertChange(ctx, change); err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not persist change", err)
	}
	token, err := e.store.CreateApprovalToken(ctx, change.ChangeID, store.TokenKindApprove, pendingTTL)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not create approval token", err)
	}
	e.audit(ctx, change.ChangeID, "dry_run", map[string]any{
		"operation":  in.Operation,
		"risk_score": change.RiskScore,
	})

	result := &DryRunResult{
		ChangeID:         change.ChangeID,
		RequiresApproval: true,
		ApproveURL:       fmt.Sprintf("%s/%s?token=%s", e.approveBaseURL, change.ChangeID, token),
		RiskScore:        change.RiskScore,
		Reasons:          reasons,
		HumanPreview:     change.HumanPreview,
		IsReversible:     reversible,
		ExpiresAt:        change.ExpiresAt,
	}
	if reversible {
		result.RevertURL = e.revertBaseURL
	}

	e.notifier.Enqueue(notify.Event{
		Type:       notify.EventDryRun,
		Change:     change,
		ApproveURL: result.ApproveURL,
		RejectURL:  fmt.Sprintf("%s/%s/reject?token=%s", e.approveBaseURL, change.ChangeID, token),
	})
	return result, nil
}

// Apply executes an approved (or approval-flagged) change against the
// provider and records the revert handle.
func (e *Engine) Apply(ctx context.Context, changeID, apiKey string, approvalFlag bool, credentialOverride string) (*ApplyResult, error) {
	return e.apply(ctx, changeID, apiKey, approvalFlag, credentialOverride, notify.EventApplied, store.StatusApplied)
}

// ApplyApproved is the approval-gateway entry: the approve endpoint has
// already consumed the token, so the apply runs unconditionally, lands in
// executed, and the notification announces the revert window.
func (e *Engine) ApplyApproved(ctx context.Context, changeID, credentialOverride string) (*ApplyResult, error) {
	return e.apply(ctx, changeID, "", true, credentialOverride, notify.EventExecutedWithRevert, store.StatusExecuted)
}

func (e *Engine) apply(ctx context.Context, changeID, apiKey string, approvalFlag bool, credentialOverride, eventType string, finalStatus store.ChangeStatus) (*ApplyResult, error) {
	c, err := e.loadOwned(ctx, changeID, apiKey)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: already executed changes return the prior handle
	// without touching the provider.
	if c.Status == store.StatusApplied || c.Status == store.StatusExecuted {
		return e.applyResult(c), nil
	}
	switch c.Status {
	case store.StatusPending, store.StatusApproved:
	default:
		return nil, saferr.New(saferr.KindConflict, "illegal_state", fmt.Sprintf("change is %s", c.Status))
	}
	if e.now().After(c.ExpiresAt) {
		return nil, saferr.New(saferr.KindGone, "change_expired", "change expired before apply")
	}
	if c.RequiresApproval && c.Status != store.StatusApproved && !approvalFlag {
		return nil, saferr.New(saferr.KindForbidden, "approval_required", "change requires approval")
	}
	if c.Status == store.StatusPending {
		if err := e.store.SetChangeApproved(ctx, c.ChangeID); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				return nil, saferr.New(saferr.KindConflict, "illegal_state", "change is no longer pending")
			}
			return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not approve change", err)
		}
		c.Status = store.StatusApproved
	}

	p := e.registry.Get(c.Provider)
	if p == nil {
		return nil, saferr.New(saferr.KindInternal, "unknown_provider", "provider no longer registered")
	}
	target, err := provider.ParseTarget(c.TargetID)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "invalid_target", "stored target_id is malformed", err)
	}
	credential, err := e.credential(ctx, c, credentialOverride)
	if err != nil {
		return nil, err
	}

	if err := e.checkUnmodified(ctx, p, c, target, credential); err != nil {
		return nil, err
	}

	summary, note, err := e.execute(ctx, p, c, target, credential)
	if err != nil {
		// Change stays as-is so the caller may retry; revert handles are
		// only persisted on success.
		e.audit(ctx, c.ChangeID, "apply_failed", map[string]any{"error": saferr.CodeOf(err)})
		return nil, err
	}

	for k, v := range c.SummaryJSON {
		if _, exists := summary[k]; !exists {
			summary[k] = v
		}
	}
	if err := e.store.UpdateSummaryJSON(ctx, c.ChangeID, summary); err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not record apply summary", err)
	}
	c.SummaryJSON = summary

	reversible := c.RevertWindow != nil
	if reversible {
		c.RevertToken = uuid.NewString()
		if err := e.store.SetRevertToken(ctx, c.ChangeID, c.RevertToken); err != nil {
			return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not store revert token", err)
		}
		ttl := time.Until(*c.RevertExpiresAt)
		if _, err := e.store.CreateApprovalToken(ctx, c.ChangeID, store.TokenKindRevert, ttl); err != nil {
			e.logger.Warn("could not create revert token record", "change_id", c.ChangeID, "error", err)
		}
	}

	if err := e.store.SetChangeStatus(ctx, c.ChangeID, finalStatus); err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not finalize apply", err)
	}
	c.Status = finalStatus
	e.audit(ctx, c.ChangeID, string(finalStatus), map[string]any{"operation": c.OperationType})

	ev := notify.Event{Type: eventType, Change: c, Note: note}
	if reversible {
		ev.RevertURL = e.revertURL(c.RevertToken)
	}
	e.notifier.Enqueue(ev)

	return e.applyResult(c), nil
}

// Revert undoes an executed change using its stored revert descriptor.
func (e *Engine) Revert(ctx context.Context, revertToken, apiKey, credentialOverride string) (*RevertResult, error) {
	c, err := e.store.GetChangeByRevertToken(ctx, revertToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, saferr.New(saferr.KindNotFound, "not_found", "change not found")
	}
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not load change", err)
	}
	if apiKey != "" && c.APIKey != apiKey {
		return nil, saferr.New(saferr.KindNotFound, "not_found", "change not found")
	}

	if c.Status == store.StatusReverted {
		return &RevertResult{ChangeID: c.ChangeID, Status: c.Status}, nil
	}
	switch c.Status {
	case store.StatusApplied, store.StatusExecuted:
	default:
		return nil, saferr.New(saferr.KindConflict, "illegal_state", fmt.Sprintf("change is %s", c.Status))
	}
	if c.RevertExpiresAt != nil && e.now().After(*c.RevertExpiresAt) {
		return nil, saferr.New(saferr.KindGone, "revert_window_closed", "revert window has closed")
	}

	p := e.registry.Get(c.Provider)
	if p == nil {
		return nil, saferr.New(saferr.KindInternal, "unknown_provider", "provider no longer registered")
	}
	target, err := provider.ParseTarget(c.TargetID)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "invalid_target", "stored target_id is malformed", err)
	}
	credential, err := e.credential(ctx, c, credentialOverride)
	if err != nil {
		return nil, err
	}

	note, err := e.executeRevert(ctx, p, c, target, credential)
	if err != nil {
		e.audit(ctx, c.ChangeID, "revert_failed", map[string]any{"error": saferr.CodeOf(err)})
		return nil, err
	}

	if err := e.store.SetChangeStatus(ctx, c.ChangeID, store.StatusReverted); err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not finalize revert", err)
	}
	c.Status = store.StatusReverted
	e.audit(ctx, c.ChangeID, "reverted", map[string]any{"operation": c.OperationType})
	e.notifier.Enqueue(notify.Event{Type: notify.EventReverted, Change: c, Note: note})

	return &RevertResult{ChangeID: c.ChangeID, Status: c.Status, Note: note}, nil
}

// Get returns a change scoped to its owner.
func (e *Engine) Get(ctx context.Context, changeID, apiKey string) (*store.Change, error) {
	return e.loadOwned(ctx, changeID, apiKey)
}

// List returns the tenant's recent changes.
func (e *Engine) List(ctx context.Context, apiKey string, limit int) ([]*store.Change, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	changes, err := e.store.ListChangesByAPIKey(ctx, apiKey, limit)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not list changes", err)
	}
	return changes, nil
}

// RevertURL builds the revert link for a token.
func (e *Engine) RevertURL(token string) string { return e.revertURL(token) }

func (e *Engine) revertURL(token string) string {
	return fmt.Sprintf("%s?token=%s", e.revertBaseURL, token)
}

// loadOwned loads a change and enforces tenant ownership. A foreign key
// observes NotFound, never Forbidden.
func (e *Engine) loadOwned(ctx context.Context, changeID, apiKey string) (*store.Change, error) {
	c, err := e.store.GetChange(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, saferr.New(saferr.KindNotFound, "not_found", "change not found")
	}
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not load change", err)
	}
	if apiKey != "" && c.APIKey != apiKey {
		return nil, saferr.New(saferr.KindNotFound, "not_found", "change not found")
	}
	return c, nil
}

func (e *Engine) applyResult(c *store.Change) *ApplyResult {
	res := &ApplyResult{ChangeID: c.ChangeID, Status: c.Status, Summary: c.SummaryJSON}
	if c.RevertToken != "" {
		res.RevertToken = c.RevertToken
		res.RevertURL = e.revertURL(c.RevertToken)
	}
	return res
}

// credential picks the credential for an upstream call: explicit
// override, then the dry-run credential, then an App installation token.
func (e *Engine) credential(ctx context.Context, c *store.Change, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if c.Token != "" {
		return c.Token, nil
	}
	if id := installationID(c); id != 0 && e.minter != nil {
		token, err := e.minter.InstallationToken(ctx, id)
		if err != nil {
			return "", saferr.Wrap(saferr.KindBadGateway, "credential_unavailable", "could not mint installation token", err)
		}
		return token, nil
	}
	return "", saferr.New(saferr.KindBadRequest, "credential_required", "no credential available for this change")
}

func installationID(c *store.Change) int64 {
	for _, m := range []map[string]any{c.SummaryJSON, c.Metadata} {
		if m == nil {
			continue
		}
		switch v := m["installation_id"].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return 0
}

// checkUnmodified compares the target's last-modified marker against the
// one captured at dry-run time.
func (e *Engine) checkUnmodified(ctx context.Context, p provider.Provider, c *store.Change, target provider.Target, credential string) error {
	recorded, _ := c.SummaryJSON["dry_run_last_edit"].(string)
	if recorded == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339, recorded)
	if err != nil || at.IsZero() {
		return nil
	}
	mctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	meta, err := p.GetMetadata(mctx, target, credential)
	cancel()
	if err != nil {
		return mapProviderErr(err)
	}
	if meta.LastEdit.After(at.Add(time.Second)) {
		return saferr.New(saferr.KindConflict, "target_modified", "target changed since dry-run; run dry-run again")
	}
	return nil
}

// execute performs the forward mutation and returns the summary patch
// carrying the revert descriptor.
func (e *Engine) execute(ctx context.Context, p provider.Provider, c *store.Change, target provider.Target, credential string) (map[string]any, string, error) {
	mctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	switch c.OperationType {
	case risk.OpDeleteBranch:
		sha, err := p.DeleteBranch(mctx, target, credential)
		if err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"github_restore_sha": sha,
			"revert_action":      map[string]any{"type": "branch_restore", "sha": sha},
		}, "", nil

	case risk.OpForcePush:
		newSHA, _ := c.Metadata["new_sha"].(string)
		if newSHA == "" {
			return nil, "", saferr.New(saferr.KindBadRequest, "missing_new_sha", "force_push requires metadata.new_sha")
		}
		res, err := p.ForcePush(mctx, target, credential, newSHA)
		if err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"before_sha":    res.PreviousSHA,
			"revert_action": map[string]any{"type": "force_push_revert", "before_sha": res.PreviousSHA},
		}, "", nil

	case risk.OpMerge:
		res, err := p.Merge(mctx, target, credential)
		if err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"merge_sha":     res.MergeSHA,
			"revert_action": map[string]any{"type": "merge_revert", "merge_sha": res.MergeSHA},
		}, "Revert creates a counter-commit; the merge itself stays in Git history.", nil

	case risk.OpArchiveRepo:
		if err := p.Archive(mctx, target, credential); err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"revert_action": map[string]any{"type": "repository_unarchive"},
		}, "", nil

	case risk.OpUnarchiveRepo:
		if err := p.Unarchive(mctx, target, credential); err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"revert_action": map[string]any{"type": "repository_archive"},
		}, "", nil

	case risk.OpBulkClosePRs:
		prs, err := p.BulkClosePRs(mctx, target, credential)
		if err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{
			"closed_prs":    prs,
			"revert_action": map[string]any{"type": "bulk_reopen", "prs": prs},
		}, "", nil

	case risk.OpDeleteRepo:
		if err := p.DeleteRepository(mctx, target, credential); err != nil {
			return nil, "", mapProviderErr(err)
		}
		return map[string]any{"irreversible": true}, "", nil
	}

	return nil, "", saferr.New(saferr.KindBadRequest, "invalid_operation", fmt.Sprintf("operation %q is not executable", c.OperationType))
}

// executeRevert dispatches on the stored revert descriptor.
func (e *Engine) executeRevert(ctx context.Context, p provider.Provider, c *store.Change, target provider.Target, credential string) (string, error) {
	action, _ := c.SummaryJSON["revert_action"].(map[string]any)
	if action == nil {
		return "", saferr.New(saferr.KindConflict, "not_revertable", "change has no revert descriptor")
	}
	kind, _ := action["type"].(string)

	mctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	switch kind {
	case "branch_restore":
		sha, err := e.resolveBranchSHA(mctx, c, target, credential, action)
		if err != nil {
			return "", err
		}
		if err := p.RestoreBranch(mctx, target, credential, sha); err != nil {
			return "", mapProviderErr(err)
		}
		return "", nil

	case "force_push_revert":
		before := stringFrom(action, "before_sha")
		if before == "" {
			before, _ = c.SummaryJSON["before_sha"].(string)
		}
		if before == "" {
			return "", saferr.New(saferr.KindConflict, "missing_before_sha", "no prior SHA recorded for this force push")
		}
		if _, err := p.ForcePush(mctx, target, credential, before); err != nil {
			return "", mapProviderErr(err)
		}
		return "", nil

	case "merge_revert":
		mergeSHA := stringFrom(action, "merge_sha")
		if mergeSHA == "" {
			mergeSHA, _ = c.SummaryJSON["merge_sha"].(string)
		}
		if mergeSHA == "" {
			return "", saferr.New(saferr.KindConflict, "missing_merge_sha", "no merge commit recorded")
		}
		if _, err := p.CounterCommit(mctx, target, credential, mergeSHA); err != nil {
			return "", mapProviderErr(err)
		}
		return "The merge remains in Git history; a counter-commit restored the previous tree.", nil

	case "repository_unarchive":
		if err := p.Unarchive(mctx, target, credential); err != nil {
			return "", mapProviderErr(err)
		}
		return "", nil

	case "repository_archive":
		if err := p.Archive(mctx, target, credential); err != nil {
			return "", mapProviderErr(err)
		}
		return "", nil

	case "bulk_reopen":
		prs := intsFrom(action, "prs")
		if len(prs) == 0 {
			return "", saferr.New(saferr.KindConflict, "missing_pr_list", "no closed PR list recorded")
		}
		if err := p.BulkReopenPRs(mctx, target, credential, prs); err != nil {
			return "", mapProviderErr(err)
		}
		return "", nil
	}

	return "", saferr.New(saferr.KindConflict, "not_revertable", fmt.Sprintf("unknown revert action %q", kind))
}

// resolveBranchSHA finds the SHA for a branch restore, in order: the
// descriptor itself, the apply-time capture, the webhook-recorded head,
// then the provider's event feed.
func (e *Engine) resolveBranchSHA(ctx context.Context, c *store.Change, target provider.Target, credential string, action map[string]any) (string, error) {
	if sha := stringFrom(action, "sha"); sha != "" {
		return sha, nil
	}
	if sha, _ := c.SummaryJSON["github_restore_sha"].(string); sha != "" {
		return sha, nil
	}
	if sha, _ := c.SummaryJSON["branch_head_sha"].(string); sha != "" {
		return sha, nil
	}
	if sha, err := e.store.LatestBranchHeadSHA(ctx, c.Provider, c.TargetID); err == nil && sha != "" {
		return sha, nil
	}
	if p := e.registry.Get(c.Provider); p != nil {
		if sha, err := p.BranchHeadFromEvents(ctx, target, credential); err == nil && sha != "" {
			return sha, nil
		}
	}
	return "", saferr.New(saferr.KindConflict, "missing_restore_sha", "no SHA available to restore this branch")
}

func stringFrom(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intsFrom(m map[string]any, key string) []int {
	switch list := m[key].(type) {
	case []int:
		return list
	case []any:
		out := make([]int, 0, len(list))
		for _, v := range list {
			switch n := v.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, changeID, event string, meta map[string]any) {
	if err := e.store.InsertAudit(ctx, changeID, event, meta); err != nil {
		e.logger.Warn("audit write failed", "change_id", changeID, "event", event, "error", err)
	}
}

// humanPreview renders the one-line description shown to approvers.
func humanPreview(operation string, target provider.Target) string {
	repo := target.Owner + "/" + target.Repo
	switch operation {
	case risk.OpDeleteBranch:
		return fmt.Sprintf("DELETE BRANCH %s in %s", target.Branch, repo)
	case risk.OpForcePush:
		return fmt.Sprintf("FORCE PUSH to %s in %s", target.Branch, repo)
	case risk.OpMerge:
		return fmt.Sprintf("MERGE %s into %s in %s", target.Source, target.Dest, repo)
	case risk.OpDeleteRepo:
		return fmt.Sprintf("DELETE REPOSITORY %s (PERMANENT)", repo)
	case risk.OpArchiveRepo:
		return fmt.Sprintf("ARCHIVE REPOSITORY %s", repo)
	case risk.OpUnarchiveRepo:
		return fmt.Sprintf("UNARCHIVE REPOSITORY %s", repo)
	case risk.OpBulkClosePRs:
		return fmt.Sprintf("CLOSE ALL OPEN PRS in %s (view %s)", repo, target.View)
	default:
		return fmt.Sprintf("%s on %s", strings.ToUpper(strings.ReplaceAll(operation, "_", " ")), target.String())
	}
}

// mapProviderErr converts typed adapter errors into boundary errors.
// Untyped failures become BadGateway with a non-sensitive message.
func mapProviderErr(err error) error {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return saferr.Wrap(saferr.KindBadGateway, "provider_error", "upstream provider call failed", err)
	}
	switch perr.Kind {
	case provider.ErrRateLimit:
		retry := time.Until(perr.ResetAt)
		if retry < 0 {
			retry = 0
		}
		return saferr.RateLimited("provider_rate_limited", "upstream rate limit hit", retry)
	case provider.ErrUnauthorized:
		return saferr.Wrap(saferr.KindUnauthorized, "provider_unauthorized", "credential rejected by provider", err)
	case provider.ErrForbidden:
		return saferr.Wrap(saferr.KindForbidden, "provider_forbidden", "credential lacks permission", err)
	case provider.ErrNotFound:
		return saferr.Wrap(saferr.KindNotFound, "target_not_found", "target not found at provider", err)
	case provider.ErrConflict:
		return saferr.Wrap(saferr.KindConflict, "provider_conflict", "provider reports a conflicting state", err)
	default:
		return saferr.Wrap(saferr.KindBadGateway, "provider_error", "upstream provider call failed", err)
	}
}
