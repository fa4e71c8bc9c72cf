// Package webhook ingests provider events: it authenticates them,
// filters out our own bot's actions, correlates events with in-flight
// changes, and opens a revert window for operations that bypassed the
// dry-run path (reactive governance).
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v69/github"
	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/provider"
	"github.com/saferun-dev/saferun/pkg/risk"
	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

// correlationWindow is how far back a webhook event looks for the change
// that announced it.
const correlationWindow = 5 * time.Minute

// highRiskThreshold is the raw score at or above which an uncorrelated
// event notifies as executed_high_risk.
const highRiskThreshold = 7.0

// Publisher enqueues notifications.
type Publisher interface {
	Enqueue(ev notify.Event)
}

// TokenMinter exchanges an installation id for an access token, used for
// the events-API SHA fallback.
type TokenMinter interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Processor handles inbound GitHub events.
type Processor struct {
	store         store.Store
	notifier      Publisher
	logger        *slog.Logger
	minter        TokenMinter
	registry      *provider.Registry
	secret        []byte
	botLogin      string
	revertBaseURL string
	now           func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithTokenMinter wires the App token source.
func WithTokenMinter(m TokenMinter) Option {
	return func(p *Processor) { p.minter = m }
}

// WithRevertBaseURL sets the base for revert links in notifications.
func WithRevertBaseURL(u string) Option {
	return func(p *Processor) { p.revertBaseURL = u }
}

// New builds a Processor. botLogin is our own App's login, whose events
// are dropped to avoid feedback loops.
func New(st store.Store, notifier Publisher, reg *provider.Registry, logger *slog.Logger, secret, botLogin string, opts ...Option) *Processor {
	p := &Processor{
		store:         st,
		notifier:      notifier,
		registry:      reg,
		logger:        logger,
		secret:        []byte(secret),
		botLogin:      botLogin,
		revertBaseURL: "http://localhost:8080/webhooks/github/revert",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateAndParse authenticates the request body against the shared
// secret (constant-time) and decodes the event.
func (p *Processor) ValidateAndParse(r *http.Request) (any, error) {
	payload, err := gh.ValidatePayload(r, p.secret)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindUnauthorized, "invalid_signature", "webhook signature mismatch", err)
	}
	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindBadRequest, "invalid_payload", "could not parse webhook payload", err)
	}
	return event, nil
}

// Handle dispatches one parsed event. Unknown event types are ignored.
func (p *Processor) Handle(ctx context.Context, event any) error {
	switch ev := event.(type) {
	case *gh.PushEvent:
		return p.handlePush(ctx, ev)
	case *gh.DeleteEvent:
		return p.handleDelete(ctx, ev)
	case *gh.PullRequestEvent:
		return p.handlePullRequest(ctx, ev)
	case *gh.InstallationEvent:
		return p.handleInstallation(ctx, ev)
	default:
		return nil
	}
}

func (p *Processor) handlePush(ctx context.Context, ev *gh.PushEvent) error {
	if p.isBot(ev.GetSender().GetLogin()) {
		return nil
	}
	// The delete event carries the branch removal; its push twin is noise.
	if ev.GetDeleted() {
		return nil
	}
	branch := strings.TrimPrefix(ev.GetRef(), "refs/heads/")
	targetID := ev.GetRepo().GetFullName() + "#" + branch

	// Record the head SHA for future delete-revert resolution. A push
	// with zero commits is branch creation and stops here.
	if err := p.recordBranchHead(ctx, targetID, ev.GetAfter(), ev.GetInstallation().GetID()); err != nil {
		p.logger.Warn("could not record branch head", "target", targetID, "error", err)
	}
	if len(ev.Commits) == 0 {
		return nil
	}
	if !ev.GetForced() {
		return nil
	}

	return p.correlateOrReact(ctx, correlation{
		operation:      risk.OpForcePush,
		targetID:       targetID,
		installationID: ev.GetInstallation().GetID(),
		title:          targetID,
		revertAction: map[string]any{
			"type":       "force_push_revert",
			"before_sha": ev.GetBefore(),
		},
		summaryExtra: map[string]any{"before_sha": ev.GetBefore()},
	})
}

func (p *Processor) handleDelete(ctx context.Context, ev *gh.DeleteEvent) error {
	if ev.GetRefType() != "branch" {
		return nil
	}
	if p.isBot(ev.GetSender().GetLogin()) {
		return nil
	}
	targetID := ev.GetRepo().GetFullName() + "#" + ev.GetRef()
	instID := ev.GetInstallation().GetID()

	sha := p.resolveDeletedSHA(ctx, targetID, instID)
	action := map[string]any{"type": "branch_restore"}
	if sha != "" {
		action["sha"] = sha
	}

	return p.correlateOrReact(ctx, correlation{
		operation:      risk.OpDeleteBranch,
		targetID:       targetID,
		installationID: instID,
		title:          targetID,
		revertAction:   action,
		summaryExtra:   map[string]any{"branch_head_sha": sha},
	})
}

func (p *Processor) handlePullRequest(ctx context.Context, ev *gh.PullRequestEvent) error {
	if ev.GetAction() != "closed" || !ev.GetPullRequest().GetMerged() {
		return nil
	}
	if p.isBot(ev.GetSender().GetLogin()) {
		return nil
	}
	pr := ev.GetPullRequest()
	targetID := fmt.Sprintf("%s#%s→%s", ev.GetRepo().GetFullName(), pr.GetHead().GetRef(), pr.GetBase().GetRef())

	return p.correlateOrReact(ctx, correlation{
		operation:      risk.OpMerge,
		targetID:       targetID,
		installationID: ev.GetInstallation().GetID(),
		title:          pr.GetTitle(),
		isTargetDefault: pr.GetBase().GetRef() == ev.GetRepo().GetDefaultBranch(),
		revertAction: map[string]any{
			"type":      "merge_revert",
			"merge_sha": pr.GetMergeCommitSHA(),
		},
		summaryExtra: map[string]any{"merge_sha": pr.GetMergeCommitSHA()},
	})
}

func (p *Processor) handleInstallation(ctx context.Context, ev *gh.InstallationEvent) error {
	if ev.GetAction() != "created" {
		return nil
	}
	inst := &store.Installation{
		InstallationID: ev.GetInstallation().GetID(),
		AccountLogin:   ev.GetInstallation().GetAccount().GetLogin(),
	}
	for _, repo := range ev.Repositories {
		inst.Repositories = append(inst.Repositories, repo.GetFullName())
	}
	if err := p.store.UpsertInstallation(ctx, inst); err != nil {
		return fmt.Errorf("webhook: record installation: %w", err)
	}
	p.logger.Info("installation recorded",
		"installation_id", inst.InstallationID, "account", inst.AccountLogin)
	return nil
}

// correlation describes one provider-side mutation observed via webhook.
type correlation struct {
	operation       string
	targetID        string
	installationID  int64
	title           string
	isTargetDefault bool
	revertAction    map[string]any
	summaryExtra    map[string]any
}

// correlateOrReact implements the 5-minute correlation window: a pending
// twin consumes the event silently, an approved or executed twin gains
// the revert descriptor, and everything else becomes a reactive change.
func (p *Processor) correlateOrReact(ctx context.Context, cor correlation) error {
	since := p.now().Add(-correlationWindow)

	if _, err := p.store.FindRecentByTargetOp(ctx, "github", cor.targetID, cor.operation, since,
		[]store.ChangeStatus{store.StatusPending}); err == nil {
		// The CLI path already notified for this change.
		return nil
	}

	if c, err := p.store.FindRecentByTargetOp(ctx, "github", cor.targetID, cor.operation, since,
		[]store.ChangeStatus{store.StatusApproved, store.StatusExecuted}); err == nil {
		return p.attachRevertDescriptor(ctx, c, cor)
	}

	return p.react(ctx, cor)
}

// attachRevertDescriptor updates an already-executing change with the
// payload-sourced revert data and announces the revert window.
func (p *Processor) attachRevertDescriptor(ctx context.Context, c *store.Change, cor correlation) error {
	summary := make(map[string]any, len(c.SummaryJSON)+len(cor.summaryExtra)+2)
	for k, v := range c.SummaryJSON {
		summary[k] = v
	}
	for k, v := range cor.summaryExtra {
		if v != "" && v != nil {
			summary[k] = v
		}
	}
	summary["revert_action"] = cor.revertAction
	if cor.installationID != 0 {
		summary["installation_id"] = cor.installationID
	}
	if err := p.store.UpdateSummaryJSON(ctx, c.ChangeID, summary); err != nil {
		return fmt.Errorf("webhook: attach revert descriptor: %w", err)
	}
	c.SummaryJSON = summary

	if c.RevertToken == "" {
		c.RevertToken = uuid.NewString()
		if err := p.store.SetRevertToken(ctx, c.ChangeID, c.RevertToken); err != nil {
			return fmt.Errorf("webhook: set revert token: %w", err)
		}
	}
	p.audit(ctx, c.ChangeID, "revert_descriptor_attached", map[string]any{"operation": cor.operation})
	p.notifier.Enqueue(notify.Event{
		Type:      notify.EventExecutedWithRevert,
		Change:    c,
		RevertURL: p.revertURL(ctx, c.ChangeID),
	})
	return nil
}

// react records an operation that reached the provider outside the
// dry-run path and offers a revert window for it.
func (p *Processor) react(ctx context.Context, cor correlation) error {
	apiKey, err := p.tenantFor(ctx, cor.installationID)
	if err != nil {
		p.logger.Warn("uncorrelated event has no tenant, dropping",
			"target", cor.targetID, "operation", cor.operation, "installation_id", cor.installationID)
		return nil
	}

	raw, reasons := risk.Score(risk.Input{
		Provider:        "github",
		Operation:       cor.operation,
		Title:           cor.title,
		IsTargetDefault: cor.isTargetDefault,
	}, p.now())

	now := p.now()
	window := 24
	revertUntil := now.Add(24 * time.Hour)
	summary := map[string]any{"revert_action": cor.revertAction}
	for k, v := range cor.summaryExtra {
		if v != "" && v != nil {
			summary[k] = v
		}
	}
	if cor.installationID != 0 {
		summary["installation_id"] = cor.installationID
	}

	c := &store.Change{
		ChangeID:        "chg_" + uuid.NewString(),
		Provider:        "github",
		TargetID:        cor.targetID,
		Title:           cor.title,
		Status:          store.StatusExecuted,
		RiskScore:       risk.Normalize(raw),
		Reasons:         reasons,
		OperationType:   cor.operation,
		CreatedAt:       now,
		ExpiresAt:       now.Add(2 * time.Hour),
		RevertWindow:    &window,
		RevertExpiresAt: &revertUntil,
		APIKey:          apiKey,
		SummaryJSON:     summary,
	}
	if err := p.store.UpsertChange(ctx, c); err != nil {
		return fmt.Errorf("webhook: record reactive change: %w", err)
	}

	c.RevertToken = uuid.NewString()
	if err := p.store.SetRevertToken(ctx, c.ChangeID, c.RevertToken); err != nil {
		return fmt.Errorf("webhook: set revert token: %w", err)
	}
	p.audit(ctx, c.ChangeID, "executed", map[string]any{"origin": "webhook", "operation": cor.operation})

	eventType := notify.EventExecutedWithRevert
	if raw >= highRiskThreshold {
		eventType = notify.EventExecutedHighRisk
	}
	p.notifier.Enqueue(notify.Event{
		Type:      eventType,
		Change:    c,
		RevertURL: p.revertURL(ctx, c.ChangeID),
	})
	return nil
}

// recordBranchHead stores a lightweight push record used later to
// restore a deleted branch.
func (p *Processor) recordBranchHead(ctx context.Context, targetID, sha string, installationID int64) error {
	if sha == "" {
		return nil
	}
	summary := map[string]any{"branch_head_sha": sha}
	if installationID != 0 {
		summary["installation_id"] = installationID
	}
	now := p.now()
	return p.store.UpsertChange(ctx, &store.Change{
		ChangeID:      "push_" + uuid.NewString(),
		Provider:      "github",
		TargetID:      targetID,
		Title:         targetID,
		Status:        store.StatusExecuted,
		OperationType: "branch_push",
		CreatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
		SummaryJSON:   summary,
	})
}

// resolveDeletedSHA finds the deleted branch's last head: stored push
// records first, then the provider's events API under an App token.
func (p *Processor) resolveDeletedSHA(ctx context.Context, targetID string, installationID int64) string {
	if sha, err := p.store.LatestBranchHeadSHA(ctx, "github", targetID); err == nil && sha != "" {
		return sha
	}
	if p.minter == nil || installationID == 0 {
		return ""
	}
	token, err := p.minter.InstallationToken(ctx, installationID)
	if err != nil {
		p.logger.Warn("could not mint installation token for SHA resolution",
			"installation_id", installationID, "error", err)
		return ""
	}
	target, err := provider.ParseTarget(targetID)
	if err != nil {
		return ""
	}
	prov := p.registry.Get("github")
	if prov == nil {
		return ""
	}
	sha, err := prov.BranchHeadFromEvents(ctx, target, token)
	if err != nil {
		p.logger.Warn("events API SHA resolution failed", "target", targetID, "error", err)
		return ""
	}
	return sha
}

// tenantFor maps an installation to its owning API key.
func (p *Processor) tenantFor(ctx context.Context, installationID int64) (string, error) {
	if installationID == 0 {
		return "", fmt.Errorf("webhook: event carries no installation")
	}
	inst, err := p.store.GetInstallation(ctx, installationID)
	if err != nil {
		return "", err
	}
	if inst.APIKey == "" {
		return "", fmt.Errorf("webhook: installation %d is not linked to a tenant", installationID)
	}
	return inst.APIKey, nil
}

func (p *Processor) isBot(login string) bool {
	return login != "" && login == p.botLogin
}

// revertURL mints a one-time capability token for the change and embeds
// it in the out-of-band revert link. An empty string means no link; the
// notification still goes out without one.
func (p *Processor) revertURL(ctx context.Context, changeID string) string {
	token, err := p.store.CreateApprovalToken(ctx, changeID, store.TokenKindRevert, 24*time.Hour)
	if err != nil {
		p.logger.Warn("could not create revert link token", "change_id", changeID, "error", err)
		return ""
	}
	return fmt.Sprintf("%s/%s?token=%s", p.revertBaseURL, changeID, token)
}

func (p *Processor) audit(ctx context.Context, changeID, event string, meta map[string]any) {
	if err := p.store.InsertAudit(ctx, changeID, event, meta); err != nil {
		p.logger.Warn("audit write failed", "change_id", changeID, "event", event, "error", err)
	}
}

// VerifySlackRequest authenticates a Slack callback: HMAC over the
// signing secret plus a ±5-minute timestamp window.
func VerifySlackRequest(signingSecret string, header http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return saferr.Wrap(saferr.KindUnauthorized, "invalid_signature", "slack request rejected", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return saferr.Wrap(saferr.KindInternal, "verifier_error", "could not verify slack request", err)
	}
	if err := verifier.Ensure(); err != nil {
		return saferr.Wrap(saferr.KindUnauthorized, "invalid_signature", "slack request rejected", err)
	}
	return nil
}
