// Package notify delivers change lifecycle events to the tenant's
// configured channels. Delivery runs on a bounded background queue so the
// request path never waits on a webhook; failures are logged and never
// affect change state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gowebpki/jcs"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"github.com/saferun-dev/saferun/pkg/store"
)

// Event types published through the notifier.
const (
	EventDryRun             = "dry_run"
	EventApplied            = "applied"
	EventReverted           = "reverted"
	EventExpired            = "expired"
	EventExecutedWithRevert = "executed_with_revert"
	EventExecutedHighRisk   = "executed_high_risk"
)

// Event is one lifecycle notification. URLs are pre-built by the caller
// so the notifier stays free of routing knowledge.
type Event struct {
	Type       string
	Change     *store.Change
	ApproveURL string
	RejectURL  string
	RevertURL  string
	// Note carries an event-specific caveat, e.g. that a merge revert
	// leaves the original merge in Git history.
	Note string
}

// Storage is the slice of the store the notifier needs: tenant channel
// settings and the summary column that carries the chat message id.
type Storage interface {
	GetSettings(ctx context.Context, apiKey string) (*store.Settings, error)
	UpdateSummaryJSON(ctx context.Context, changeID string, summary map[string]any) error
}

// Defaults are the deployment-wide fallback channels, used for any field
// a tenant's own settings row leaves empty.
type Defaults struct {
	SlackChannel      string
	SlackWebhookURL   string
	GenericWebhookURL string
}

// Metrics receives delivery outcome counters. A nil Metrics disables
// recording.
type Metrics interface {
	NotificationDelivered(ctx context.Context, channel string)
	NotificationFailed(ctx context.Context, channel string)
}

// slackSender is the subset of the Slack client the notifier uses.
type slackSender interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Notifier fans events out to the tenant's channels from a single
// background worker. Safe for concurrent enqueue.
type Notifier struct {
	store      Storage
	logger     *slog.Logger
	httpClient *http.Client
	newSlack   func(token string) slackSender
	queue      chan Event
	done       chan struct{}
	maxRetries uint64
	metrics    Metrics
	defaults   Defaults
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the webhook HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithSlackFactory replaces the Slack client constructor.
func WithSlackFactory(f func(token string) slackSender) Option {
	return func(n *Notifier) { n.newSlack = f }
}

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queue = make(chan Event, size) }
}

// WithMetrics enables delivery outcome counters.
func WithMetrics(m Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithDefaults sets the global fallback channels.
func WithDefaults(d Defaults) Option {
	return func(n *Notifier) { n.defaults = d }
}

// New creates a stopped Notifier; call Start to launch the worker.
func New(st Storage, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		store:      st,
		logger:     logger,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		newSlack: func(token string) slackSender {
			return slack.New(token, slack.OptionHTTPClient(&http.Client{Timeout: 2 * time.Second}))
		},
		queue:      make(chan Event, 256),
		done:       make(chan struct{}),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start launches the delivery worker. It drains the queue until ctx is
// cancelled, then exits.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-n.queue:
				n.deliver(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (n *Notifier) Wait() { <-n.done }

// Enqueue adds an event to the delivery queue without blocking. When the
// queue is full the event is dropped and logged; notification loss never
// stalls the request path.
func (n *Notifier) Enqueue(ev Event) {
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notify queue full, dropping event",
			"event", ev.Type, "change_id", changeID(ev))
	}
}

func changeID(ev Event) string {
	if ev.Change == nil {
		return ""
	}
	return ev.Change.ChangeID
}

// deliver fans one event out across the tenant's channels. Channels are
// isolated: a failing channel logs and the rest proceed.
func (n *Notifier) deliver(ctx context.Context, ev Event) {
	if ev.Change == nil {
		return
	}
	settings, err := n.store.GetSettings(ctx, ev.Change.APIKey)
	if err != nil {
		settings = &store.Settings{}
	}
	n.applyDefaults(settings)

	var g errgroup.Group
	if settings.SlackEnabled && settings.SlackBotToken != "" {
		g.Go(func() error {
			if err := n.retry(ctx, func(c context.Context) error {
				return n.sendSlackBot(c, settings, ev)
			}); err != nil {
				n.logger.Warn("slack bot delivery failed", "event", ev.Type, "change_id", ev.Change.ChangeID, "error", err)
				n.record(ctx, "slack_bot", false)
			} else {
				n.record(ctx, "slack_bot", true)
			}
			return nil
		})
	}
	if settings.SlackWebhookURL != "" {
		g.Go(func() error {
			if err := n.retry(ctx, func(c context.Context) error {
				return n.sendSlackWebhook(c, settings.SlackWebhookURL, ev)
			}); err != nil {
				n.logger.Warn("slack webhook delivery failed", "event", ev.Type, "change_id", ev.Change.ChangeID, "error", err)
				n.record(ctx, "slack_webhook", false)
			} else {
				n.record(ctx, "slack_webhook", true)
			}
			return nil
		})
	}
	if settings.GenericWebhookURL != "" {
		g.Go(func() error {
			if err := n.retry(ctx, func(c context.Context) error {
				return n.sendSignedWebhook(c, settings, ev)
			}); err != nil {
				n.logger.Warn("generic webhook delivery failed", "event", ev.Type, "change_id", ev.Change.ChangeID, "error", err)
				n.record(ctx, "generic_webhook", false)
			} else {
				n.record(ctx, "generic_webhook", true)
			}
			return nil
		})
	}
	if ev.Change.WebhookURL != "" {
		g.Go(func() error {
			// Per-change URL is fire and forget: one attempt only.
			c, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := n.postJSON(c, ev.Change.WebhookURL, n.payload(ev), nil); err != nil {
				n.logger.Warn("custom webhook delivery failed", "event", ev.Type, "change_id", ev.Change.ChangeID, "error", err)
				n.record(ctx, "custom_webhook", false)
			} else {
				n.record(ctx, "custom_webhook", true)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// applyDefaults fills channels the tenant left unset, including tenants
// with no settings row at all.
func (n *Notifier) applyDefaults(settings *store.Settings) {
	if settings.SlackChannel == "" {
		settings.SlackChannel = n.defaults.SlackChannel
	}
	if settings.SlackWebhookURL == "" {
		settings.SlackWebhookURL = n.defaults.SlackWebhookURL
	}
	if settings.GenericWebhookURL == "" {
		settings.GenericWebhookURL = n.defaults.GenericWebhookURL
	}
}

func (n *Notifier) record(ctx context.Context, channel string, ok bool) {
	if n.metrics == nil {
		return
	}
	if ok {
		n.metrics.NotificationDelivered(ctx, channel)
	} else {
		n.metrics.NotificationFailed(ctx, channel)
	}
}

// retry runs fn with exponential backoff and a short per-attempt timeout.
func (n *Notifier) retry(ctx context.Context, fn func(context.Context) error) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return fn(attemptCtx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, n.maxRetries), ctx))
}

// sendSlackBot posts a Block Kit message through the tenant's bot token.
// The message timestamp is saved so later lifecycle events update the
// same message in place.
func (n *Notifier) sendSlackBot(ctx context.Context, settings *store.Settings, ev Event) error {
	client := n.newSlack(settings.SlackBotToken)
	channel := settings.SlackChannel
	if channel == "" {
		channel = "#saferun"
	}

	blocks := n.blocks(ev)
	opts := []slack.MsgOption{
		slack.MsgOptionText(n.fallbackText(ev), false),
		slack.MsgOptionBlocks(blocks...),
	}

	if ts, ok := ev.Change.SummaryJSON["slack_message_ts"].(string); ok && ts != "" && ev.Type != EventDryRun {
		prev, _ := ev.Change.SummaryJSON["slack_channel"].(string)
		if prev != "" {
			channel = prev
		}
		_, _, _, err := client.UpdateMessageContext(ctx, channel, ts, opts...)
		return err
	}

	postedChannel, ts, err := client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return err
	}

	summary := make(map[string]any, len(ev.Change.SummaryJSON)+2)
	for k, v := range ev.Change.SummaryJSON {
		summary[k] = v
	}
	summary["slack_message_ts"] = ts
	summary["slack_channel"] = postedChannel
	if err := n.store.UpdateSummaryJSON(ctx, ev.Change.ChangeID, summary); err != nil {
		n.logger.Warn("could not persist slack message ts", "change_id", ev.Change.ChangeID, "error", err)
	}
	ev.Change.SummaryJSON = summary
	return nil
}

// sendSlackWebhook posts the same blocks to an incoming webhook URL; no
// interactivity, so action buttons become plain links in the text.
func (n *Notifier) sendSlackWebhook(ctx context.Context, url string, ev Event) error {
	msg := slack.WebhookMessage{
		Text:   n.fallbackText(ev),
		Blocks: &slack.Blocks{BlockSet: n.blocks(ev)},
	}
	return n.postJSON(ctx, url, msg, nil)
}

// sendSignedWebhook delivers the JSON payload signed with the tenant's
// shared secret. The signature covers the canonicalized body so the
// receiver can verify independent of key ordering.
func (n *Notifier) sendSignedWebhook(ctx context.Context, settings *store.Settings, ev Event) error {
	raw, err := json.Marshal(n.payload(ev))
	if err != nil {
		return err
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(settings.GenericSecret))
	mac.Write(body)
	headers := map[string]string{"X-Signature": hex.EncodeToString(mac.Sum(nil))}
	return n.postRaw(ctx, settings.GenericWebhookURL, body, headers)
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.postRaw(ctx, url, body, headers)
}

func (n *Notifier) postRaw(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// payload is the generic webhook body.
func (n *Notifier) payload(ev Event) map[string]any {
	c := ev.Change
	p := map[string]any{
		"event":       ev.Type,
		"change_id":   c.ChangeID,
		"provider":    c.Provider,
		"target":      c.TargetID,
		"title":       c.Title,
		"operation":   c.OperationType,
		"status":      string(c.Status),
		"risk_score":  c.RiskScore,
		"reasons":     c.Reasons,
		"requires_approval": c.RequiresApproval,
		"expires_at":  c.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if ev.ApproveURL != "" {
		p["approve_url"] = ev.ApproveURL
	}
	if ev.RejectURL != "" {
		p["reject_url"] = ev.RejectURL
	}
	if ev.RevertURL != "" {
		p["revert_url"] = ev.RevertURL
	}
	if ev.Note != "" {
		p["note"] = ev.Note
	}
	return p
}

// blocks renders the Block Kit layout for an event.
func (n *Notifier) blocks(ev Event) []slack.Block {
	c := ev.Change

	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, n.headline(ev), false, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Target:*\n`%s`", c.TargetID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Risk:*\n%.1f / 10", c.RiskScore*10), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Operation:*\n%s", c.OperationType), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Status:*\n%s", c.Status), false, false),
	}
	body := slack.NewSectionBlock(nil, fields, nil)

	out := []slack.Block{header, body}

	if len(c.Reasons) > 0 {
		reasons := slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Why:* "+strings.Join(c.Reasons, ", "), false, false),
			nil, nil)
		out = append(out, reasons)
	}
	if ev.Note != "" {
		out = append(out, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, ev.Note, false, false)))
	}

	var buttons []slack.BlockElement
	if ev.ApproveURL != "" {
		btn := slack.NewButtonBlockElement("approve", c.ChangeID,
			slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
		btn.URL = ev.ApproveURL
		btn.Style = slack.StylePrimary
		buttons = append(buttons, btn)
	}
	if ev.RejectURL != "" {
		btn := slack.NewButtonBlockElement("reject", c.ChangeID,
			slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
		btn.URL = ev.RejectURL
		btn.Style = slack.StyleDanger
		buttons = append(buttons, btn)
	}
	if ev.RevertURL != "" {
		btn := slack.NewButtonBlockElement("revert", c.ChangeID,
			slack.NewTextBlockObject(slack.PlainTextType, "Revert", false, false))
		btn.URL = ev.RevertURL
		buttons = append(buttons, btn)
	}
	if len(buttons) > 0 {
		out = append(out, slack.NewActionBlock("saferun_actions", buttons...))
	}

	return out
}

func (n *Notifier) headline(ev Event) string {
	switch ev.Type {
	case EventDryRun:
		return "Approval needed"
	case EventApplied:
		return "Change applied"
	case EventReverted:
		return "Change reverted"
	case EventExpired:
		return "Change expired"
	case EventExecutedWithRevert:
		return "Executed (revert available)"
	case EventExecutedHighRisk:
		return "High-risk operation executed"
	default:
		return "SafeRun event"
	}
}

func (n *Notifier) fallbackText(ev Event) string {
	return fmt.Sprintf("%s: %s on %s", n.headline(ev), ev.Change.OperationType, ev.Change.TargetID)
}
