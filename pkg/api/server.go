package api

import (
	"log/slog"
	"net/http"

	"github.com/saferun-dev/saferun/pkg/approval"
	"github.com/saferun-dev/saferun/pkg/config"
	"github.com/saferun-dev/saferun/pkg/engine"
	"github.com/saferun-dev/saferun/pkg/observability"
	"github.com/saferun-dev/saferun/pkg/store"
	"github.com/saferun-dev/saferun/pkg/tenant"
	"github.com/saferun-dev/saferun/pkg/webhook"
)

// Server wires handlers, middleware, and the components they call.
type Server struct {
	logger  *slog.Logger
	store   store.Store
	tenants *tenant.Service
	engine  *engine.Engine
	gateway *approval.Gateway
	hooks   *webhook.Processor
	limiter tenant.RateLimiter
	metrics *observability.Provider

	rateLimitMax       int
	appBaseURL         string
	slackSigningSecret string
	slackClientID      string
	slackClientSecret  string
}

// New builds a Server. limiter and metrics may be nil.
func New(
	cfg *config.Config,
	st store.Store,
	tenants *tenant.Service,
	eng *engine.Engine,
	gateway *approval.Gateway,
	hooks *webhook.Processor,
	limiter tenant.RateLimiter,
	metrics *observability.Provider,
	logger *slog.Logger,
) *Server {
	return &Server{
		logger:             logger,
		store:              st,
		tenants:            tenants,
		engine:             eng,
		gateway:            gateway,
		hooks:              hooks,
		limiter:            limiter,
		metrics:            metrics,
		rateLimitMax:       cfg.RateLimitMax,
		appBaseURL:         cfg.AppBaseURL,
		slackSigningSecret: cfg.SlackSigningSecret,
		slackClientID:      cfg.SlackClientID,
		slackClientSecret:  cfg.SlackClientSecret,
	}
}

// Handler assembles the mux with all routes and shared middleware.
// Versioned API routes sit under /v1; approver UI, provider webhooks, and
// OAuth callbacks are unversioned because their URLs are registered with
// external systems.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth
	mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	mux.HandleFunc("GET /v1/auth/status", s.requireKey(s.handleAuthStatus))

	// Change lifecycle
	mux.HandleFunc("POST /v1/dry-run/{op}", s.requireKey(s.handleDryRun))
	mux.HandleFunc("POST /v1/apply", s.requireKey(s.handleApply))
	mux.HandleFunc("POST /v1/revert", s.requireKey(s.handleRevert))
	mux.HandleFunc("GET /v1/changes", s.requireKey(s.handleListChanges))
	mux.HandleFunc("GET /v1/changes/{id}", s.requireKey(s.handleGetChange))
	mux.HandleFunc("GET /v1/changes/{id}/audit", s.requireKey(s.handleChangeAudit))

	// Settings
	mux.HandleFunc("GET /v1/settings", s.requireKey(s.handleGetSettings))
	mux.HandleFunc("PUT /v1/settings", s.requireKey(s.handlePutSettings))

	// Setup session for the Slack + GitHub installation flow
	mux.HandleFunc("POST /v1/setup", s.requireKey(s.handleSetupStart))

	// Approver UI backend (token or API key)
	mux.HandleFunc("GET /approvals/{id}", s.handleApprovalView)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)

	// Provider webhooks
	mux.HandleFunc("POST /webhooks/github/event", s.handleGitHubEvent)
	mux.HandleFunc("POST /webhooks/github/install", s.handleGitHubEvent)
	mux.HandleFunc("POST /webhooks/github/revert/{id}", s.handleWebhookRevert)

	// Slack callbacks
	mux.HandleFunc("POST /slack/interactions", s.handleSlackInteractions)
	mux.HandleFunc("POST /slack/events", s.handleSlackEvents)

	// OAuth / installation flow
	mux.HandleFunc("GET /auth/slack/start", s.handleSlackOAuthStart)
	mux.HandleFunc("GET /auth/slack/callback", s.handleSlackOAuthCallback)
	mux.HandleFunc("GET /auth/github/callback", s.handleGitHubInstallCallback)

	// Operational
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	return s.withRequestID(s.withLogging(mux))
}
