package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/saferun-dev/saferun/pkg/engine"
	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	return true
}

// --- Auth ---

type registerRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.tenants.Register(r.Context(), req.Email)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, KeyFromContext(r.Context()))
}

// --- Change lifecycle ---

type dryRunRequest struct {
	TargetID   string          `json:"target_id"`
	Credential string          `json:"credential"`
	Reason     string          `json:"reason,omitempty"`
	Policy     json.RawMessage `json:"policy,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// handleDryRun serves POST /v1/dry-run/{provider}.{op}.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	spec := r.PathValue("op")
	providerName, op, ok := strings.Cut(spec, ".")
	if !ok || providerName == "" || op == "" {
		writeCode(w, saferr.KindBadRequest, "invalid_operation", "path must name the operation as {provider}.{op}")
		return
	}
	var req dryRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := KeyFromContext(r.Context())
	result, err := s.engine.DryRun(r.Context(), engine.DryRunInput{
		Provider:   providerName,
		Operation:  op,
		TargetID:   req.TargetID,
		Credential: req.Credential,
		APIKey:     key.Key,
		Reason:     req.Reason,
		PolicyJSON: req.Policy,
		WebhookURL: req.WebhookURL,
		Metadata:   req.Metadata,
	})
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	s.metrics.ChangeCreated(r.Context(), providerName, op)
	WriteJSON(w, http.StatusOK, result)
}

type applyRequest struct {
	ChangeID   string `json:"change_id"`
	Approval   bool   `json:"approval"`
	Credential string `json:"credential,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChangeID == "" {
		writeCode(w, saferr.KindBadRequest, "missing_change_id", "change_id is required")
		return
	}
	key := KeyFromContext(r.Context())
	result, err := s.engine.Apply(r.Context(), req.ChangeID, key.Key, req.Approval, req.Credential)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	if c, gerr := s.engine.Get(r.Context(), req.ChangeID, key.Key); gerr == nil {
		s.metrics.ChangeApplied(r.Context(), c.Provider, c.OperationType)
	}
	WriteJSON(w, http.StatusOK, result)
}

type revertRequest struct {
	RevertToken string `json:"revert_token"`
	Credential  string `json:"credential,omitempty"`
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RevertToken == "" {
		writeCode(w, saferr.KindBadRequest, "missing_revert_token", "revert_token is required")
		return
	}
	key := KeyFromContext(r.Context())
	result, err := s.gateway.Revert(r.Context(), req.RevertToken, key.Key, req.Credential)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	if c, gerr := s.engine.Get(r.Context(), result.ChangeID, key.Key); gerr == nil {
		s.metrics.ChangeReverted(r.Context(), c.Provider, c.OperationType)
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	c, err := s.engine.Get(r.Context(), r.PathValue("id"), key.Key)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	key := KeyFromContext(r.Context())
	changes, err := s.engine.List(r.Context(), key.Key, limit)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) handleChangeAudit(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	id := r.PathValue("id")
	if _, err := s.engine.Get(r.Context(), id, key.Key); err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	records, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not load audit trail", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"change_id": id, "audit": records})
}

// --- Settings ---

type settingsRequest struct {
	SlackChannel      *string        `json:"slack_channel,omitempty"`
	SlackEnabled      *bool          `json:"slack_enabled,omitempty"`
	SlackWebhookURL   *string        `json:"slack_webhook_url,omitempty"`
	GenericWebhookURL *string        `json:"generic_webhook_url,omitempty"`
	GenericSecret     *string        `json:"generic_secret,omitempty"`
	ChannelPrefs      map[string]any `json:"channel_prefs,omitempty"`
	ProtectedBranches *string        `json:"protected_branches,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	settings, err := s.store.GetSettings(r.Context(), key.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteJSON(w, http.StatusOK, &store.Settings{APIKey: key.Key})
			return
		}
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not load settings", err))
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

// handlePutSettings merges the submitted fields over the stored row so a
// partial update never clears the Slack bot token captured during OAuth.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := KeyFromContext(r.Context())
	settings, err := s.store.GetSettings(r.Context(), key.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not load settings", err))
			return
		}
		settings = &store.Settings{APIKey: key.Key}
	}

	if req.SlackChannel != nil {
		settings.SlackChannel = *req.SlackChannel
	}
	if req.SlackEnabled != nil {
		settings.SlackEnabled = *req.SlackEnabled
	}
	if req.SlackWebhookURL != nil {
		settings.SlackWebhookURL = *req.SlackWebhookURL
	}
	if req.GenericWebhookURL != nil {
		settings.GenericWebhookURL = *req.GenericWebhookURL
	}
	if req.GenericSecret != nil {
		settings.GenericSecret = *req.GenericSecret
	}
	if req.ChannelPrefs != nil {
		settings.ChannelPrefs = req.ChannelPrefs
	}
	if req.ProtectedBranches != nil {
		settings.ProtectedBranches = *req.ProtectedBranches
	}

	if err := s.store.UpsertSettings(r.Context(), settings); err != nil {
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not save settings", err))
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

// --- Approver UI backend ---

func (s *Server) handleApprovalView(w http.ResponseWriter, r *http.Request) {
	c, err := s.gateway.View(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"), extractAPIKey(r))
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

type decisionRequest struct {
	Token      string `json:"token,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// decisionInputs accepts the token from the query string (link clicks) or
// the JSON body (programmatic calls).
func decisionInputs(w http.ResponseWriter, r *http.Request) (token, credential string, ok bool) {
	token = r.URL.Query().Get("token")
	if r.Body != nil && r.ContentLength != 0 {
		var req decisionRequest
		if !decodeBody(w, r, &req) {
			return "", "", false
		}
		if req.Token != "" {
			token = req.Token
		}
		credential = req.Credential
	}
	return token, credential, true
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	token, credential, ok := decisionInputs(w, r)
	if !ok {
		return
	}
	decision, err := s.gateway.Approve(r.Context(), r.PathValue("id"), token, extractAPIKey(r), credential)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	if decision.Applied != nil {
		if c, gerr := s.store.GetChange(r.Context(), decision.ChangeID); gerr == nil {
			s.metrics.ChangeApplied(r.Context(), c.Provider, c.OperationType)
		}
	}
	WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	token, _, ok := decisionInputs(w, r)
	if !ok {
		return
	}
	decision, err := s.gateway.Reject(r.Context(), r.PathValue("id"), token, extractAPIKey(r))
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

// --- Provider webhooks ---

func (s *Server) handleGitHubEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.hooks.ValidateAndParse(r)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	s.metrics.WebhookEvent(r.Context(), r.Header.Get("X-GitHub-Event"))
	if err := s.hooks.Handle(r.Context(), event); err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhookRevert serves the out-of-band revert link from
// notifications. A one-time revert token or the owner's API key with a
// credential authorizes it.
func (s *Server) handleWebhookRevert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, credential, ok := decisionInputs(w, r)
	if !ok {
		return
	}

	if token != "" {
		rec, err := s.store.GetApprovalToken(r.Context(), token)
		if err != nil || rec.ChangeID != id || rec.Kind != store.TokenKindRevert {
			writeCode(w, saferr.KindNotFound, "not_found", "change not found")
			return
		}
		spent, err := s.store.VerifyAndConsumeToken(r.Context(), id, token)
		if err != nil {
			WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not verify token", err))
			return
		}
		if !spent {
			writeCode(w, saferr.KindConflict, "token_spent", "this revert link was already used")
			return
		}
		c, err := s.store.GetChange(r.Context(), id)
		if err != nil {
			writeCode(w, saferr.KindNotFound, "not_found", "change not found")
			return
		}
		result, err := s.engine.Revert(r.Context(), c.RevertToken, c.APIKey, credential)
		if err != nil {
			WriteErr(w, s.logger, err)
			return
		}
		s.metrics.ChangeReverted(r.Context(), c.Provider, c.OperationType)
		WriteJSON(w, http.StatusOK, result)
		return
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeCode(w, saferr.KindUnauthorized, "missing_api_key", "a revert token or API key is required")
		return
	}
	if _, err := s.tenants.Validate(r.Context(), apiKey); err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	c, err := s.engine.Get(r.Context(), id, apiKey)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	result, err := s.engine.Revert(r.Context(), c.RevertToken, apiKey, credential)
	if err != nil {
		WriteErr(w, s.logger, err)
		return
	}
	s.metrics.ChangeReverted(r.Context(), c.Provider, c.OperationType)
	WriteJSON(w, http.StatusOK, result)
}

// --- Probes ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
		"version": ServiceVersion,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeCode(w, saferr.KindInternal, "store_unavailable", "store is not reachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
