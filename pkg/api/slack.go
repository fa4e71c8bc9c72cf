package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
	"github.com/saferun-dev/saferun/pkg/webhook"
)

const oauthSessionTTL = 30 * time.Minute

// handleSetupStart opens an OAuth session and returns the install links
// for the unified Slack + GitHub setup flow.
func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	state, err := s.store.CreateOAuthSession(r.Context(), key.Key, oauthSessionTTL)
	if err != nil {
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not create setup session", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"state":           state,
		"slack_auth_url":  s.appBaseURL + "/auth/slack/start?state=" + url.QueryEscape(state),
		"github_callback": s.appBaseURL + "/auth/github/callback",
	})
}

// handleSlackOAuthStart redirects the browser to Slack's consent screen.
func (s *Server) handleSlackOAuthStart(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeCode(w, saferr.KindBadRequest, "missing_state", "state query parameter is required")
		return
	}
	if s.slackClientID == "" {
		writeCode(w, saferr.KindBadRequest, "slack_not_configured", "Slack OAuth is not configured on this server")
		return
	}
	q := url.Values{
		"client_id":    {s.slackClientID},
		"scope":        {"chat:write,chat:write.public"},
		"state":        {state},
		"redirect_uri": {s.appBaseURL + "/auth/slack/callback"},
	}
	http.Redirect(w, r, "https://slack.com/oauth/v2/authorize?"+q.Encode(), http.StatusFound)
}

// handleSlackOAuthCallback exchanges the code for a bot token and stores
// it in the tenant's settings. The state is single-use.
func (s *Server) handleSlackOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeCode(w, saferr.KindBadRequest, "missing_code", "code and state query parameters are required")
		return
	}
	resp, err := slack.GetOAuthV2ResponseContext(r.Context(), http.DefaultClient,
		s.slackClientID, s.slackClientSecret, code, s.appBaseURL+"/auth/slack/callback")
	if err != nil {
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindBadGateway, "slack_oauth_failed", "Slack rejected the authorization code", err))
		return
	}
	channel := resp.IncomingWebhook.ChannelID
	if channel == "" {
		channel = resp.IncomingWebhook.Channel
	}
	if _, err := s.store.CompleteSlackOAuth(r.Context(), state, resp.AccessToken, channel); err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			writeCode(w, saferr.KindGone, "session_expired", "the setup session expired or was already used")
			return
		}
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not complete Slack setup", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Slack workspace connected"})
}

// handleGitHubInstallCallback links a GitHub App installation to the
// tenant that started the setup session.
func (s *Server) handleGitHubInstallCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	rawID := r.URL.Query().Get("installation_id")
	if state == "" || rawID == "" {
		writeCode(w, saferr.KindBadRequest, "missing_installation", "state and installation_id query parameters are required")
		return
	}
	installationID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_installation", "installation_id must be an integer")
		return
	}
	apiKey, err := s.store.CompleteGitHubInstallation(r.Context(), state, installationID)
	if err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			writeCode(w, saferr.KindGone, "session_expired", "the setup session expired or was already used")
			return
		}
		WriteErr(w, s.logger, saferr.Wrap(saferr.KindInternal, "store_error", "could not complete GitHub installation", err))
		return
	}
	if err := s.store.LinkInstallation(r.Context(), apiKey, installationID); err != nil {
		s.logger.Warn("installation link failed", "installation_id", installationID, "error", err)
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "GitHub App installed"})
}

// verifiedSlackBody reads the body and checks the Slack request signature.
func (s *Server) verifiedSlackBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_body", "could not read request body")
		return nil, false
	}
	if err := webhook.VerifySlackRequest(s.slackSigningSecret, r.Header, body); err != nil {
		writeCode(w, saferr.KindUnauthorized, "invalid_signature", "Slack request signature verification failed")
		return nil, false
	}
	return body, true
}

// handleSlackEvents answers the Events API: the url_verification
// handshake and acknowledgements for everything else.
func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedSlackBody(w, r)
	if !ok {
		return
	}
	var event struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_body", "event payload is not valid JSON")
		return
	}
	if event.Type == "url_verification" {
		WriteJSON(w, http.StatusOK, map[string]string{"challenge": event.Challenge})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// slackAction is the subset of a block_actions payload the buttons carry:
// action_id approve|reject, value "change_id:token".
type slackInteractionPayload struct {
	Type    string `json:"type"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
}

// handleSlackInteractions processes approve/reject button clicks.
func (s *Server) handleSlackInteractions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedSlackBody(w, r)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_body", "interaction payload is not form-encoded")
		return
	}
	var payload slackInteractionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		writeCode(w, saferr.KindBadRequest, "invalid_body", "interaction payload is not valid JSON")
		return
	}
	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	action := payload.Actions[0]
	changeID, token, found := strings.Cut(action.Value, ":")
	if !found {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var decision any
	switch action.ActionID {
	case "approve":
		decision, err = s.gateway.Approve(r.Context(), changeID, token, "", "")
	case "reject":
		decision, err = s.gateway.Reject(r.Context(), changeID, token, "")
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		// Slack retries non-200 responses; report the failure in-band.
		s.logger.Warn("slack decision failed", "change_id", changeID, "user", payload.User.ID, "error", err)
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "error",
			"message": saferr.MessageOf(err),
		})
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}
