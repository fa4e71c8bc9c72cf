// Package tenant issues and validates API keys and enforces per-key
// request admission. Every owning operation in the system is scoped by
// the key issued here.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

// KeyPrefix marks SafeRun API keys on the wire.
const KeyPrefix = "sr_"

// Service manages tenant identity.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New builds a Service.
func New(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Register issues a fresh API key for an email address. The key is the
// only credential; it is returned once and stored as-is.
func (s *Service) Register(ctx context.Context, email string) (*store.APIKey, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, saferr.New(saferr.KindBadRequest, "invalid_email", "a valid email address is required")
	}

	key, err := generateKey()
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "keygen_failed", "could not generate api key", err)
	}
	rec, err := s.store.CreateAPIKey(ctx, key, email)
	if err != nil {
		return nil, saferr.Wrap(saferr.KindInternal, "store_error", "could not persist api key", err)
	}
	s.logger.Info("api key registered", "email", email)
	return rec, nil
}

// Validate resolves a presented key to its record, incrementing the
// usage counter. Unknown or inactive keys are Unauthorized.
func (s *Service) Validate(ctx context.Context, key string) (*store.APIKey, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, saferr.New(saferr.KindUnauthorized, "invalid_api_key", "missing or malformed api key")
	}
	rec, err := s.store.ValidateAPIKey(ctx, key)
	if err != nil {
		return nil, saferr.New(saferr.KindUnauthorized, "invalid_api_key", "unknown api key")
	}
	return rec, nil
}

// generateKey returns "sr_" plus 32 random bytes, urlsafe encoded.
func generateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("tenant: read random: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
