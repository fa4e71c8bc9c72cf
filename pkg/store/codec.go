package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saferun-dev/saferun/pkg/vault"
)

// encodeJSON serializes a JSON column value exactly once. A string that is
// already valid JSON passes through untouched, which keeps writes idempotent
// for rows imported from legacy double-encoded data.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return "", nil
		}
		if json.Valid([]byte(s)) {
			return s, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode json: %w", err)
	}
	return string(b), nil
}

// decodeJSONMap deserializes a JSON object column, tolerating one level of
// legacy double encoding.
func decodeJSONMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	raw := []byte(s.String)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m, nil
	}
	// Legacy rows hold a JSON string containing JSON.
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("store: decode json column: %w", err)
	}
	if inner == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(inner), &m); err != nil {
		return nil, fmt.Errorf("store: decode json column: %w", err)
	}
	return m, nil
}

func decodeJSONStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("store: decode json column: %w", err)
	}
	return out, nil
}

// sealToken encrypts a credential unless it already looks like vault
// output, keeping UpsertChange idempotent for re-saved rows.
func sealToken(v *vault.Vault, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if vault.LooksEncrypted(plaintext) {
		return plaintext, nil
	}
	return v.Encrypt(plaintext)
}

// openToken decrypts a credential read from disk. A decrypt failure on a
// token is not a hard read error: the field comes back empty and the change
// remains usable. Legacy plaintext rows pass through.
func openToken(v *vault.Vault, stored string) string {
	if stored == "" {
		return ""
	}
	if !vault.LooksEncrypted(stored) {
		return stored
	}
	plaintext, err := v.Decrypt(stored)
	if err != nil {
		return ""
	}
	return plaintext
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
