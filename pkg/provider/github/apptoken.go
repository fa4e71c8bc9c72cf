package github

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// AppTokenMinter exchanges the GitHub App's private key for short-lived
// installation access tokens: a 10-minute RS256 JWT signed as the App,
// traded for an installation token scoped to one installation.
type AppTokenMinter struct {
	appID      string
	privateKey []byte
	baseURL    string

	mu    sync.Mutex
	cache map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewAppTokenMinter creates a minter from the App id and PEM-encoded
// private key.
func NewAppTokenMinter(appID string, privateKeyPEM []byte) *AppTokenMinter {
	return &AppTokenMinter{
		appID:      appID,
		privateKey: privateKeyPEM,
		cache:      make(map[int64]cachedToken),
	}
}

// WithBaseURL points the minter at a test server.
func (m *AppTokenMinter) WithBaseURL(u string) *AppTokenMinter {
	m.baseURL = u
	return m
}

// appJWT signs the App-level JWT. GitHub rejects exp > 10 minutes; iat is
// backdated 60s to absorb clock skew.
func (m *AppTokenMinter) appJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("github app: parse private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("github app: sign jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a valid access token for the installation,
// minting a fresh one when the cached token is within a minute of expiry.
func (m *AppTokenMinter) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	m.mu.Lock()
	if cached, ok := m.cache[installationID]; ok && time.Until(cached.expiresAt) > time.Minute {
		m.mu.Unlock()
		return cached.token, nil
	}
	m.mu.Unlock()

	appJWT, err := m.appJWT()
	if err != nil {
		return "", err
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: appJWT, TokenType: "Bearer"},
	))
	httpClient.Timeout = 15 * time.Second
	client := gh.NewClient(httpClient)
	if m.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(m.baseURL, m.baseURL)
	}

	token, resp, err := client.Apps.CreateInstallationToken(ctx, installationID, &gh.InstallationTokenOptions{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("github app: installation %d not found: %w", installationID, err)
		}
		return "", fmt.Errorf("github app: create installation token: %w", err)
	}

	m.mu.Lock()
	m.cache[installationID] = cachedToken{token: token.GetToken(), expiresAt: token.GetExpiresAt().Time}
	m.mu.Unlock()
	return token.GetToken(), nil
}
