// Package authtoken provides bearer-token providers satisfying the
// tokenProvider contract used by internal/signaling and internal/mesh
// (spec §4.2/§6): a function from context to a current token string.
// The HTTP refresh flow is adapted from the teacher's
// internal/auth.Refresh, generalized away from its bamgate-specific
// device/refresh-token request shape into a configurable refresh URL.
package authtoken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Provider resolves the current bearer token. Signature matches
// signaling.Config.TokenProvider / mesh.Config.TokenProvider.
type Provider func(ctx context.Context) (string, error)

// Static returns a Provider that always returns token unchanged.
func Static(token string) Provider {
	return func(context.Context) (string, error) { return token, nil }
}

// RefreshResponse is the expected JSON shape of a refresh endpoint
// response: a fresh access token, its lifetime, and (optionally) a
// rotated refresh token to use on the next cycle.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// RefreshConfig configures an HTTP-refresh-on-401 token provider.
type RefreshConfig struct {
	// RefreshURL is POSTed a JSON body of {"refresh_token": "..."} and
	// must respond with a RefreshResponse on HTTP 200.
	RefreshURL string
	// InitialAccessToken and InitialRefreshToken seed the provider
	// before any refresh has happened.
	InitialAccessToken  string
	InitialRefreshToken string
	HTTPClient          *http.Client
}

// refreshing is a Provider backed by an HTTP refresh endpoint. It
// proactively refreshes 30 seconds before the access token's reported
// expiry, and the caller's OnAuthFailure hook (wired in
// internal/signaling) can also force an immediate refresh on a 401.
type refreshing struct {
	cfg RefreshConfig

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewRefreshing returns a Provider and an OnAuthFailure-compatible
// callback (context.Context) error that forces an immediate refresh,
// suitable for signaling.Config.OnAuthFailure.
func NewRefreshing(cfg RefreshConfig) (Provider, func(ctx context.Context) error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	r := &refreshing{
		cfg:          cfg,
		accessToken:  cfg.InitialAccessToken,
		refreshToken: cfg.InitialRefreshToken,
	}
	return r.token, r.forceRefresh
}

func (r *refreshing) token(ctx context.Context) (string, error) {
	r.mu.Lock()
	token := r.accessToken
	needsRefresh := token == "" || (!r.expiresAt.IsZero() && time.Until(r.expiresAt) < 30*time.Second)
	r.mu.Unlock()

	if !needsRefresh {
		return token, nil
	}
	return r.doRefresh(ctx)
}

func (r *refreshing) forceRefresh(ctx context.Context) error {
	_, err := r.doRefresh(ctx)
	return err
}

func (r *refreshing) doRefresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	refreshToken := r.refreshToken
	r.mu.Unlock()

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", fmt.Errorf("authtoken: marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("authtoken: creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authtoken: calling refresh endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("authtoken: reading refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("authtoken: refresh failed: %s", errResp.Error)
		}
		return "", fmt.Errorf("authtoken: refresh failed: HTTP %d", resp.StatusCode)
	}

	var result RefreshResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("authtoken: parsing refresh response: %w", err)
	}

	r.mu.Lock()
	r.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		r.refreshToken = result.RefreshToken
	}
	if result.ExpiresIn > 0 {
		r.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	r.mu.Unlock()

	return result.AccessToken, nil
}
