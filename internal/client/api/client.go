// Package api implements the JSON-over-HTTP client for the mycoRegister
// backend: authentication endpoints under /api/auth, the account endpoint
// under /api/user, and the lightweight liveness probe.
//
// All authenticated calls carry the current bearer token via BearerTransport
// so rotating tokens apply without rebuilding the client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/common"
)

// Client defines the server operations consumed by the client core.
//
// Contract:
//   - Login / RefreshToken: trust-establishing, errors always propagate.
//   - Logout / Register / RequestPasswordReset: best-effort for callers;
//     the methods report errors, callers decide whether to swallow them.
//   - Me: opportunistic, never required for offline operation.
//   - Health: liveness probe with a short timeout.
type Client interface {
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*models.AccessToken, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*models.User, error)
	Register(ctx context.Context, username, email, password string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error
	DeleteAccount(ctx context.Context, username, password string) error
	Health(ctx context.Context) error
}

// LoginResult carries everything the server hands out on a successful login.
type LoginResult struct {
	User                  models.User
	Token                 string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt time.Time
	RemoteStoreID         string
}

// HTTPClient is the concrete Client over net/http.
type HTTPClient struct {
	baseURL      string
	healthPath   string
	http         *http.Client
	checkTimeout time.Duration
}

// NewHTTPClient builds a client for the given server base URL. The token
// source feeds the bearer transport used by authenticated endpoints.
func NewHTTPClient(serverURL string, source TokenSource, checkTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(serverURL, "/"),
		healthPath: "/api/health",
		http: &http.Client{
			Transport: &BearerTransport{Source: source},
		},
		checkTimeout: checkTimeout,
	}
}

// envelope is the server's uniform response wrapper.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %d: %w", method, path, resp.StatusCode, common.ErrorUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return fmt.Errorf("%s %s: %d - %s", method, path, resp.StatusCode, env.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, common.ErrMalformedResponse, err)
	}
	if env.Data == nil {
		return fmt.Errorf("%s %s: %w: missing data", method, path, common.ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, common.ErrMalformedResponse, err)
	}
	return nil
}

type loginResponse struct {
	User                  *models.User `json:"user"`
	Token                 string       `json:"token"`
	RefreshToken          string       `json:"refreshToken"`
	TokenExpiresAt        time.Time    `json:"tokenExpiresAt"`
	RefreshTokenExpiresAt time.Time    `json:"refreshTokenExpiresAt"`
	DBName                string       `json:"dbName"`
}

// Login authenticates against the server. A response missing any required
// field is reported as common.ErrMalformedResponse, never partially applied.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var lr loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": password}, &lr)
	if err != nil {
		return nil, err
	}

	if lr.User == nil || lr.Token == "" || lr.RefreshToken == "" || lr.DBName == "" ||
		lr.RefreshTokenExpiresAt.IsZero() {
		return nil, fmt.Errorf("login: %w: missing required fields", common.ErrMalformedResponse)
	}
	expiresAt, err := tokenExpiry(lr.Token, lr.TokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	return &LoginResult{
		User:                  *lr.User,
		Token:                 lr.Token,
		RefreshToken:          lr.RefreshToken,
		TokenExpiresAt:        expiresAt,
		RefreshTokenExpiresAt: lr.RefreshTokenExpiresAt,
		RemoteStoreID:         lr.DBName,
	}, nil
}

type refreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*models.AccessToken, error) {
	var rr refreshResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh-token",
		map[string]string{"refreshToken": refreshToken}, &rr)
	if err != nil {
		return nil, err
	}
	if rr.Token == "" {
		return nil, fmt.Errorf("refresh-token: %w: missing token", common.ErrMalformedResponse)
	}
	expiresAt, err := tokenExpiry(rr.Token, rr.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("refresh-token: %w", err)
	}
	return &models.AccessToken{Token: rr.Token, ExpiresAt: expiresAt}, nil
}

// Logout notifies the server that the current token should be invalidated.
// Callers complete the local logout regardless of the outcome.
func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", struct{}{}, nil)
}

type meResponse struct {
	User *models.User `json:"user"`
}

// Me fetches the current user.
func (c *HTTPClient) Me(ctx context.Context) (*models.User, error) {
	var mr meResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &mr); err != nil {
		return nil, err
	}
	if mr.User == nil {
		return nil, fmt.Errorf("me: %w: missing user", common.ErrMalformedResponse)
	}
	return mr.User, nil
}

// Register creates a new account. Confirmation is delivered out of band.
func (c *HTTPClient) Register(ctx context.Context, username, email, password string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/register",
		map[string]string{"username": username, "email": email, "password": password}, nil)
}

// RequestPasswordReset asks the server to send a reset email.
func (c *HTTPClient) RequestPasswordReset(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/forgot-password",
		map[string]string{"email": email}, nil)
}

// ChangePassword updates the account password. Requires a valid token.
func (c *HTTPClient) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	return c.do(ctx, http.MethodPut, "/api/auth/change-password",
		map[string]string{
			"username":        username,
			"currentPassword": currentPassword,
			"newPassword":     newPassword,
		}, nil)
}

// DeleteAccount removes the account. Requires a valid token.
func (c *HTTPClient) DeleteAccount(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodDelete, "/api/user/account",
		map[string]string{"username": username, "password": password}, nil)
}

// Health issues the liveness probe: a HEAD request with a short timeout.
// Any non-success or timeout counts as offline.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// tokenExpiry reconciles the expiry reported by the server with the exp
// claim inside the JWT itself. The claim fills a missing expiresAt field;
// a token carrying neither is a malformed response.
func tokenExpiry(token string, reported time.Time) (time.Time, error) {
	if !reported.IsZero() {
		return reported, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: no expiry and token is not a JWT", common.ErrMalformedResponse)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: token carries no exp claim", common.ErrMalformedResponse)
	}
	return exp.Time, nil
}
