package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxTokenResponseBytes = 1 << 20

// TokenClient talks to the auth endpoints on the base HTTP client. It never
// goes through the request pipeline, which would loop on 401.
type TokenClient struct {
	baseURL  string
	platform Platform
	timeout  time.Duration
	http     *http.Client
}

// NewTokenClient constructs a client for cfg.BaseURL. A nil hc uses a
// dedicated client with no global state.
func NewTokenClient(cfg Config, hc *http.Client) *TokenClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &TokenClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		platform: cfg.Platform,
		timeout:  cfg.RequestTimeout,
		http:     hc,
	}
}

type loginRequest struct {
	Username   *string `json:"username,omitempty"`
	Email      *string `json:"email,omitempty"`
	Password   string  `json:"password"`
	RememberMe bool    `json:"remember_me"`
	Platform   string  `json:"platform"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Platform     string `json:"platform"`
}

type sessionResponse struct {
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshToken     string     `json:"refresh_token"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

type sessionEnvelope struct {
	Session sessionResponse `json:"session"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// Login exchanges credentials for a session. An identifier containing "@" is
// sent as an email.
func (c *TokenClient) Login(ctx context.Context, identifier, password string) (Tokens, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return Tokens{}, errors.New("login: identifier and password are required")
	}
	req := loginRequest{
		Password:   password,
		RememberMe: true,
		Platform:   string(c.platform),
	}
	if strings.Contains(identifier, "@") {
		req.Email = &identifier
	} else {
		req.Username = &identifier
	}
	return c.post(ctx, "/auth/login", req)
}

// Refresh exchanges a refresh token for a new session.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, ErrNoRefreshToken
	}
	return c.post(ctx, "/auth/refresh", refreshRequest{
		RefreshToken: refreshToken,
		Platform:     string(c.platform),
	})
}

func (c *TokenClient) post(ctx context.Context, path string, body any) (Tokens, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: read: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TokenError{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			te.Code = er.Error.Code
			te.Message = er.Error.Message
		}
		return Tokens{}, te
	}

	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: decode: %w", err)
	}
	if env.Session.AccessToken == "" {
		return Tokens{}, ErrEmptyAccessToken
	}
	return Tokens{
		AccessToken:      env.Session.AccessToken,
		RefreshToken:     env.Session.RefreshToken,
		AccessExpiresAt:  env.Session.AccessExpiresAt,
		RefreshExpiresAt: env.Session.RefreshExpiresAt,
	}, nil
}
