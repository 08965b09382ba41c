// Package engine is the bridge's client for the downstream AI-assistant
// HTTP API. Every call is a plain, fallible request/response exchange; the
// dispatch layer maps failures to coded error responses.
package engine

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillchat/bridge/internal/fieldcase"
	"github.com/quillchat/bridge/internal/protocol"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 2048
	jwtTokenTTL           = 2 * time.Minute
)

// Client talks to one downstream engine.
type Client struct {
	desc       protocol.EngineDescriptor
	httpClient *http.Client
	jwtSecret  []byte
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithJWTSecret switches authentication from the descriptor's static API
// key to short-lived HS256 tokens signed with secret.
func WithJWTSecret(secret string) Option {
	return func(c *Client) {
		if secret != "" {
			c.jwtSecret = []byte(secret)
		}
	}
}

// NewClient returns a client for the engine described by desc.
func NewClient(desc protocol.EngineDescriptor, opts ...Option) *Client {
	c := &Client{
		desc:       desc,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSessions fetches all sessions known to the engine.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var out struct {
		Sessions []protocol.SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CreateSession creates a new session. model falls back to the descriptor's
// default when empty.
func (c *Client) CreateSession(ctx context.Context, title, model string) (*protocol.SessionInfo, error) {
	if model == "" {
		model = c.desc.Model
	}
	body := map[string]string{"title": title, "model": model}
	var out protocol.SessionInfo
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage appends a user message to a session and returns the engine's
// reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*protocol.MessageInfo, error) {
	if sessionID == "" {
		return nil, errors.New("engine: session id is required")
	}
	body := map[string]string{"role": "user", "text": text}
	var out protocol.MessageInfo
	path := "/v1/sessions/" + sessionID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do runs one JSON round trip. Outgoing bodies are written in the engine's
// snake_case convention; incoming bodies are normalized back to camelCase
// before unmarshalling.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: marshal request body: %w", err)
		}
		payload, err = fieldcase.Denormalize(payload)
		if err != nil {
			return fmt.Errorf("engine: denormalize request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(c.desc.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authz, err := c.authorization()
	if err != nil {
		return err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("engine: %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engine: read response body: %w", err)
	}
	normalized, err := fieldcase.Normalize(raw)
	if err != nil {
		return fmt.Errorf("engine: normalize response body: %w", err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return fmt.Errorf("engine: decode response body: %w", err)
	}
	return nil
}

// authorization returns the Authorization header value: a freshly signed
// HS256 token when a JWT secret is configured, the static API key otherwise.
func (c *Client) authorization() (string, error) {
	if len(c.jwtSecret) > 0 {
		now := c.now()
		claims := jwt.RegisteredClaims{
			Issuer:    "quill-bridge",
			Audience:  jwt.ClaimStrings{"engine"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtTokenTTL)),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(c.jwtSecret)
		if err != nil {
			return "", fmt.Errorf("engine: sign request token: %w", err)
		}
		return "Bearer " + signed, nil
	}
	if c.desc.APIKey != "" {
		return "Bearer " + c.desc.APIKey, nil
	}
	return "", nil
}
