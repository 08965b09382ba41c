package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/bridge/internal/protocol"
)

func TestListSessionsNormalizesFieldNames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/sessions", r.URL.Path)
		require.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		// The engine speaks snake_case on the wire.
		io.WriteString(w, `{"sessions":[{"id":"s1","title":"First","created_at":"2026-01-02T03:04:05Z"}]}`)
	}))
	defer ts.Close()

	c := NewClient(protocol.EngineDescriptor{BaseURL: ts.URL, APIKey: "secret-key"})
	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "s1", sessions[0].ID)
	require.Equal(t, "2026-01-02T03:04:05Z", sessions[0].CreatedAt)
}

func TestCreateSessionSendsSnakeCaseBody(t *testing.T) {
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		io.WriteString(w, `{"id":"s2","title":"Chat","model":"opal-mini","created_at":"now"}`)
	}))
	defer ts.Close()

	c := NewClient(protocol.EngineDescriptor{BaseURL: ts.URL, Model: "opal-mini"})
	session, err := c.CreateSession(context.Background(), "Chat", "")
	require.NoError(t, err)
	require.Equal(t, "s2", session.ID)
	require.Equal(t, "opal-mini", session.Model)

	// Descriptor default model is applied when the request omits one.
	require.Equal(t, "opal-mini", gotBody["model"])
	require.Equal(t, "Chat", gotBody["title"])
}

func TestSendMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/s1/messages", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "user", body["role"])
		io.WriteString(w, `{"id":"m1","session_id":"s1","role":"assistant","text":"hi"}`)
	}))
	defer ts.Close()

	c := NewClient(protocol.EngineDescriptor{BaseURL: ts.URL})
	msg, err := c.SendMessage(context.Background(), "s1", "hello")
	require.NoError(t, err)
	require.Equal(t, "s1", msg.SessionID)
	require.Equal(t, "assistant", msg.Role)

	_, err = c.SendMessage(context.Background(), "", "hello")
	require.Error(t, err)
}

func TestErrorStatusIsSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(protocol.EngineDescriptor{BaseURL: ts.URL})
	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Contains(t, err.Error(), "model overloaded")
}

func TestUnreachableEngine(t *testing.T) {
	c := NewClient(protocol.EngineDescriptor{BaseURL: "http://127.0.0.1:1"})
	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
}

func TestJWTModeSignsPerRequestTokens(t *testing.T) {
	const secret = "hmac-secret"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(authz, "Bearer "))
		raw := strings.TrimPrefix(authz, "Bearer ")

		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithAudience("engine"), jwt.WithIssuer("quill-bridge"))
		require.NoError(t, err)
		require.True(t, parsed.Valid)
		require.NotNil(t, claims.ExpiresAt)

		io.WriteString(w, `{"sessions":[]}`)
	}))
	defer ts.Close()

	// The static API key is ignored once a JWT secret is configured.
	c := NewClient(protocol.EngineDescriptor{BaseURL: ts.URL, APIKey: "unused"}, WithJWTSecret(secret))
	_, err := c.ListSessions(context.Background())
	require.NoError(t, err)
}
