package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "127.0.0.1:0", cfg.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectInitialDelay())
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay())
	assert.Equal(t, time.Minute, cfg.ReconnectCooldown())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listenAddress: "127.0.0.1:7600"
handshakeTimeoutSeconds: 5
engine:
  baseUrl: "http://127.0.0.1:9100"
  model: "quill-large"
reconnect:
  maxAttempts: 8
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7600", cfg.ListenAddress)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, "http://127.0.0.1:9100", cfg.Engine.BaseURL)
	assert.Equal(t, "quill-large", cfg.Engine.Model)
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)

	// Unspecified fields keep their defaults.
	assert.Equal(t, Default().WriteTimeoutSeconds, cfg.WriteTimeoutSeconds)
	assert.Equal(t, Default().MaxFrameBytes, cfg.MaxFrameBytes)
	assert.Equal(t, Default().Reconnect.InitialDelayMs, cfg.Reconnect.InitialDelayMs)
}

func TestLoadConfigRejectsNonLoopbackListen(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:7600", "192.168.1.5:7600", "[::]:7600", "example.com:7600"} {
		path := writeConfig(t, "listenAddress: \""+addr+"\"\n")
		_, err := LoadConfig(path)
		require.Error(t, err, "address %s", addr)
		assert.Contains(t, err.Error(), "loopback", "address %s", addr)
	}
}

func TestLoadConfigAcceptsLoopbackVariants(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:7600", "localhost:7600", "[::1]:7600", "127.0.0.1:0"} {
		path := writeConfig(t, "listenAddress: \""+addr+"\"\n")
		_, err := LoadConfig(path)
		require.NoError(t, err, "address %s", addr)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed listen address", `listenAddress: "no-port"`},
		{"zero handshake timeout", "handshakeTimeoutSeconds: -1"},
		{"zero frame cap", "maxFrameBytes: 0"},
		{"inverted reconnect delays", "reconnect:\n  initialDelayMs: 5000\n  maxDelayMs: 100"},
		{"jitter above one", "reconnect:\n  jitterFraction: 1.5"},
		{"zero attempts", "reconnect:\n  maxAttempts: -2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := LoadConfig(path)
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("QUILL_ENGINE_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("QUILL_ENGINE_API_KEY", "sk-env")
	t.Setenv("QUILL_ENGINE_JWT_SECRET", "hs256-env")

	cfg := Default()
	cfg.Engine.APIKey = "sk-file"
	cfg.ApplyEnv()

	assert.Equal(t, "http://127.0.0.1:9999", cfg.Engine.BaseURL)
	assert.Equal(t, "sk-env", cfg.Engine.APIKey)
	assert.Equal(t, "hs256-env", cfg.Engine.JWTSecret)
}

func TestApplyEnvLeavesUnsetValues(t *testing.T) {
	t.Setenv("QUILL_ENGINE_BASE_URL", "")
	t.Setenv("QUILL_ENGINE_API_KEY", "")
	t.Setenv("QUILL_ENGINE_JWT_SECRET", "")

	cfg := Default()
	cfg.Engine.BaseURL = "http://127.0.0.1:9100"
	cfg.Engine.APIKey = "sk-file"
	cfg.ApplyEnv()

	assert.Equal(t, "http://127.0.0.1:9100", cfg.Engine.BaseURL)
	assert.Equal(t, "sk-file", cfg.Engine.APIKey)
}
