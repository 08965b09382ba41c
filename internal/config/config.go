package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the default downstream engine the bridge binds to when
// the UI does not supply its own descriptor.
type EngineConfig struct {
	BaseURL               string `yaml:"baseUrl"`
	APIKey                string `yaml:"apiKey"`
	JWTSecret             string `yaml:"jwtSecret"`
	Model                 string `yaml:"model"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`
}

// ReconnectConfig holds the client-side reconnection policy.
type ReconnectConfig struct {
	InitialDelayMs  int     `yaml:"initialDelayMs"`
	MaxDelayMs      int     `yaml:"maxDelayMs"`
	MaxAttempts     int     `yaml:"maxAttempts"`
	CooldownSeconds int     `yaml:"cooldownSeconds"`
	JitterFraction  float64 `yaml:"jitterFraction"`
}

// Config holds the entire bridge configuration, loaded from a YAML file.
type Config struct {
	ListenAddress            string          `yaml:"listenAddress"`
	HandshakeTimeoutSeconds  int             `yaml:"handshakeTimeoutSeconds"`
	WriteTimeoutSeconds      int             `yaml:"writeTimeoutSeconds"`
	RequestTimeoutSeconds    int             `yaml:"requestTimeoutSeconds"`
	MaxFrameBytes            int64           `yaml:"maxFrameBytes"`
	Engine                   EngineConfig    `yaml:"engine"`
	Reconnect                ReconnectConfig `yaml:"reconnect"`
}

// Default returns the configuration used when no file is present. The
// bridge listens on an ephemeral loopback port.
func Default() *Config {
	return &Config{
		ListenAddress:           "127.0.0.1:0",
		HandshakeTimeoutSeconds: 10,
		WriteTimeoutSeconds:     10,
		RequestTimeoutSeconds:   30,
		MaxFrameBytes:           4 * 1024 * 1024,
		Reconnect: ReconnectConfig{
			InitialDelayMs:  500,
			MaxDelayMs:      30000,
			MaxAttempts:     5,
			CooldownSeconds: 60,
			JitterFraction:  0.25,
		},
	}
}

// HandshakeTimeout returns the authentication handshake deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// RequestTimeout returns the default per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// EngineRequestTimeout returns the downstream HTTP call deadline.
func (c *Config) EngineRequestTimeout() time.Duration {
	if c.Engine.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Engine.RequestTimeoutSeconds) * time.Second
}

// ReconnectInitialDelay returns the first backoff delay.
func (c *Config) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.Reconnect.InitialDelayMs) * time.Millisecond
}

// ReconnectMaxDelay returns the backoff cap.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond
}

// ReconnectCooldown returns the circuit-breaker window between sequences.
func (c *Config) ReconnectCooldown() time.Duration {
	return time.Duration(c.Reconnect.CooldownSeconds) * time.Second
}

// validate performs comprehensive validation of the loaded configuration.
func (c *Config) validate() error {
	host, _, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("listenAddress %q is not host:port: %w", c.ListenAddress, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("listenAddress %q must be a loopback address", c.ListenAddress)
	}
	if c.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("handshakeTimeoutSeconds must be positive")
	}
	if c.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("writeTimeoutSeconds must be positive")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("requestTimeoutSeconds must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("maxFrameBytes must be positive")
	}
	if c.Reconnect.InitialDelayMs <= 0 || c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		return fmt.Errorf("reconnect delays must satisfy 0 < initialDelayMs <= maxDelayMs")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.maxAttempts must be positive")
	}
	if c.Reconnect.CooldownSeconds < 0 {
		return fmt.Errorf("reconnect.cooldownSeconds cannot be negative")
	}
	if c.Reconnect.JitterFraction < 0 || c.Reconnect.JitterFraction > 1 {
		return fmt.Errorf("reconnect.jitterFraction must be within [0, 1]")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ApplyEnv overlays secret-bearing settings from the environment so they
// never have to live in the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("QUILL_ENGINE_BASE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("QUILL_ENGINE_API_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv("QUILL_ENGINE_JWT_SECRET"); v != "" {
		c.Engine.JWTSecret = v
	}
}

// LoadConfig reads the configuration from the given file path, unmarshals
// it over the defaults, and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
