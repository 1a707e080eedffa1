package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0)
	assert.True(t, cfg.Retry.Jitter)
	assert.True(t, cfg.TLS.VerifySSL)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrent)
	assert.False(t, cfg.Cache.Enabled)
	assert.False(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetryPolicy)
		wantErr bool
	}{
		{"default", func(*RetryPolicy) {}, false},
		{"zero retries", func(p *RetryPolicy) { p.MaxAttempts = 0 }, false},
		{"negative retries", func(p *RetryPolicy) { p.MaxAttempts = -1 }, true},
		{"multiplier one", func(p *RetryPolicy) { p.Multiplier = 1.0 }, true},
		{"negative base", func(p *RetryPolicy) { p.BaseDelay = -time.Second }, true},
		{"max below base", func(p *RetryPolicy) { p.MaxDelay = p.BaseDelay / 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.BaseURL = "" }},
		{"bad protocol", func(c *Config) { c.Protocol = "smtp" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero batch concurrency", func(c *Config) { c.Batch.MaxConcurrent = 0 }},
		{"cache without redis", func(c *Config) { c.Cache.Enabled = true }},
		{"rate limit without rate", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }},
		{"breaker without threshold", func(c *Config) {
			c.CircuitBreaker.Enabled = true
			c.CircuitBreaker.FailureThreshold = 0
		}},
		{"breaker without open timeout", func(c *Config) {
			c.CircuitBreaker.Enabled = true
			c.CircuitBreaker.OpenTimeout = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
		})
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	cfg := DefaultConfig()

	ws, err := cfg.WebSocketEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", ws)

	cfg.BaseURL = "https://router.example.com/"
	ws, err = cfg.WebSocketEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://router.example.com/ws", ws)

	cfg.WebSocketURL = "ws://elsewhere:9000/socket"
	ws, err = cfg.WebSocketEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://elsewhere:9000/socket", ws)

	cfg.WebSocketURL = ""
	cfg.BaseURL = "ftp://router"
	_, err = cfg.WebSocketEndpoint()
	assert.Error(t, err)
}

func TestAuthHeaders(t *testing.T) {
	cfg := DefaultConfig()
	headers := cfg.AuthHeaders()
	assert.Equal(t, DefaultUserAgent, headers["User-Agent"])
	assert.NotContains(t, headers, "Authorization")

	cfg.APIKey = "test-key"
	assert.Equal(t, "Bearer test-key", cfg.AuthHeaders()["Authorization"])
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvBaseURL:    "https://router.internal",
		EnvAPIKey:     "secret",
		EnvTimeout:    "12",
		EnvMaxRetries: "5",
		EnvVerifySSL:  "false",
		EnvProtocol:   "GRPC",
		EnvRedisAddr:  "localhost:6379",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg, lookup))

	assert.Equal(t, "https://router.internal", cfg.BaseURL)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 12*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.TLS.VerifySSL)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.True(t, cfg.Cache.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	for _, name := range []string{EnvTimeout, EnvMaxRetries, EnvVerifySSL} {
		t.Run(name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == name {
					return "not-a-value", true
				}
				return "", false
			}
			err := ApplyEnv(DefaultConfig(), lookup)
			require.Error(t, err)
			assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	content := `
base_url: http://router:8080
protocol: websocket
timeout: 45s
retry:
  max_attempts: 1
  base_delay: 250ms
  max_delay: 5s
  multiplier: 1.5
  jitter: false
batch:
  max_concurrent: 8
  timeout: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://router:8080", cfg.BaseURL)
	assert.Equal(t, ProtocolWebSocket, cfg.Protocol)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, RetryPolicy{
		MaxAttempts: 1,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  1.5,
	}, cfg.Retry)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrent)
	assert.Equal(t, time.Minute, cfg.Batch.Timeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultRequestsPerMinute, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry: [not, a, map]"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
}
