package configuration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvBaseURL      = "LLM_ROUTER_BASE_URL"
	EnvGRPCURL      = "LLM_ROUTER_GRPC_URL"
	EnvWebSocketURL = "LLM_ROUTER_WEBSOCKET_URL"
	EnvProtocol     = "LLM_ROUTER_PROTOCOL"
	EnvAPIKey       = "LLM_ROUTER_API_KEY"
	EnvTimeout      = "LLM_ROUTER_TIMEOUT" // seconds
	EnvMaxRetries   = "LLM_ROUTER_MAX_RETRIES"
	EnvVerifySSL    = "LLM_ROUTER_VERIFY_SSL"
	EnvRedisAddr    = "LLM_ROUTER_REDIS_ADDR"
	EnvTemporalHost = "LLM_ROUTER_TEMPORAL_HOST"
)

// Load builds a validated configuration from defaults, an optional YAML
// file and the environment, in that order of precedence (lowest first).
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, llmerrors.Wrap(llmerrors.KindConfiguration, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, llmerrors.Wrap(llmerrors.KindConfiguration, "parse config file "+path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a validated configuration from defaults and the environment.
func FromEnv() (*Config, error) { return Load("") }

// ApplyEnv overrides cfg fields from environment variables read through lookup.
// Malformed numeric or boolean values are configuration errors.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBaseURL); ok {
		cfg.BaseURL = v
	}
	if v, ok := lookup(EnvGRPCURL); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := lookup(EnvWebSocketURL); ok {
		cfg.WebSocketURL = v
	}
	if v, ok := lookup(EnvProtocol); ok {
		cfg.Protocol = Protocol(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvAPIKey); ok {
		cfg.APIKey = v
	}
	if v, ok := lookup(EnvTimeout); ok {
		secs, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return envError(EnvTimeout, v, err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return envError(EnvMaxRetries, v, err)
		}
		cfg.Retry.MaxAttempts = int(n)
	}
	if v, ok := lookup(EnvVerifySSL); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvVerifySSL, v, err)
		}
		cfg.TLS.VerifySSL = b
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		cfg.Cache.RedisAddr = v
		cfg.Cache.Enabled = v != ""
	}
	if v, ok := lookup(EnvTemporalHost); ok {
		cfg.Temporal.HostPort = v
	}
	return nil
}

func envError(name, value string, err error) error {
	return llmerrors.Wrap(llmerrors.KindConfiguration, fmt.Sprintf("invalid %s value %q", name, value), err)
}
