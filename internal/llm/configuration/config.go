package configuration

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Protocol selects the transport binding used for a request.
type Protocol string

// Supported transport bindings.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebSocket Protocol = "websocket"
)

// Config holds the complete configuration for the inference client.
// Includes transport endpoints, resilience parameters, observability options,
// and the Temporal worker settings used by the activity layer.
type Config struct {
	// Transport endpoints
	BaseURL      string   `yaml:"base_url" json:"base_url" validate:"required,url"`
	GRPCAddr     string   `yaml:"grpc_url" json:"grpc_url"`
	WebSocketURL string   `yaml:"websocket_url" json:"websocket_url" validate:"omitempty,url"`
	Protocol     Protocol `yaml:"protocol" json:"protocol" validate:"oneof=http grpc websocket"`

	// Request defaults
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	APIKey    string        `yaml:"api_key" json:"-"` // Sensitive, not serialized
	UserAgent string        `yaml:"user_agent" json:"user_agent" validate:"required"`

	// Retry configuration
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// Transport resource configuration
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool"`
	TLS            TLSConfig            `yaml:"tls" json:"tls"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`

	// Batch defaults
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Temporal worker configuration
	Temporal TemporalConfig `yaml:"temporal" json:"temporal"`
}

// RetryPolicy controls retry behavior for failed inference calls.
// MaxAttempts counts retries after the initial attempt, so a policy with
// MaxAttempts 3 invokes the operation at most four times.
// A policy is treated as immutable once handed to a retry engine.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier" validate:"gt=1"`
	Jitter      bool          `yaml:"jitter" json:"jitter"`
}

// Validate checks the policy's structural constraints.
func (p RetryPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return llmerrors.Wrap(llmerrors.KindConfiguration, "invalid retry policy: "+err.Error(), err)
	}
	if p.BaseDelay < 0 {
		return llmerrors.New(llmerrors.KindConfiguration, "invalid retry policy: base_delay must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return llmerrors.New(llmerrors.KindConfiguration, "invalid retry policy: max_delay must be >= base_delay")
	}
	return nil
}

// ConnectionPoolConfig sizes the HTTP connection pool shared by all requests.
type ConnectionPoolConfig struct {
	MaxIdleConnections int           `yaml:"max_idle_connections" json:"max_idle_connections" validate:"gte=0"`
	MaxConnsPerHost    int           `yaml:"max_connections_per_host" json:"max_connections_per_host" validate:"gte=0"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// TLSConfig controls certificate verification for HTTPS, gRPC and WSS.
type TLSConfig struct {
	VerifySSL bool   `yaml:"verify_ssl" json:"verify_ssl"`
	CAFile    string `yaml:"ca_file" json:"ca_file"`
}

// RateLimitConfig controls the client-side token bucket.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute" validate:"gte=0"`
	Burst             int  `yaml:"burst" json:"burst" validate:"gte=0"`
}

// CacheConfig controls Redis-based response caching for deterministic requests.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr" validate:"required_if=Enabled true"`
	RedisPassword string        `yaml:"redis_password" json:"-"` // Sensitive field excluded from JSON.
	RedisDB       int           `yaml:"redis_db" json:"redis_db" validate:"gte=0"`
}

// CircuitBreakerConfig controls the per-protocol, per-model circuit breakers
// placed in front of the transport adapters.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	// SuccessThreshold is the number of probe successes that closes it again.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	// OpenTimeout is how long a circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`
	// HalfOpenProbes caps concurrent probes while half-open.
	HalfOpenProbes int `yaml:"half_open_probes" json:"half_open_probes" validate:"gte=0"`
	// ProbeTimeout bounds the Redis guard that lets one process probe at a time.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	// MaxBreakers caps the number of tracked circuits.
	MaxBreakers int `yaml:"max_breakers" json:"max_breakers" validate:"gte=0"`
	// Adaptive lowers the failure threshold while the error rate is high.
	Adaptive bool `yaml:"adaptive" json:"adaptive"`
}

// BatchConfig holds defaults applied to batch calls that leave options unset.
type BatchConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=1"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	FailFast      bool          `yaml:"fail_fast" json:"fail_fast"`
}

// ObservabilityConfig controls metrics export and logging.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel       string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	RedactPrompts  bool   `yaml:"redact_prompts" json:"redact_prompts"`
}

// TemporalConfig holds the Temporal connection used by the worker command.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" json:"host_port"`
	Namespace string `yaml:"namespace" json:"namespace"`
	TaskQueue string `yaml:"task_queue" json:"task_queue"`
}

// Validate checks the whole configuration, including the retry policy.
// Errors are classified as KindConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return llmerrors.Wrap(llmerrors.KindConfiguration, "invalid configuration: "+err.Error(), err)
	}
	if c.Timeout <= 0 {
		return llmerrors.New(llmerrors.KindConfiguration, "invalid configuration: timeout must be positive")
	}
	if c.Batch.Timeout <= 0 {
		return llmerrors.New(llmerrors.KindConfiguration, "invalid configuration: batch timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute == 0 || c.RateLimit.Burst == 0) {
		return llmerrors.New(llmerrors.KindConfiguration,
			"invalid configuration: enabled rate limit needs requests_per_minute and burst")
	}
	if c.CircuitBreaker.Enabled && (c.CircuitBreaker.FailureThreshold == 0 || c.CircuitBreaker.OpenTimeout <= 0) {
		return llmerrors.New(llmerrors.KindConfiguration,
			"invalid configuration: enabled circuit breaker needs failure_threshold and open_timeout")
	}
	return c.Retry.Validate()
}

// WebSocketEndpoint returns the configured WebSocket URL, deriving
// ws(s)://<host>/ws from the base URL when none is set.
func (c *Config) WebSocketEndpoint() (string, error) {
	if c.WebSocketURL != "" {
		return c.WebSocketURL, nil
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", llmerrors.Wrap(llmerrors.KindConfiguration, "invalid base url", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", llmerrors.Newf(llmerrors.KindConfiguration, "cannot derive websocket url from scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// AuthHeaders returns the headers every transport attaches to a request.
func (c *Config) AuthHeaders() map[string]string {
	headers := map[string]string{"User-Agent": c.UserAgent}
	if c.APIKey != "" {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", c.APIKey)
	}
	return headers
}
