package configuration

import (
	"time"
)

// Version is reported in the default User-Agent.
const Version = "0.3.0"

// Endpoint constants.
const (
	DefaultBaseURL   = "http://localhost:8080"
	DefaultGRPCAddr  = "localhost:50051"
	DefaultUserAgent = "llm-router-go/" + Version
	DefaultTimeout   = 30 * time.Second
)

// Connection pool constants.
const (
	DefaultMaxIdleConns    = 10
	DefaultMaxConnsPerHost = 20
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
)

// Retry constants.
const (
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Rate limiting constants.
const (
	DefaultRequestsPerMinute = 100
	DefaultBurst             = 10
)

// Batch constants.
const (
	DefaultBatchConcurrency = 5
	DefaultBatchTimeout     = 30 * time.Second
)

// Circuit breaker constants.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 30 * time.Second
	DefaultHalfOpenProbes   = 1
	DefaultProbeTimeout     = time.Minute
	DefaultMaxBreakers      = 1000
)

// Cache and Temporal constants.
const (
	DefaultCacheTTL          = 24 * time.Hour
	DefaultMetricsAddr       = ":9090"
	DefaultTemporalHostPort  = "localhost:7233"
	DefaultTemporalNamespace = "default"
	DefaultTaskQueue         = "llm-inference"
)

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultBackoffMultiplier,
		Jitter:      true,
	}
}

// DefaultConfig returns a configuration pointing at a local router with
// sensible resilience defaults. The result passes Validate.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   DefaultBaseURL,
		GRPCAddr:  DefaultGRPCAddr,
		Protocol:  ProtocolHTTP,
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		Retry:     DefaultRetryPolicy(),
		ConnectionPool: ConnectionPoolConfig{
			MaxIdleConnections: DefaultMaxIdleConns,
			MaxConnsPerHost:    DefaultMaxConnsPerHost,
			IdleTimeout:        DefaultIdleTimeout,
			ConnectTimeout:     DefaultConnectTimeout,
		},
		TLS: TLSConfig{VerifySSL: true},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: DefaultRequestsPerMinute,
			Burst:             DefaultBurst,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: DefaultSuccessThreshold,
			OpenTimeout:      DefaultOpenTimeout,
			HalfOpenProbes:   DefaultHalfOpenProbes,
			ProbeTimeout:     DefaultProbeTimeout,
			MaxBreakers:      DefaultMaxBreakers,
		},
		Cache: CacheConfig{
			Enabled: false,
			TTL:     DefaultCacheTTL,
		},
		Batch: BatchConfig{
			MaxConcurrent: DefaultBatchConcurrency,
			Timeout:       DefaultBatchTimeout,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: DefaultMetricsAddr,
			LogLevel:    "info",
		},
		Temporal: TemporalConfig{
			HostPort:  DefaultTemporalHostPort,
			Namespace: DefaultTemporalNamespace,
			TaskQueue: DefaultTaskQueue,
		},
	}
}
