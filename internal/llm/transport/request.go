package transport

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Default inference options.
const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

// InferenceOptions control sampling on the server.
// Nil pointers leave the server default in place.
type InferenceOptions struct {
	MaxTokens        *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	Temperature      *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP             *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopK             *int     `json:"top_k,omitempty" validate:"omitempty,gte=1"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// DefaultOptions returns the options applied by QuickInference.
func DefaultOptions() *InferenceOptions {
	maxTokens, temperature := DefaultMaxTokens, DefaultTemperature
	freq, presence := 0.0, 0.0
	return &InferenceOptions{
		MaxTokens:        &maxTokens,
		Temperature:      &temperature,
		FrequencyPenalty: &freq,
		PresencePenalty:  &presence,
	}
}

// Deterministic reports whether repeated calls should produce the same output,
// which makes the request eligible for response caching.
func (o *InferenceOptions) Deterministic() bool {
	if o == nil {
		return false
	}
	return o.Seed != nil || (o.Temperature != nil && *o.Temperature == 0)
}

// InferenceRequest is a single logical inference call.
// Protocol, Timeout and IdempotencyKey are client-side controls and are
// never sent to the server.
type InferenceRequest struct {
	Prompt    string            `json:"prompt" validate:"required"`
	ModelID   string            `json:"model_id,omitempty"`
	Options   *InferenceOptions `json:"options,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	SessionID string            `json:"session_id,omitempty"`

	// Control fields for resilience and routing.
	Protocol       configuration.Protocol `json:"-"`
	Timeout        time.Duration          `json:"-"`
	IdempotencyKey string                 `json:"-"`
}

// Validate rejects requests the server would refuse, without a network call.
func (r *InferenceRequest) Validate() error {
	if r == nil {
		return llmerrors.New(llmerrors.KindValidation, "request is nil")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return llmerrors.New(llmerrors.KindValidation, "prompt is required")
	}
	if err := validate.Struct(r); err != nil {
		return llmerrors.Wrap(llmerrors.KindValidation, "invalid request: "+err.Error(), err)
	}
	return nil
}

// Clone returns a copy safe to mutate. Options and Metadata are copied
// shallowly; pointer fields inside Options are shared.
func (r *InferenceRequest) Clone() *InferenceRequest {
	c := *r
	if r.Options != nil {
		opts := *r.Options
		c.Options = &opts
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// InferenceMetrics carries server-side timing and throughput.
type InferenceMetrics struct {
	LatencyMs       int64   `json:"latency_ms,omitempty"`
	TokensGenerated int     `json:"tokens_generated,omitempty"`
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
	MemoryUsed      int64   `json:"memory_used,omitempty"`
	ProcessingTime  int64   `json:"processing_time,omitempty"`
	QueueTime       int64   `json:"queue_time,omitempty"`
}

// InferenceResponse is the server's answer to a unary inference call.
type InferenceResponse struct {
	Text     string            `json:"text"`
	ModelID  string            `json:"model_id,omitempty"`
	Metrics  *InferenceMetrics `json:"metrics,omitempty"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`

	// Cached is set when the response was served from the response cache.
	Cached bool `json:"-"`
}

// StreamChunk is one decoded element of a token stream.
// A chunk with IsComplete or a non-empty Error is always the last one.
type StreamChunk struct {
	Token      string            `json:"token"`
	IsComplete bool              `json:"is_complete"`
	ModelID    string            `json:"model_id,omitempty"`
	Metrics    *InferenceMetrics `json:"metrics,omitempty"`
	Error      string            `json:"error,omitempty"`

	// ErrorKind classifies Error. Chunks decoded from the wire carry
	// KindStreaming; chunks synthesized from transport failures keep the
	// transport's classification.
	ErrorKind llmerrors.ErrorKind `json:"-"`
}

// Terminal reports whether no chunk may follow this one.
func (c StreamChunk) Terminal() bool { return c.IsComplete || c.Error != "" }

// Err returns the chunk's error as a classified error, or nil.
func (c StreamChunk) Err() error {
	if c.Error == "" {
		return nil
	}
	kind := c.ErrorKind
	if kind == "" {
		kind = llmerrors.KindStreaming
	}
	return llmerrors.New(kind, c.Error)
}

// ModelInfo describes a model known to the server.
type ModelInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Format       string         `json:"format,omitempty"`
	Source       string         `json:"source,omitempty"`
	Loaded       bool           `json:"loaded"`
	LoadTime     int64          `json:"load_time,omitempty"`
	MemoryUsage  int64          `json:"memory_usage,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// LoadModelRequest asks the server to load a model from source.
type LoadModelRequest struct {
	Source      string         `json:"source" validate:"required"`
	Format      string         `json:"format,omitempty"`
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	ForceReload bool           `json:"force_reload"`
}

// Validate checks the request before it is sent.
func (r *LoadModelRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return llmerrors.Wrap(llmerrors.KindValidation, "invalid load request: "+err.Error(), err)
	}
	return nil
}

// LoadModelResponse reports the outcome of a load or unload.
type LoadModelResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Model   *ModelInfo `json:"model,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// SystemMetrics reports server resource usage.
type SystemMetrics struct {
	CPUUsage          float64 `json:"cpu_usage,omitempty"`
	MemoryUsage       int64   `json:"memory_usage,omitempty"`
	MemoryTotal       int64   `json:"memory_total,omitempty"`
	DiskUsage         int64   `json:"disk_usage,omitempty"`
	DiskTotal         int64   `json:"disk_total,omitempty"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	UptimeSeconds     int64   `json:"uptime_seconds,omitempty"`
	LoadAverage       float64 `json:"load_average,omitempty"`
}

// ChatMessage is one turn of a conversation passed to ChatCompletion.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// FormatChatPrompt renders messages as "role: content" lines followed by an
// open assistant turn.
func FormatChatPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant:")
	return b.String()
}

// UnloadModelRequest asks the server to release a loaded model.
type UnloadModelRequest struct {
	ModelID string `json:"model_id" validate:"required"`
	Force   bool   `json:"force"`
}

// UnloadModelResponse reports the outcome of an unload.
type UnloadModelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health states reported by the server.
const (
	HealthUnknown     = "unknown"
	HealthHealthy     = "healthy"
	HealthUnhealthy   = "unhealthy"
	HealthDegraded    = "degraded"
	HealthMaintenance = "maintenance"
)

// HealthStatus is the server's health report. Fields the client does not
// model are kept in Details.
type HealthStatus struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Uptime  float64        `json:"uptime,omitempty"`
	Details map[string]any `json:"-"`
}

// Healthy reports whether the server declared itself healthy.
func (h HealthStatus) Healthy() bool { return strings.EqualFold(h.Status, HealthHealthy) }

// SystemStatus is the free-form status document returned by the server.
type SystemStatus map[string]any
