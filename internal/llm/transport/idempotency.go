package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CurrentCanonicalVersion defines the canonicalization format version.
// Increment when canonicalization logic changes to invalidate stale cache entries.
const CurrentCanonicalVersion = "v1.0"

// CanonicalPayload is the normalized, stable form of an inference request.
// It is the sole input to IdemKey hashing and must be identical for
// requests that only differ in whitespace or option ordering.
type CanonicalPayload struct {
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Prompt    string         `json:"prompt"`
	Params    map[string]any `json:"params,omitempty"`
	Seed      *int64         `json:"seed,omitempty"`
	Version   string         `json:"version"`
}

// IdemKey provides deterministic SHA-256 hex identification for canonical payloads.
type IdemKey string

// String returns the string representation of the idempotency key.
func (k IdemKey) String() string { return string(k) }

// BuildCanonicalPayload transforms an inference request into canonical form.
// Only options that influence the generated text contribute to the payload.
func BuildCanonicalPayload(req *InferenceRequest) *CanonicalPayload {
	payload := &CanonicalPayload{
		SessionID: strings.TrimSpace(req.SessionID),
		Model:     strings.TrimSpace(req.ModelID),
		Prompt:    normalizeText(req.Prompt),
		Version:   CurrentCanonicalVersion,
	}

	if o := req.Options; o != nil {
		params := make(map[string]any)
		if o.MaxTokens != nil {
			params["max_tokens"] = *o.MaxTokens
		}
		if o.Temperature != nil {
			params["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			params["top_p"] = *o.TopP
		}
		if o.TopK != nil {
			params["top_k"] = *o.TopK
		}
		if o.FrequencyPenalty != nil {
			params["frequency_penalty"] = *o.FrequencyPenalty
		}
		if o.PresencePenalty != nil {
			params["presence_penalty"] = *o.PresencePenalty
		}
		if len(o.StopSequences) > 0 {
			params["stop_sequences"] = o.StopSequences
		}
		if len(params) > 0 {
			payload.Params = params
		}
		payload.Seed = o.Seed
	}

	return payload
}

// BuildIdemKey generates a deterministic SHA-256 idempotency key.
// Keys are computed from stable JSON serialization with sorted keys,
// ensuring identical payloads always produce identical keys.
func BuildIdemKey(payload *CanonicalPayload) (IdemKey, error) {
	jsonBytes, err := stableJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical payload: %w", err)
	}

	hash := sha256.Sum256(jsonBytes)
	return IdemKey(hex.EncodeToString(hash[:])), nil
}

// GenerateIdemKey builds the canonical payload and returns its key.
func GenerateIdemKey(req *InferenceRequest) (IdemKey, error) {
	return BuildIdemKey(BuildCanonicalPayload(req))
}

// CacheKey constructs the complete Redis cache key.
func CacheKey(model string, key IdemKey) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("llmrouter:inference:%s:%s", model, key)
}

// normalizeText normalizes text content for consistent hash generation.
func normalizeText(text string) string {
	// Normalize CRLF to LF for cross-platform consistency.
	text = strings.ReplaceAll(text, "\r\n", "\n")

	// Collapse whitespace runs to eliminate formatting variations.
	return strings.Join(strings.Fields(text), " ")
}

// stableJSON produces deterministic JSON output with sorted keys.
func stableJSON(v any) ([]byte, error) {
	// Initial marshal to normalize struct field ordering.
	tempJSON, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Parse back to normalize map key ordering.
	var normalized any
	if err := json.Unmarshal(tempJSON, &normalized); err != nil {
		return nil, err
	}

	return json.Marshal(sortKeys(normalized))
}

// sortKeys recursively sorts map keys for stable JSON output.
func sortKeys(v any) any {
	switch v := v.(type) {
	case map[string]any:
		sorted := make(map[string]any, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			sorted[k] = sortKeys(v[k]) // Recursively sort nested maps and arrays.
		}
		return sorted

	case []any:
		sorted := make([]any, len(v))
		for i, elem := range v {
			sorted[i] = sortKeys(elem)
		}
		return sorted

	default:
		// Primitives don't require sorting.
		return v
	}
}
