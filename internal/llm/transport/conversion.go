package transport

import (
	"encoding/json"
	"fmt"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// DecodeInferenceResponse converts a raw adapter result into a response.
// A body reporting success=false with an error message is an inference
// failure on the server and is returned as KindInference.
func DecodeInferenceResponse(raw json.RawMessage) (*InferenceResponse, error) {
	var resp InferenceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindSerialization, "decode inference response", err)
	}
	if !resp.Success && resp.Error != "" {
		return nil, llmerrors.New(llmerrors.KindInference, resp.Error)
	}
	return &resp, nil
}

// DecodeModels extracts the model list from a {"models": [...]} envelope.
func DecodeModels(raw json.RawMessage) ([]ModelInfo, error) {
	var envelope struct {
		Models *[]ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, llmerrors.Wrap(llmerrors.KindSerialization, "decode model list", err)
	}
	if envelope.Models == nil {
		return nil, llmerrors.New(llmerrors.KindSerialization, "invalid models response format")
	}
	return *envelope.Models, nil
}

// DecodeInto unmarshals raw into out, classifying failures as serialization errors.
func DecodeInto(raw json.RawMessage, out any, what string) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return llmerrors.Wrap(llmerrors.KindSerialization, fmt.Sprintf("decode %s", what), err)
	}
	return nil
}

// DecodeHealth parses a health report, keeping the full document in Details.
// A missing status field yields HealthUnknown.
func DecodeHealth(raw json.RawMessage) (*HealthStatus, error) {
	var h HealthStatus
	if err := DecodeInto(raw, &h, "health status"); err != nil {
		return nil, err
	}
	if err := DecodeInto(raw, &h.Details, "health status"); err != nil {
		return nil, err
	}
	if h.Status == "" {
		h.Status = HealthUnknown
	}
	return &h, nil
}
