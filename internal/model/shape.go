// Package model describes the static hyperparameters of the model under
// training, as published in a Hugging Face style config.json.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidShape is returned when a config.json lacks a required dimension.
var ErrInvalidShape = errors.New("model: invalid shape")

// Shape is the read-only hyperparameter surface of the trained model.
type Shape struct {
	HiddenSize            int      `json:"hidden_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      *int     `json:"num_key_value_heads,omitempty"`
	IntermediateSize      int      `json:"intermediate_size"`
	VocabSize             int      `json:"vocab_size"`
	HiddenAct             string   `json:"hidden_act"`
	Architectures         []string `json:"architectures,omitempty"`
	ModelType             string   `json:"model_type,omitempty"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings,omitempty"`
	NumExpertsPerTok      *int     `json:"num_experts_per_tok,omitempty"`
	NumLocalExperts       *int     `json:"num_local_experts,omitempty"`
}

// LoadShape reads and validates a model config.json.
func LoadShape(path string) (Shape, error) {
	var s Shape
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("model: read config: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("model: decode %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate rejects shapes the throughput formulas cannot divide by.
func (s Shape) Validate() error {
	switch {
	case s.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be positive", ErrInvalidShape)
	case s.NumHiddenLayers <= 0:
		return fmt.Errorf("%w: num_hidden_layers must be positive", ErrInvalidShape)
	case s.NumAttentionHeads <= 0:
		return fmt.Errorf("%w: num_attention_heads must be positive", ErrInvalidShape)
	}
	return nil
}

// KeyValueHeads falls back to the attention head count when the config has
// no grouped-query attention setting.
func (s Shape) KeyValueHeads() int {
	if s.NumKeyValueHeads == nil {
		return s.NumAttentionHeads
	}
	return *s.NumKeyValueHeads
}

// ExpertsRoutedTo is the number of experts each token activates, 1 for dense
// models.
func (s Shape) ExpertsRoutedTo() int {
	if s.NumExpertsPerTok == nil || *s.NumExpertsPerTok <= 0 {
		return 1
	}
	return *s.NumExpertsPerTok
}

// ActivationFactor is the feed-forward cost multiplier: gated SiLU (SwiGLU)
// adds an extra projection over GELU.
func (s Shape) ActivationFactor() float64 {
	switch strings.ToLower(s.HiddenAct) {
	case "silu", "swiglu":
		return 1.5
	default:
		return 1
	}
}

// Architecture is the first listed architecture, or the model type.
func (s Shape) Architecture() string {
	if len(s.Architectures) > 0 {
		return s.Architectures[0]
	}
	return s.ModelType
}

// Info is the one-time metadata record reported at startup.
func (s Shape) Info(worldSize int) map[string]any {
	return map[string]any{
		"activation_function":     s.HiddenAct,
		"hidden_size":             s.HiddenSize,
		"model_type":              s.ModelType,
		"max_position_embeddings": s.MaxPositionEmbeddings,
		"num_attention_heads":     s.NumAttentionHeads,
		"num_hidden_layers":       s.NumHiddenLayers,
		"model_architecture":      s.Architecture(),
		"world_size":              worldSize,
	}
}
