package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixtralConfig = `{
  "architectures": ["MixtralForCausalLM"],
  "hidden_act": "silu",
  "hidden_size": 4096,
  "intermediate_size": 14336,
  "max_position_embeddings": 32768,
  "model_type": "mixtral",
  "num_attention_heads": 32,
  "num_experts_per_tok": 2,
  "num_hidden_layers": 32,
  "num_key_value_heads": 8,
  "num_local_experts": 8,
  "vocab_size": 32000
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadShapeMixtral(t *testing.T) {
	s, err := LoadShape(writeConfig(t, mixtralConfig))
	require.NoError(t, err)

	assert.Equal(t, 4096, s.HiddenSize)
	assert.Equal(t, 8, s.KeyValueHeads())
	assert.Equal(t, 2, s.ExpertsRoutedTo())
	assert.Equal(t, 1.5, s.ActivationFactor())
	assert.Equal(t, "MixtralForCausalLM", s.Architecture())
}

func TestLoadShapeDefaults(t *testing.T) {
	s, err := LoadShape(writeConfig(t, `{
  "hidden_act": "gelu",
  "hidden_size": 768,
  "intermediate_size": 3072,
  "model_type": "gpt2",
  "num_attention_heads": 12,
  "num_hidden_layers": 12,
  "vocab_size": 50257
}`))
	require.NoError(t, err)

	assert.Equal(t, 1, s.ExpertsRoutedTo())
	assert.Equal(t, 12, s.KeyValueHeads())
	assert.Equal(t, 1.0, s.ActivationFactor())
	assert.Equal(t, "gpt2", s.Architecture())
}

func TestLoadShapeErrors(t *testing.T) {
	_, err := LoadShape(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadShape(writeConfig(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadShape(writeConfig(t, `{"hidden_size": 0, "num_hidden_layers": 2, "num_attention_heads": 2}`))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestInfo(t *testing.T) {
	s, err := LoadShape(writeConfig(t, mixtralConfig))
	require.NoError(t, err)

	info := s.Info(16)
	assert.Equal(t, "silu", info["activation_function"])
	assert.Equal(t, "MixtralForCausalLM", info["model_architecture"])
	assert.Equal(t, 32768, info["max_position_embeddings"])
	assert.Equal(t, 16, info["world_size"])
}
