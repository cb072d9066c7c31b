package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log_level: debug
run:
  name: mixtral-8x7b
  dir: /tmp/runs/mixtral
checkpoint:
  load: /ckpt/mixtral
training:
  global_batch_size: 1024
  micro_batch_size: 1
  seq_length: 4096
  train_iters: 25000
  eval_interval: 500
  eval_iters: 10
telemetry:
  exporter: otlp
  otlp_endpoint: collector:4318
  otlp_interval: 15s
`

func writeYAML(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moetrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Distributed.WorldSize)
	assert.Equal(t, 0, cfg.Distributed.Rank)
	assert.True(t, cfg.IsLeader())
	assert.Equal(t, 1024, cfg.GradientAccumulationSteps())
	assert.Equal(t, time.Hour, cfg.Run.MemoryTTL)
	assert.Equal(t, "prom", cfg.Telemetry.Exporter)
}

func TestLoadFileAndLauncherEnv(t *testing.T) {
	t.Setenv("RANK", "3")
	t.Setenv("WORLD_SIZE", "8")
	t.Setenv("TORCHELASTIC_RUN_ID", "job-17")
	t.Setenv("MOETRACK_SERVER_ADDR", ":9999")

	cfg, err := Load(viper.New(), writeYAML(t))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "mixtral-8x7b", cfg.Run.Name)
	assert.Equal(t, "/ckpt/mixtral", cfg.Checkpoint.Load)
	assert.Equal(t, 3, cfg.Distributed.Rank)
	assert.Equal(t, 8, cfg.Distributed.WorldSize)
	assert.False(t, cfg.IsLeader())
	assert.Equal(t, 128, cfg.GradientAccumulationSteps())
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.OTLPInterval)
	assert.Equal(t, filepath.Join("/tmp/runs/mixtral", ".barrier", "job-17"), cfg.BarrierDir())
}

func TestPrefixedEnvWinsOverLauncher(t *testing.T) {
	t.Setenv("WORLD_SIZE", "8")
	t.Setenv("TORCHELASTIC_RUN_ID", "job-17")
	t.Setenv("MOETRACK_DISTRIBUTED_WORLD_SIZE", "4")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Distributed.WorldSize)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Training:    TrainingConfig{GlobalBatchSize: 64, MicroBatchSize: 2, EvalInterval: 10},
			Distributed: DistributedConfig{WorldSize: 4, RunID: "job-17"},
		}
	}
	require.NoError(t, base().Validate())

	explicitDir := base()
	explicitDir.Distributed.RunID = ""
	explicitDir.Distributed.BarrierDir = "/shared/barrier/launch-3"
	require.NoError(t, explicitDir.Validate())

	tests := map[string]func(*Config){
		"zero world":      func(c *Config) { c.Distributed.WorldSize = 0 },
		"rank too large":  func(c *Config) { c.Distributed.Rank = 4 },
		"negative rank":   func(c *Config) { c.Distributed.Rank = -1 },
		"indivisible gbs": func(c *Config) { c.Training.GlobalBatchSize = 60 },
		"zero micro":      func(c *Config) { c.Training.MicroBatchSize = 0 },
		"negative eval":   func(c *Config) { c.Training.EvalIters = -1 },
		"no run id":       func(c *Config) { c.Distributed.RunID = "" },
		"torchrun none":   func(c *Config) { c.Distributed.RunID = "none" },
	}
	for name, mutate := range tests {
		cfg := base()
		mutate(cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, name)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := &Config{Training: TrainingConfig{GlobalBatchSize: 64, EvalInterval: 10}}
	b := &Config{Training: TrainingConfig{GlobalBatchSize: 64, EvalInterval: 10}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)

	b.Training.EvalInterval = 20
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	b.Training.EvalInterval = 10
	b.Distributed.Rank = 5
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestLaunchID(t *testing.T) {
	t.Setenv("WORLD_SIZE", "2")
	t.Setenv("TORCHELASTIC_RUN_ID", "job-17")
	t.Setenv("TORCHELASTIC_RESTART_COUNT", "3")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Distributed.RestartCount)
	assert.Equal(t, "job-17.3", cfg.LaunchID())

	cfg.Distributed.RestartCount = 4
	assert.Equal(t, "job-17.4", cfg.LaunchID())

	cfg.Distributed.RunID = "none"
	assert.Equal(t, ".4", cfg.LaunchID())
	assert.Equal(t, filepath.Join(cfg.Run.Dir, ".barrier", "default"), cfg.BarrierDir())
}

func TestLoadRejectsMultiRankWithoutLaunchIdentity(t *testing.T) {
	t.Setenv("WORLD_SIZE", "2")
	t.Setenv("TORCHELASTIC_RUN_ID", "none")

	_, err := Load(viper.New(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
