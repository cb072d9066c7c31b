// Package config resolves the run configuration once at startup. The
// resulting Config is passed explicitly to every component.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidConfig wraps every validation failure of Load and Validate.
var ErrInvalidConfig = errors.New("config: invalid")

// unsetRunID is the rendezvous id torchrun uses when none was given.
const unsetRunID = "none"

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Run         RunConfig         `mapstructure:"run"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Training    TrainingConfig    `mapstructure:"training"`
	Model       ModelConfig       `mapstructure:"model"`
	Distributed DistributedConfig `mapstructure:"distributed"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Server      ServerConfig      `mapstructure:"server"`
}

type RunConfig struct {
	Name            string        `mapstructure:"name"`
	Dir             string        `mapstructure:"dir"`
	Progression     bool          `mapstructure:"progression"`
	ProgressionPath string        `mapstructure:"progression_path"`
	MemoryTTL       time.Duration `mapstructure:"memory_ttl"`
}

type CheckpointConfig struct {
	Load string `mapstructure:"load"`
	Save string `mapstructure:"save"`
}

type TrainingConfig struct {
	GlobalBatchSize        int    `mapstructure:"global_batch_size" json:"global_batch_size"`
	MicroBatchSize         int    `mapstructure:"micro_batch_size" json:"micro_batch_size"`
	SequenceLength         int    `mapstructure:"seq_length" json:"seq_length"`
	TrainIters             int    `mapstructure:"train_iters" json:"train_iters"`
	LRDecayIters           int    `mapstructure:"lr_decay_iters" json:"lr_decay_iters"`
	LRWarmupIters          int    `mapstructure:"lr_warmup_iters" json:"lr_warmup_iters"`
	EvalInterval           int    `mapstructure:"eval_interval" json:"eval_interval"`
	EvalIters              int    `mapstructure:"eval_iters" json:"eval_iters"`
	InstructionDatasetSize int    `mapstructure:"instruction_dataset_size" json:"instruction_dataset_size"`
	SaveSamplerState       bool   `mapstructure:"save_sampler_state" json:"save_sampler_state"`
	Seed                   uint64 `mapstructure:"seed" json:"seed"`
}

type ModelConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

type DistributedConfig struct {
	Rank           int           `mapstructure:"rank"`
	LocalRank      int           `mapstructure:"local_rank"`
	WorldSize      int           `mapstructure:"world_size"`
	RunID          string        `mapstructure:"run_id"`
	RestartCount   int           `mapstructure:"restart_count"`
	// BarrierDir overrides the rendezvous directory. Without a run id it must
	// be fresh for every launch.
	BarrierDir     string        `mapstructure:"barrier_dir"`
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`
}

type TelemetryConfig struct {
	Exporter     string            `mapstructure:"exporter"`
	PromAddr     string            `mapstructure:"prom_addr"`
	PromPath     string            `mapstructure:"prom_path"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool              `mapstructure:"otlp_insecure"`
	OTLPHeaders  map[string]string `mapstructure:"otlp_headers"`
	OTLPInterval time.Duration     `mapstructure:"otlp_interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("run.name", "")
	v.SetDefault("run.dir", "runs/default")
	v.SetDefault("run.progression", false)
	v.SetDefault("run.progression_path", "")
	v.SetDefault("run.memory_ttl", time.Hour)

	v.SetDefault("checkpoint.load", "")
	v.SetDefault("checkpoint.save", "")

	v.SetDefault("training.global_batch_size", 1024)
	v.SetDefault("training.micro_batch_size", 1)
	v.SetDefault("training.seq_length", 4096)
	v.SetDefault("training.train_iters", 0)
	v.SetDefault("training.lr_decay_iters", 0)
	v.SetDefault("training.lr_warmup_iters", 0)
	v.SetDefault("training.eval_interval", 100)
	v.SetDefault("training.eval_iters", 10)
	v.SetDefault("training.instruction_dataset_size", 0)
	v.SetDefault("training.save_sampler_state", false)
	v.SetDefault("training.seed", 1234)

	v.SetDefault("model.config_path", "")

	v.SetDefault("distributed.rank", 0)
	v.SetDefault("distributed.local_rank", 0)
	v.SetDefault("distributed.world_size", 1)
	v.SetDefault("distributed.run_id", "")
	v.SetDefault("distributed.restart_count", 0)
	v.SetDefault("distributed.barrier_dir", "")
	v.SetDefault("distributed.barrier_timeout", 10*time.Minute)

	v.SetDefault("telemetry.exporter", "prom")
	v.SetDefault("telemetry.prom_addr", ":9464")
	v.SetDefault("telemetry.prom_path", "/metrics")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.otlp_headers", map[string]string{})
	v.SetDefault("telemetry.otlp_interval", time.Duration(0))

	v.SetDefault("server.addr", ":8080")
}

// Load resolves the configuration from defaults, the optional YAML file at
// path and the environment. MOETRACK_<SECTION>_<KEY> overrides any key; the
// launcher variables RANK, LOCAL_RANK, WORLD_SIZE and TORCHELASTIC_RUN_ID are
// honoured for the distributed section, as is TORCHELASTIC_RESTART_COUNT.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MOETRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"distributed.rank":          "RANK",
		"distributed.local_rank":    "LOCAL_RANK",
		"distributed.world_size":    "WORLD_SIZE",
		"distributed.run_id":        "TORCHELASTIC_RUN_ID",
		"distributed.restart_count": "TORCHELASTIC_RESTART_COUNT",
	} {
		envKey := "MOETRACK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the distributed layout and batch arithmetic.
func (c *Config) Validate() error {
	d, t := c.Distributed, c.Training
	switch {
	case d.WorldSize <= 0:
		return fmt.Errorf("%w: world_size must be positive, got %d", ErrInvalidConfig, d.WorldSize)
	case d.Rank < 0 || d.Rank >= d.WorldSize:
		return fmt.Errorf("%w: rank %d outside world of %d", ErrInvalidConfig, d.Rank, d.WorldSize)
	case t.MicroBatchSize <= 0:
		return fmt.Errorf("%w: micro_batch_size must be positive", ErrInvalidConfig)
	case t.GlobalBatchSize <= 0:
		return fmt.Errorf("%w: global_batch_size must be positive", ErrInvalidConfig)
	case t.GlobalBatchSize%(t.MicroBatchSize*d.WorldSize) != 0:
		return fmt.Errorf("%w: global_batch_size %d not divisible by micro_batch_size*world_size %d",
			ErrInvalidConfig, t.GlobalBatchSize, t.MicroBatchSize*d.WorldSize)
	case t.EvalInterval < 0 || t.EvalIters < 0:
		return fmt.Errorf("%w: eval_interval and eval_iters must not be negative", ErrInvalidConfig)
	case d.WorldSize > 1 && d.BarrierDir == "" && !c.hasRunID():
		return fmt.Errorf("%w: world_size %d needs distributed.run_id (or TORCHELASTIC_RUN_ID) or distributed.barrier_dir",
			ErrInvalidConfig, d.WorldSize)
	}
	return nil
}

// GradientAccumulationSteps is the number of micro batches per optimizer step
// on each rank.
func (c *Config) GradientAccumulationSteps() int {
	return c.Training.GlobalBatchSize / (c.Training.MicroBatchSize * c.Distributed.WorldSize)
}

// IsLeader reports whether this process emits telemetry.
func (c *Config) IsLeader() bool {
	return c.Distributed.Rank == 0
}

func (c *Config) hasRunID() bool {
	return c.Distributed.RunID != "" && c.Distributed.RunID != unsetRunID
}

// BarrierDir is the rendezvous directory of this job.
func (c *Config) BarrierDir() string {
	if c.Distributed.BarrierDir != "" {
		return c.Distributed.BarrierDir
	}
	id := "default"
	if c.hasRunID() {
		id = c.Distributed.RunID
	}
	return filepath.Join(c.Run.Dir, ".barrier", id)
}

// LaunchID identifies one launch of the job: the run id and the elastic
// restart count. Barrier markers of other launches are ignored.
func (c *Config) LaunchID() string {
	id := ""
	if c.hasRunID() {
		id = c.Distributed.RunID
	}
	return fmt.Sprintf("%s.%d", id, c.Distributed.RestartCount)
}

// Fingerprint identifies the training hyperparameters. Dashboards compare it
// across resumes to spot configuration changes.
func (c *Config) Fingerprint() string {
	// Only ints, strings and bools; encoding cannot fail.
	data, _ := json.Marshal(struct {
		Training TrainingConfig `json:"training"`
		Model    string         `json:"model"`
	}{c.Training, c.Model.ConfigPath})
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
