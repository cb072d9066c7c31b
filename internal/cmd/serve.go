package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llm-recipes/moetrack/internal/config"
	"github.com/llm-recipes/moetrack/internal/model"
	"github.com/llm-recipes/moetrack/internal/report"
	"github.com/llm-recipes/moetrack/internal/server"
	"github.com/llm-recipes/moetrack/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resume, then serve the ingestion API until interrupted",
	Long: `Derive the resume point, emit the one-time model and schedule records,
start the metrics exporter and serve the ingestion API the training loop
posts iteration measurements to.

Only rank 0 emits; other ranks accept and drop.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Model.ConfigPath == "" {
		return fmt.Errorf("model.config_path is required")
	}
	shape, err := model.LoadShape(cfg.Model.ConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logrus.Warnf("telemetry shutdown: %v", err)
		}
	}()

	state, err := resume(ctx, cfg)
	if err != nil {
		return err
	}
	snapshot := telemetry.ResumeSnapshot{
		Iteration:            int64(state.LatestIteration),
		ConsumedTrainSamples: state.ConsumedTrainSamples,
		ConsumedValidSamples: state.ConsumedValidSamples,
	}
	telemetry.SetResumeProvider(func(context.Context) (telemetry.ResumeSnapshot, error) {
		return snapshot, nil
	})
	logrus.Infof("resuming at iteration %d (train samples %d, valid samples %d)",
		state.LatestIteration, state.ConsumedTrainSamples, state.ConsumedValidSamples)

	memory := report.NewMemorySink(cfg.Run.MemoryTTL)
	reporter, err := newReporter(cfg, memory)
	if err != nil {
		return err
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logrus.Warnf("close sinks: %v", err)
		}
	}()

	if err := emitStartup(ctx, reporter, cfg, shape); err != nil {
		// Startup records are informational; a broken sink must not stop the run.
		logrus.Warnf("startup records: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(reporter, memory, shape, state, server.Defaults{
		BatchSize:                 cfg.Training.MicroBatchSize,
		SequenceLength:            cfg.Training.SequenceLength,
		GradientAccumulationSteps: cfg.GradientAccumulationSteps(),
		WorldSize:                 cfg.Distributed.WorldSize,
	})
	if cfg.Checkpoint.Save != "" {
		srv.EnableCheckpointSave(cfg.Checkpoint.Save, cfg.Distributed.Rank)
	}
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	logrus.Info("shutting down")
	return nil
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName:    "moetrack",
		ServiceVersion: Version,
		InstanceID:     uuid.NewString(),
		RunName:        cfg.Run.Name,
		Exporter:       cfg.Telemetry.Exporter,
		Prometheus: telemetry.PromConfig{
			Addr: cfg.Telemetry.PromAddr,
			Path: cfg.Telemetry.PromPath,
		},
		OTLP: telemetry.OTLPConfig{
			Endpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure: cfg.Telemetry.OTLPInsecure,
			Headers:  cfg.Telemetry.OTLPHeaders,
			Interval: cfg.Telemetry.OTLPInterval,
		},
	}
}

// newReporter wires the sinks of the leader. Other ranks get a reporter
// without sinks since it never emits.
func newReporter(cfg *config.Config, memory *report.MemorySink) (*report.Reporter, error) {
	if !cfg.IsLeader() {
		return report.NewReporter(false, nil), nil
	}

	history, err := report.NewHistorySink(cfg.Run.Dir)
	if err != nil {
		return nil, err
	}
	sinks := []report.Sink{report.TelemetrySink{}, history, memory}
	if cfg.Run.Progression {
		path := cfg.Run.ProgressionPath
		if path == "" {
			path = report.ProgressionPath()
		}
		sinks = append(sinks, report.NewProgressionSink(path))
	}
	return report.NewReporter(true, nil, sinks...), nil
}

func emitStartup(ctx context.Context, r *report.Reporter, cfg *config.Config, shape model.Shape) error {
	return errors.Join(
		r.ReportModel(ctx, shape, cfg.Distributed.WorldSize),
		r.ReportSchedule(ctx, report.Schedule{
			TrainIters:             cfg.Training.TrainIters,
			LRDecayIters:           cfg.Training.LRDecayIters,
			LRWarmupIters:          cfg.Training.LRWarmupIters,
			InstructionDatasetSize: cfg.Training.InstructionDatasetSize,
			SaveSamplerState:       cfg.Training.SaveSamplerState,
		}),
		r.UpdateConfig(ctx, runConfig(cfg)),
	)
}

func runConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"run_name":          cfg.Run.Name,
		"run_id":            cfg.Distributed.RunID,
		"config_hash":       cfg.Fingerprint(),
		"global_batch_size": cfg.Training.GlobalBatchSize,
		"micro_batch_size":  cfg.Training.MicroBatchSize,
		"seq_length":        cfg.Training.SequenceLength,
		"grad_accum_steps":  cfg.GradientAccumulationSteps(),
		"eval_interval":     cfg.Training.EvalInterval,
		"eval_iters":        cfg.Training.EvalIters,
		"seed":              cfg.Training.Seed,
		"load":              cfg.Checkpoint.Load,
		"save":              cfg.Checkpoint.Save,
	}
}
