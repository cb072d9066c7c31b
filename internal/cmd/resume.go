package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/llm-recipes/moetrack/internal/checkpoint"
	"github.com/llm-recipes/moetrack/internal/config"
)

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Print the resume point of this rank",
	Long: `Scan checkpoint.load for the latest iteration, restore this rank's RNG
state and print the consumed train and validation sample counts as JSON.

With world_size > 1 every rank must run this command; ranks rendezvous on a
shared barrier directory after the scan and after the RNG restore.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := resume(ctx, cfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func newBarrier(cfg *config.Config) checkpoint.Barrier {
	if cfg.Distributed.WorldSize <= 1 {
		return checkpoint.NoopBarrier{}
	}
	return &checkpoint.FileBarrier{
		Dir:       cfg.BarrierDir(),
		Rank:      cfg.Distributed.Rank,
		WorldSize: cfg.Distributed.WorldSize,
		Timeout:   cfg.Distributed.BarrierTimeout,
		Launch:    cfg.LaunchID(),
	}
}

func resume(ctx context.Context, cfg *config.Config) (*checkpoint.RunState, error) {
	state, err := checkpoint.Resume(ctx, checkpoint.Options{
		LoadDir:         cfg.Checkpoint.Load,
		Rank:            cfg.Distributed.Rank,
		Seed:            cfg.Training.Seed,
		GlobalBatchSize: cfg.Training.GlobalBatchSize,
		EvalInterval:    cfg.Training.EvalInterval,
		EvalIters:       cfg.Training.EvalIters,
		Barrier:         newBarrier(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume: %w", err)
	}
	return state, nil
}
