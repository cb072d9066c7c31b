package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/llm-recipes/moetrack/internal/model"
	"github.com/llm-recipes/moetrack/internal/stats"
)

var (
	estimateModelConfig string
	estimateBatchSize   int
	estimateSeqLength   int
	estimateGradAccum   int
	estimateWorldSize   int
	estimateElapsed     float64
)

// estimateCmd represents the estimate command
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate tokens/s and TFLOPS for one iteration",
	Long: `Compute throughput and per-GPU TFLOPS from a model config.json and the
timing of one iteration, without a running job.

Example:
  moetrack estimate --model-config mixtral/config.json --batch-size 1 \
    --seq-length 4096 --grad-accum 8 --world-size 64 --elapsed 21.3`,
	Args: cobra.NoArgs,
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(estimateCmd)

	f := estimateCmd.Flags()
	f.StringVar(&estimateModelConfig, "model-config", "", "path to the model config.json")
	f.IntVar(&estimateBatchSize, "batch-size", 1, "micro batch size per rank")
	f.IntVar(&estimateSeqLength, "seq-length", 4096, "sequence length")
	f.IntVar(&estimateGradAccum, "grad-accum", 1, "gradient accumulation steps")
	f.IntVar(&estimateWorldSize, "world-size", 1, "number of ranks")
	f.Float64Var(&estimateElapsed, "elapsed", 0, "iteration time in seconds")
	_ = estimateCmd.MarkFlagRequired("model-config")
}

func runEstimate(cmd *cobra.Command, _ []string) error {
	shape, err := model.LoadShape(estimateModelConfig)
	if err != nil {
		return err
	}
	if estimateBatchSize <= 0 || estimateSeqLength <= 0 || estimateGradAccum <= 0 || estimateWorldSize <= 0 {
		return fmt.Errorf("batch-size, seq-length, grad-accum and world-size must be positive")
	}

	elapsed, clamped := stats.ClampElapsed(time.Duration(estimateElapsed * float64(time.Second)))
	tokensPerSec := stats.TokensPerSecond(estimateBatchSize, estimateSeqLength, estimateGradAccum, elapsed, estimateWorldSize)
	tflops := stats.TFLOPS(shape, estimateBatchSize*estimateGradAccum, estimateSeqLength, elapsed)

	out := cmd.OutOrStdout()
	if clamped {
		fmt.Fprintf(out, "warning: elapsed clamped to %v\n", stats.MinElapsed)
	}
	fmt.Fprintf(out, "model:                %s\n", shape.Architecture())
	fmt.Fprintf(out, "global batch size:    %d\n", stats.GlobalBatchSize(estimateBatchSize, estimateWorldSize, estimateGradAccum))
	fmt.Fprintf(out, "flops per iteration:  %.6g\n", stats.FLOPsPerIteration(shape, estimateBatchSize*estimateGradAccum, estimateSeqLength))
	fmt.Fprintf(out, "tokens per sec:       %.2f\n", tokensPerSec)
	fmt.Fprintf(out, "tokens per sec (gpu): %.2f\n", tokensPerSec/float64(estimateWorldSize))
	fmt.Fprintf(out, "TFLOPS per gpu:       %.4f\n", tflops)
	return nil
}
