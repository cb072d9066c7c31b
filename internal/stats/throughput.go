// Package stats computes the throughput and optimizer norm figures of the
// iteration record.
package stats

import (
	"math"
	"time"

	"github.com/llm-recipes/moetrack/internal/model"
)

// MinElapsed is the smallest iteration time used by the throughput formulas.
// Shorter measurements (typically a degenerate first iteration) are clamped.
const MinElapsed = time.Microsecond

// ClampElapsed returns elapsed in seconds, raised to MinElapsed if needed.
// The boolean reports whether clamping happened.
func ClampElapsed(elapsed time.Duration) (float64, bool) {
	if elapsed < MinElapsed {
		return MinElapsed.Seconds(), true
	}
	return elapsed.Seconds(), false
}

// Perplexity is exp(loss).
func Perplexity(loss float64) float64 {
	return math.Exp(loss)
}

// GlobalBatchSize is the number of samples consumed per optimizer step
// across all ranks.
func GlobalBatchSize(batchSize, worldSize, gradAccumSteps int) int {
	return batchSize * worldSize * gradAccumSteps
}

// TokensPerSecond returns cluster-wide token throughput for one iteration.
// elapsed is in seconds.
func TokensPerSecond(batchSize, seqLen, gradAccumSteps int, elapsed float64, worldSize int) float64 {
	return float64(batchSize) * float64(seqLen) * float64(gradAccumSteps) / elapsed * float64(worldSize)
}

// FLOPsPerIteration is the analytical floating point operation count of one
// iteration of a (mixture-of-experts) decoder. batch must already include
// gradient accumulation.
func FLOPsPerIteration(shape model.Shape, batch, seqLen int) float64 {
	var (
		h   = float64(shape.HiddenSize)
		l   = float64(shape.NumHiddenLayers)
		a   = float64(shape.NumAttentionHeads)
		kv  = float64(shape.KeyValueHeads())
		i   = float64(shape.IntermediateSize)
		v   = float64(shape.VocabSize)
		e   = float64(shape.ExpertsRoutedTo())
		f   = shape.ActivationFactor()
		s   = float64(seqLen)
		b   = float64(batch)
		kvc = shape.HiddenSize / shape.NumAttentionHeads
	)
	queryRatio := float64(kvc*shape.NumAttentionHeads) / h

	attention := (1 + kv/a + s/h) * queryRatio
	mlp := (i / h) * e * f
	logit := v / (2 * l * h)

	return 12 * b * s * (h * h) * l * (attention + mlp + logit)
}

// TFLOPS converts FLOPsPerIteration into tera-FLOPs per second. elapsed is in
// seconds.
func TFLOPS(shape model.Shape, batch, seqLen int, elapsed float64) float64 {
	return FLOPsPerIteration(shape, batch, seqLen) / (elapsed * 1e12)
}
