// Package report turns per-iteration measurements of the training loop into a
// flat metrics record and fans it out to sinks.
package report

import (
	"sort"
	"time"

	"github.com/llm-recipes/moetrack/internal/stats"
)

// Record keys. Prefixes group them on dashboards.
const (
	KeyLoss              = "training/loss"
	KeyLoadBalancingLoss = "training/load_balancing_loss"
	KeyPerplexity        = "training/perplexity"

	KeyBatchSize       = "utils/batch_size"
	KeyGlobalBatchSize = "utils/global_batch_size"
	KeySeqLen          = "utils/seq_len"
	KeyGradAccumSteps  = "utils/gradient_accumulation_steps"
	KeyIteration       = "utils/iteration"
	KeyGradNorm        = "utils/grad-norm"

	KeyLearningRate = "optimizer/lr"

	KeyVarianceL2         = "optimizer/variance_l2"
	KeyVarianceSqrtL2     = "optimizer/variance_sqrt_l2"
	KeyMomentumL2         = "optimizer/momentum_l2"
	KeyWeightL2           = "optimizer/weight_l2"
	KeyVarianceL1         = "optimizer/variance_l1"
	KeyVarianceSqrtL1     = "optimizer/variance_sqrt_l1"
	KeyMomentumL1         = "optimizer/momentum_l1"
	KeyWeightL1           = "optimizer/weight_l1"
	KeyVarianceAbsMax     = "optimizer/variance_abs_max"
	KeyVarianceSqrtAbsMax = "optimizer/variance_sqrt_abs_max"
	KeyMomentumAbsMax     = "optimizer/momentum_abs_max"
	KeyWeightAbsMax       = "optimizer/weight_abs_max"

	KeyIterationTime      = "stats/1_iteration_time"
	KeyTokensPerSec       = "stats/tokens_per_sec"
	KeyTokensPerSecPerGPU = "stats/tokens_per_sec_per_gpu"
	KeyTFLOPS             = "stats/tflops"
)

// Record is the flat key/value metrics record of one iteration.
type Record map[string]float64

// Keys returns the record keys in lexical order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON returns r in a form encoding/json accepts; NaN and Inf become null.
func (r Record) JSON() map[string]any {
	return jsonRecord(r)
}

// IterationMetrics are the values the training loop measured for one
// iteration.
type IterationMetrics struct {
	Loss                      float64
	LoadBalancingLoss         float64
	Elapsed                   time.Duration
	BatchSize                 int
	SequenceLength            int
	GradientAccumulationSteps int
	WorldSize                 int
	LearningRate              float64

	// Optimizer is nil when the optimizer has no state yet (or the sharded
	// state cannot be inspected); optimizer norms are then not reported.
	Optimizer *OptimizerState
}

// OptimizerState holds the shards owned by the reporting rank.
type OptimizerState struct {
	Shards []stats.Shard
}

func (o *OptimizerState) present() bool {
	return o != nil && len(o.Shards) > 0
}

// optimizerNormKeys maps record keys to telemetry (state, norm) attributes.
var optimizerNormKeys = map[string][2]string{
	KeyVarianceL2:         {"variance", "l2"},
	KeyVarianceSqrtL2:     {"variance_sqrt", "l2"},
	KeyMomentumL2:         {"momentum", "l2"},
	KeyWeightL2:           {"weight", "l2"},
	KeyVarianceL1:         {"variance", "l1"},
	KeyVarianceSqrtL1:     {"variance_sqrt", "l1"},
	KeyMomentumL1:         {"momentum", "l1"},
	KeyWeightL1:           {"weight", "l1"},
	KeyVarianceAbsMax:     {"variance", "abs_max"},
	KeyVarianceSqrtAbsMax: {"variance_sqrt", "abs_max"},
	KeyMomentumAbsMax:     {"momentum", "abs_max"},
	KeyWeightAbsMax:       {"weight", "abs_max"},
}

func putNorms(rec Record, n stats.Norms) {
	rec[KeyVarianceL2] = n.VarianceL2
	rec[KeyVarianceSqrtL2] = n.VarianceSqrtL2
	rec[KeyMomentumL2] = n.MomentumL2
	rec[KeyWeightL2] = n.WeightL2
	rec[KeyVarianceL1] = n.VarianceL1
	rec[KeyVarianceSqrtL1] = n.VarianceSqrtL1
	rec[KeyMomentumL1] = n.MomentumL1
	rec[KeyWeightL1] = n.WeightL1
	rec[KeyVarianceAbsMax] = n.VarianceAbsMax
	rec[KeyVarianceSqrtAbsMax] = n.VarianceSqrtAbsMax
	rec[KeyMomentumAbsMax] = n.MomentumAbsMax
	rec[KeyWeightAbsMax] = n.WeightAbsMax
	rec[KeyGradNorm] = n.GradL2
}
