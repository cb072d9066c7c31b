package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/llm-recipes/moetrack/internal/model"
	"github.com/llm-recipes/moetrack/internal/stats"
	"github.com/llm-recipes/moetrack/internal/telemetry"
)

const separator = "------------------------------------------------------------------"

// Schedule is the iteration schedule reported once at startup.
type Schedule struct {
	TrainIters             int  `json:"train_iters"`
	LRDecayIters           int  `json:"lr_decay_iters"`
	LRWarmupIters          int  `json:"lr_warmup_iters"`
	InstructionDatasetSize int  `json:"instruction_dataset_size"`
	SaveSamplerState       bool `json:"save_sampler_state"`
}

// Reporter computes derived metrics and emits them. Only the leader rank
// emits; on every other rank all methods return immediately.
type Reporter struct {
	isLeader bool
	sink     Sink

	mu      sync.Mutex // guards console
	console io.Writer
}

// NewReporter builds a reporter writing progress lines to console
// (os.Stdout when nil) and records to sinks.
func NewReporter(isLeader bool, console io.Writer, sinks ...Sink) *Reporter {
	if console == nil {
		console = os.Stdout
	}
	var sink Sink
	switch len(sinks) {
	case 0:
		sink = discardSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = MultiSink(sinks)
	}
	return &Reporter{isLeader: isLeader, sink: sink, console: console}
}

// IsLeader reports whether this reporter emits.
func (r *Reporter) IsLeader() bool {
	return r.isLeader
}

// Compute builds the record of one iteration without emitting it.
func Compute(m IterationMetrics, shape model.Shape, iteration int) (Record, bool) {
	elapsed, clamped := stats.ClampElapsed(m.Elapsed)
	gas := m.GradientAccumulationSteps
	if gas <= 0 {
		gas = 1
	}

	rec := Record{
		KeyLoss:              m.Loss,
		KeyLoadBalancingLoss: m.LoadBalancingLoss,
		KeyPerplexity:        stats.Perplexity(m.Loss),

		KeyBatchSize:       float64(m.BatchSize),
		KeyGlobalBatchSize: float64(stats.GlobalBatchSize(m.BatchSize, m.WorldSize, gas)),
		KeySeqLen:          float64(m.SequenceLength),
		KeyGradAccumSteps:  float64(gas),
		KeyIteration:       float64(iteration),

		KeyLearningRate: m.LearningRate,
	}

	if m.Optimizer.present() {
		var acc stats.NormAccumulator
		for _, shard := range m.Optimizer.Shards {
			acc.Add(shard)
		}
		// Leader-local shards only; not reduced across ranks.
		putNorms(rec, acc.Finalize())
	}

	tokensPerSec := stats.TokensPerSecond(m.BatchSize, m.SequenceLength, gas, elapsed, m.WorldSize)
	rec[KeyIterationTime] = elapsed
	rec[KeyTokensPerSec] = tokensPerSec
	if m.WorldSize > 0 {
		rec[KeyTokensPerSecPerGPU] = tokensPerSec / float64(m.WorldSize)
	}
	rec[KeyTFLOPS] = stats.TFLOPS(shape, m.BatchSize*gas, m.SequenceLength, elapsed)

	return rec, clamped
}

// Report computes the record of iteration, emits it to the sinks keyed by
// iteration and prints a progress line. Non-leaders return a nil record.
// Sink failures are returned but the record is still valid.
func (r *Reporter) Report(ctx context.Context, m IterationMetrics, shape model.Shape, iteration int) (Record, error) {
	if !r.isLeader {
		return nil, nil
	}

	rec, clamped := Compute(m, shape, iteration)
	if clamped {
		telemetry.RecordElapsedClamped()
		logrus.Warnf("report: iteration %d elapsed time %v clamped to %v", iteration, m.Elapsed, stats.MinElapsed)
	}

	err := r.sink.Log(ctx, iteration, rec)

	var line bytes.Buffer
	fmt.Fprintln(&line, separator)
	fmt.Fprintf(&line, "iteration: %d , TFLOPS: %v, Tokens per sec: %v, Loss: %v, load balancing loss: %v\n",
		iteration, rec[KeyTFLOPS], rec[KeyTokensPerSec], m.Loss, m.LoadBalancingLoss)
	fmt.Fprintln(&line, separator)
	r.print(line.Bytes())

	return rec, err
}

func (r *Reporter) print(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.console.Write(p)
}

// ReportModel emits the one-time model metadata and world size.
func (r *Reporter) ReportModel(ctx context.Context, shape model.Shape, worldSize int) error {
	if !r.isLeader {
		return nil
	}
	logrus.Infof("model config: %s (%s), hidden %d, layers %d, heads %d, kv heads %d, experts per token %d, activation %s, world size %d",
		shape.Architecture(), shape.ModelType, shape.HiddenSize, shape.NumHiddenLayers, shape.NumAttentionHeads,
		shape.KeyValueHeads(), shape.ExpertsRoutedTo(), shape.HiddenAct, worldSize)
	return r.sink.UpdateConfig(ctx, shape.Info(worldSize))
}

// ReportSchedule emits the iteration schedule.
func (r *Reporter) ReportSchedule(ctx context.Context, s Schedule) error {
	if !r.isLeader {
		return nil
	}
	r.print(fmt.Appendf(nil, "\ntrain_iters: %d, lr_decay_iters: %d, lr_warmup_iters: %d\n\n",
		s.TrainIters, s.LRDecayIters, s.LRWarmupIters))
	return r.sink.UpdateConfig(ctx, map[string]any{
		"train_iters":              s.TrainIters,
		"lr_decay_iters":           s.LRDecayIters,
		"lr_warmup_iters":          s.LRWarmupIters,
		"instruction_dataset_size": s.InstructionDatasetSize,
		"save_sampler_state":       s.SaveSamplerState,
	})
}

// UpdateConfig forwards an arbitrary config record, e.g. the resolved run
// configuration.
func (r *Reporter) UpdateConfig(ctx context.Context, cfg map[string]any) error {
	if !r.isLeader {
		return nil
	}
	return r.sink.UpdateConfig(ctx, cfg)
}

// Close closes the sinks.
func (r *Reporter) Close() error {
	return r.sink.Close()
}
