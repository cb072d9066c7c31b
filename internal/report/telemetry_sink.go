package report

import (
	"context"
	"time"

	"github.com/llm-recipes/moetrack/internal/telemetry"
)

// TelemetrySink exports records through the OpenTelemetry instruments.
type TelemetrySink struct{}

func (TelemetrySink) Name() string { return "telemetry" }

func (TelemetrySink) Log(_ context.Context, iteration int, rec Record) error {
	telemetry.RecordIteration(telemetry.IterationPoint{
		Iteration:             int64(iteration),
		Loss:                  rec[KeyLoss],
		LoadBalancingLoss:     rec[KeyLoadBalancingLoss],
		Perplexity:            rec[KeyPerplexity],
		LearningRate:          rec[KeyLearningRate],
		TokensPerSecond:       rec[KeyTokensPerSec],
		TokensPerSecondPerGPU: rec[KeyTokensPerSecPerGPU],
		TFLOPS:                rec[KeyTFLOPS],
		GlobalBatchSize:       int64(rec[KeyGlobalBatchSize]),
		Tokens:                int64(rec[KeyGlobalBatchSize] * rec[KeySeqLen]),
		Elapsed:               time.Duration(rec[KeyIterationTime] * float64(time.Second)),
	})
	for key, attrs := range optimizerNormKeys {
		if v, ok := rec[key]; ok {
			telemetry.RecordOptimizerNorm(attrs[0], attrs[1], v)
		}
	}
	if v, ok := rec[KeyGradNorm]; ok {
		telemetry.RecordGradNorm(v)
	}
	return nil
}

// UpdateConfig publishes model metadata when the record carries it.
func (TelemetrySink) UpdateConfig(_ context.Context, cfg map[string]any) error {
	arch, ok := cfg["model_architecture"].(string)
	if !ok {
		return nil
	}
	activation, _ := cfg["activation_function"].(string)
	modelType, _ := cfg["model_type"].(string)
	telemetry.SetModelInfo(telemetry.ModelInfo{
		Architecture: arch,
		Activation:   activation,
		ModelType:    modelType,
	})
	return nil
}

func (TelemetrySink) Close() error { return nil }
