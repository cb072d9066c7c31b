package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var background = context.Background()

func addCounter(counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if counter == nil || value == 0 {
		return
	}
	counter.Add(background, value, metric.WithAttributes(attrs...))
}

func recordHistogram(hist metric.Float64Histogram, value float64, attrs ...attribute.KeyValue) {
	if hist == nil {
		return
	}
	hist.Record(background, value, metric.WithAttributes(attrs...))
}

func recordGauge(g metric.Float64Gauge, value float64, attrs ...attribute.KeyValue) {
	if g == nil {
		return
	}
	g.Record(background, value, metric.WithAttributes(attrs...))
}

func recordIntGauge(g metric.Int64Gauge, value int64) {
	if g == nil {
		return
	}
	g.Record(background, value)
}

func normalizeLower(value, fallback string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// IterationPoint is the per-iteration sample exported to the meter.
type IterationPoint struct {
	Iteration             int64
	Loss                  float64
	LoadBalancingLoss     float64
	Perplexity            float64
	LearningRate          float64
	TokensPerSecond       float64
	TokensPerSecondPerGPU float64
	TFLOPS                float64
	GlobalBatchSize       int64
	Tokens                int64
	Elapsed               time.Duration
}

func RecordIteration(p IterationPoint) {
	addCounter(inst.iterations, 1)
	addCounter(inst.tokens, p.Tokens)
	recordIntGauge(inst.currentIteration, p.Iteration)
	recordIntGauge(inst.globalBatchSize, p.GlobalBatchSize)
	recordGauge(inst.loss, p.Loss)
	recordGauge(inst.loadBalancingLoss, p.LoadBalancingLoss)
	recordGauge(inst.perplexity, p.Perplexity)
	recordGauge(inst.learningRate, p.LearningRate)
	recordGauge(inst.tokensPerSecond, p.TokensPerSecond)
	recordGauge(inst.tokensPerSecGPU, p.TokensPerSecondPerGPU)
	recordGauge(inst.tflops, p.TFLOPS)
	if p.Elapsed > 0 {
		recordHistogram(inst.iterationTime, p.Elapsed.Seconds())
	}
}

// RecordOptimizerNorm exports one optimizer state norm, e.g. ("momentum", "l2").
func RecordOptimizerNorm(state, norm string, value float64) {
	recordGauge(inst.optimizerNorm, value,
		attrState.String(normalizeLower(state, "unknown")),
		attrNorm.String(normalizeLower(norm, "unknown")),
	)
}

func RecordGradNorm(value float64) {
	recordGauge(inst.gradNorm, value)
}

func RecordElapsedClamped() {
	addCounter(inst.elapsedClamped, 1)
}

func RecordSinkError(sink string) {
	addCounter(inst.sinkErrors, 1, attrSink.String(normalizeLower(sink, "unknown")))
}
