package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestIterationBuckets(t *testing.T) {
	if len(IterationBucketsSeconds) == 0 {
		t.Fatal("IterationBucketsSeconds must not be empty")
	}
	for i := 1; i < len(IterationBucketsSeconds); i++ {
		if IterationBucketsSeconds[i] <= IterationBucketsSeconds[i-1] {
			t.Fatalf("buckets must be strictly increasing: %v", IterationBucketsSeconds)
		}
	}
}

func TestNormalizeLower(t *testing.T) {
	tests := map[string]string{
		"":         "unknown",
		"  ":       "unknown",
		"Momentum": "momentum",
		" L2 ":     "l2",
		"history":  "history",
	}
	for in, want := range tests {
		if got := normalizeLower(in, "unknown"); got != want {
			t.Errorf("normalizeLower(%q) = %q, want %q", in, got, want)
		}
	}
}

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, configureMeterProvider(mp))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func gaugeValue(t *testing.T, m metricdata.Metrics) float64 {
	t.Helper()
	g, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "%s is %T", m.Name, m.Data)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

func TestRecordIteration(t *testing.T) {
	reader := withManualReader(t)

	RecordIteration(IterationPoint{
		Iteration:       12,
		Loss:            2.0,
		Perplexity:      7.389,
		TokensPerSecond: 4096,
		TFLOPS:          16.3,
		GlobalBatchSize: 64,
		Tokens:          131072,
		Elapsed:         2 * time.Second,
	})
	RecordOptimizerNorm("Momentum", "L2", 3.5)
	RecordSinkError("history")

	got := collect(t, reader)

	assert.Equal(t, 2.0, gaugeValue(t, got["moetrack_training_loss"]))
	assert.Equal(t, 16.3, gaugeValue(t, got["moetrack_tflops"]))

	tokens, ok := got["moetrack_tokens_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, tokens.DataPoints, 1)
	assert.Equal(t, int64(131072), tokens.DataPoints[0].Value)

	hist, ok := got["moetrack_iteration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	norm, ok := got["moetrack_optimizer_state_norm"].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, norm.DataPoints, 1)
	state, _ := norm.DataPoints[0].Attributes.Value(attrState)
	kind, _ := norm.DataPoints[0].Attributes.Value(attrNorm)
	assert.Equal(t, "momentum", state.AsString())
	assert.Equal(t, "l2", kind.AsString())

	errs, ok := got["moetrack_sink_errors_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	sink, _ := errs.DataPoints[0].Attributes.Value(attrSink)
	assert.Equal(t, "history", sink.AsString())
}

func TestCollectors(t *testing.T) {
	reader := withManualReader(t)

	SetResumeProvider(func(context.Context) (ResumeSnapshot, error) {
		return ResumeSnapshot{Iteration: 300, ConsumedTrainSamples: 19200, ConsumedValidSamples: 640}, nil
	})
	SetModelInfo(ModelInfo{Architecture: "MixtralForCausalLM", Activation: "SiLU", ModelType: "mixtral"})
	t.Cleanup(func() {
		resumeProvider.Store(ResumeProvider(nil))
		modelInfo.Store(nil)
	})

	got := collect(t, reader)

	it, ok := got["moetrack_resume_iteration"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, it.DataPoints, 1)
	assert.Equal(t, int64(300), it.DataPoints[0].Value)

	train := got["moetrack_resume_consumed_train_samples"].Data.(metricdata.Gauge[int64])
	assert.Equal(t, int64(19200), train.DataPoints[0].Value)

	info, ok := got["moetrack_model_info"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, info.DataPoints, 1)
	arch, _ := info.DataPoints[0].Attributes.Value(attrArch)
	act, _ := info.DataPoints[0].Attributes.Value(attrActivation)
	assert.Equal(t, "MixtralForCausalLM", arch.AsString())
	assert.Equal(t, "silu", act.AsString())
}
