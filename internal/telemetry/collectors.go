package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// ResumeSnapshot is the resume point the run started from.
type ResumeSnapshot struct {
	Iteration            int64
	ConsumedTrainSamples int64
	ConsumedValidSamples int64
}

// ResumeProvider reports the current resume snapshot.
type ResumeProvider func(ctx context.Context) (ResumeSnapshot, error)

// ModelInfo is static model metadata exported as attributes of an info gauge.
type ModelInfo struct {
	Architecture string
	Activation   string
	ModelType    string
}

var (
	resumeProvider atomic.Value
	modelInfo      atomic.Pointer[ModelInfo]
)

// SetResumeProvider registers the resume snapshot provider.
func SetResumeProvider(fn ResumeProvider) {
	resumeProvider.Store(fn)
}

// SetModelInfo publishes the model metadata gauge.
func SetModelInfo(info ModelInfo) {
	modelInfo.Store(&info)
}

func initCollectors(m metric.Meter) error {
	_, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		observeResume(ctx, o)
		observeModelInfo(o)
		return nil
	}, inst.latestIteration, inst.consumedTrainSamples, inst.consumedValidSamples, inst.modelInfo)
	return err
}

func observeResume(ctx context.Context, o metric.Observer) {
	val := resumeProvider.Load()
	if val == nil {
		return
	}
	fn, ok := val.(ResumeProvider)
	if !ok || fn == nil {
		return
	}
	snap, err := fn(ctx)
	if err != nil {
		return
	}
	o.ObserveInt64(inst.latestIteration, snap.Iteration)
	o.ObserveInt64(inst.consumedTrainSamples, snap.ConsumedTrainSamples)
	o.ObserveInt64(inst.consumedValidSamples, snap.ConsumedValidSamples)
}

func observeModelInfo(o metric.Observer) {
	info := modelInfo.Load()
	if info == nil {
		return
	}
	o.ObserveInt64(inst.modelInfo, 1, metric.WithAttributes(
		attrArch.String(orUnknown(info.Architecture)),
		attrActivation.String(normalizeLower(info.Activation, "unknown")),
		attrModelType.String(normalizeLower(info.ModelType, "unknown")),
	))
}

func orUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
