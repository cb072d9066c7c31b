package telemetry

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "moetrack"

type instrumentation struct {
	latestIteration      metric.Int64ObservableGauge
	consumedTrainSamples metric.Int64ObservableGauge
	consumedValidSamples metric.Int64ObservableGauge
	modelInfo            metric.Int64ObservableGauge

	loss              metric.Float64Gauge
	loadBalancingLoss metric.Float64Gauge
	perplexity        metric.Float64Gauge
	learningRate      metric.Float64Gauge
	tokensPerSecond   metric.Float64Gauge
	tokensPerSecGPU   metric.Float64Gauge
	tflops            metric.Float64Gauge
	gradNorm          metric.Float64Gauge
	optimizerNorm     metric.Float64Gauge
	globalBatchSize   metric.Int64Gauge
	currentIteration  metric.Int64Gauge

	iterations     metric.Int64Counter
	tokens         metric.Int64Counter
	elapsedClamped metric.Int64Counter
	sinkErrors     metric.Int64Counter
	iterationTime  metric.Float64Histogram
}

var (
	providerMu     sync.Mutex
	meterProvider  metric.MeterProvider = noop.NewMeterProvider()
	meter                               = meterProvider.Meter(meterName)
	inst           instrumentation
	attrState      = attribute.Key("state")
	attrNorm       = attribute.Key("norm")
	attrSink       = attribute.Key("sink")
	attrArch       = attribute.Key("architecture")
	attrActivation = attribute.Key("activation")
	attrModelType  = attribute.Key("model_type")
)

func configureMeterProvider(mp metric.MeterProvider) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	meterProvider = mp
	meter = mp.Meter(meterName)

	var err error
	inst, err = createInstruments(meter)
	if err != nil {
		return err
	}
	return initCollectors(meter)
}

func createInstruments(m metric.Meter) (instrumentation, error) {
	var err error
	i := instrumentation{}

	if i.latestIteration, err = m.Int64ObservableGauge("moetrack_resume_iteration", metric.WithDescription("Iteration the run resumed from (0 when starting fresh).")); err != nil {
		return i, err
	}
	if i.consumedTrainSamples, err = m.Int64ObservableGauge("moetrack_resume_consumed_train_samples", metric.WithDescription("Training samples skipped by the dataloader on resume.")); err != nil {
		return i, err
	}
	if i.consumedValidSamples, err = m.Int64ObservableGauge("moetrack_resume_consumed_valid_samples", metric.WithDescription("Validation samples skipped by the dataloader on resume.")); err != nil {
		return i, err
	}
	if i.modelInfo, err = m.Int64ObservableGauge("moetrack_model_info", metric.WithDescription("Model metadata, constant 1.")); err != nil {
		return i, err
	}

	if i.loss, err = m.Float64Gauge("moetrack_training_loss", metric.WithDescription("Accumulated training loss of the last iteration.")); err != nil {
		return i, err
	}
	if i.loadBalancingLoss, err = m.Float64Gauge("moetrack_training_load_balancing_loss", metric.WithDescription("MoE router load balancing loss of the last iteration.")); err != nil {
		return i, err
	}
	if i.perplexity, err = m.Float64Gauge("moetrack_training_perplexity", metric.WithDescription("exp(loss) of the last iteration.")); err != nil {
		return i, err
	}
	if i.learningRate, err = m.Float64Gauge("moetrack_optimizer_learning_rate", metric.WithDescription("Learning rate of the first parameter group.")); err != nil {
		return i, err
	}
	if i.tokensPerSecond, err = m.Float64Gauge("moetrack_tokens_per_second", metric.WithDescription("Cluster-wide token throughput.")); err != nil {
		return i, err
	}
	if i.tokensPerSecGPU, err = m.Float64Gauge("moetrack_tokens_per_second_per_gpu", metric.WithDescription("Token throughput per rank.")); err != nil {
		return i, err
	}
	if i.tflops, err = m.Float64Gauge("moetrack_tflops", metric.WithDescription("Analytical model TFLOPS per second of wall time.")); err != nil {
		return i, err
	}
	if i.gradNorm, err = m.Float64Gauge("moetrack_grad_norm", metric.WithDescription("L2 norm of the leader's local gradient shards.")); err != nil {
		return i, err
	}
	if i.optimizerNorm, err = m.Float64Gauge("moetrack_optimizer_state_norm", metric.WithDescription("Norms of the leader's local optimizer state shards.")); err != nil {
		return i, err
	}
	if i.globalBatchSize, err = m.Int64Gauge("moetrack_global_batch_size", metric.WithDescription("Samples per optimizer step across all ranks.")); err != nil {
		return i, err
	}
	if i.currentIteration, err = m.Int64Gauge("moetrack_iteration", metric.WithDescription("Last reported iteration.")); err != nil {
		return i, err
	}

	if i.iterations, err = m.Int64Counter("moetrack_iterations_total", metric.WithDescription("Iterations reported since start.")); err != nil {
		return i, err
	}
	if i.tokens, err = m.Int64Counter("moetrack_tokens_total", metric.WithDescription("Tokens processed since start across all ranks.")); err != nil {
		return i, err
	}
	if i.elapsedClamped, err = m.Int64Counter("moetrack_elapsed_clamped_total", metric.WithDescription("Iterations whose wall time was clamped before computing throughput.")); err != nil {
		return i, err
	}
	if i.sinkErrors, err = m.Int64Counter("moetrack_sink_errors_total", metric.WithDescription("Failed writes to metric sinks.")); err != nil {
		return i, err
	}
	if i.iterationTime, err = m.Float64Histogram("moetrack_iteration_seconds", metric.WithDescription("Training iteration wall time."), metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(IterationBucketsSeconds...)); err != nil {
		return i, err
	}

	return i, nil
}

func init() {
	var err error
	inst, err = createInstruments(meter)
	if err != nil {
		logrus.Errorf("telemetry: failed to create instruments: %v", err)
		return
	}
	if err := initCollectors(meter); err != nil {
		logrus.Errorf("telemetry: failed to init collectors: %v", err)
	}
}
