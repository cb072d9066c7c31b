package telemetry

// IterationBucketsSeconds defines histogram buckets for training iteration
// wall time. Large MoE steps commonly take tens of seconds.
var IterationBucketsSeconds = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300}
