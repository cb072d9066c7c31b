// Package telemetry exports training metrics through OpenTelemetry.
//
// Instruments live behind small domain specific helpers (RecordIteration,
// RecordOptimizerNorms, ...) so the rest of moetrack never touches
// OpenTelemetry primitives. Until Init is called every helper writes to a
// no-op meter.
package telemetry
