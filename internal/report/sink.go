package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/llm-recipes/moetrack/internal/telemetry"
)

// Sink receives records keyed by iteration plus one-off config records.
type Sink interface {
	Name() string
	Log(ctx context.Context, iteration int, rec Record) error
	UpdateConfig(ctx context.Context, cfg map[string]any) error
	Close() error
}

// MultiSink fans out to every sink; one failing sink does not stop the rest.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Log(ctx context.Context, iteration int, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, iteration, rec); err != nil {
			telemetry.RecordSinkError(s.Name())
			errs = append(errs, fmt.Errorf("report: sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) UpdateConfig(ctx context.Context, cfg map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.UpdateConfig(ctx, cfg); err != nil {
			telemetry.RecordSinkError(s.Name())
			errs = append(errs, fmt.Errorf("report: sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("report: close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Name() string { return "discard" }
func (discardSink) Log(context.Context, int, Record) error { return nil }
func (discardSink) UpdateConfig(context.Context, map[string]any) error { return nil }
func (discardSink) Close() error { return nil }
