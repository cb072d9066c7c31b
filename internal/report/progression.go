package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultProgressionPath is where cluster operators look for training
// progression unless overridden by ProgressionPathEnv.
const (
	DefaultProgressionPath = "/tmp/training_progression.json"
	ProgressionPathEnv     = "TRAINJOB_PROGRESSION_FILE_PATH"
)

// ProgressionPath resolves the progression file path from the environment.
func ProgressionPath() string {
	if p := os.Getenv(ProgressionPathEnv); p != "" {
		return p
	}
	return DefaultProgressionPath
}

// ProgressionStatus is the progression file written after every iteration.
type ProgressionStatus struct {
	CurrentStep     *int64         `json:"current_step,omitempty"`
	TotalSteps      *int64         `json:"total_steps,omitempty"`
	Message         string         `json:"message,omitempty"`
	TrainingMetrics map[string]any `json:"training_metrics,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	StartTime       *int64         `json:"start_time,omitempty"`
}

// ProgressionSink overwrites a progression status file with the latest
// iteration.
type ProgressionSink struct {
	mu         sync.Mutex
	path       string
	totalSteps int64
	startTime  int64
	now        func() time.Time
}

func NewProgressionSink(path string) *ProgressionSink {
	now := time.Now
	return &ProgressionSink{path: path, startTime: now().Unix(), now: now}
}

func (p *ProgressionSink) Name() string { return "progression" }

func (p *ProgressionSink) Log(_ context.Context, iteration int, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := int64(iteration)
	start := p.startTime
	status := ProgressionStatus{
		CurrentStep: &step,
		Message:     fmt.Sprintf("iteration %d", iteration),
		TrainingMetrics: jsonRecord(Record{
			"loss":           rec[KeyLoss],
			"learning_rate":  rec[KeyLearningRate],
			"perplexity":     rec[KeyPerplexity],
			"tokens_per_sec": rec[KeyTokensPerSec],
			"tflops":         rec[KeyTFLOPS],
		}),
		Metrics:   jsonRecord(rec),
		Timestamp: p.now().Unix(),
		StartTime: &start,
	}
	if p.totalSteps > 0 {
		total := p.totalSteps
		status.TotalSteps = &total
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("report: encode progression: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("report: create progression dir: %w", err)
	}
	return writeFileAtomic(p.path, data)
}

// UpdateConfig picks up the total iteration count from the schedule record.
func (p *ProgressionSink) UpdateConfig(_ context.Context, cfg map[string]any) error {
	if v, ok := cfg["train_iters"].(int); ok && v > 0 {
		p.mu.Lock()
		p.totalSteps = int64(v)
		p.mu.Unlock()
	}
	return nil
}

func (p *ProgressionSink) Close() error { return nil }
