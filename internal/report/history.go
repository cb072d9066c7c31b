package report

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	HistoryFileName = "history.jsonl"
	ConfigFileName  = "config.json"
)

// HistorySink appends every record as one JSON line to <dir>/history.jsonl
// and keeps the merged config records in <dir>/config.json.
type HistorySink struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	enc    *json.Encoder
	config map[string]any
	now    func() time.Time
}

// NewHistorySink opens (appending to) the history of the run in dir. An
// existing config.json is loaded so resumed runs keep earlier keys.
func NewHistorySink(dir string) (*HistorySink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, HistoryFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open history: %w", err)
	}
	config := map[string]any{}
	if data, err := os.ReadFile(filepath.Join(dir, ConfigFileName)); err == nil {
		if err := json.Unmarshal(data, &config); err != nil {
			f.Close()
			return nil, fmt.Errorf("report: decode %s: %w", ConfigFileName, err)
		}
	}
	return &HistorySink{dir: dir, file: f, enc: json.NewEncoder(f), config: config, now: time.Now}, nil
}

func (h *HistorySink) Name() string { return "history" }

func (h *HistorySink) Log(_ context.Context, iteration int, rec Record) error {
	line := jsonRecord(rec)
	line["_step"] = iteration
	line["_timestamp"] = float64(h.now().UnixMilli()) / 1e3

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return os.ErrClosed
	}
	return h.enc.Encode(line)
}

func (h *HistorySink) UpdateConfig(_ context.Context, cfg map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	maps.Copy(h.config, cfg)
	data, err := json.MarshalIndent(h.config, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode config: %w", err)
	}
	return writeFileAtomic(filepath.Join(h.dir, ConfigFileName), data)
}

func (h *HistorySink) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// jsonRecord converts rec for encoding/json, which rejects NaN and Inf
// (perplexity of a diverged loss); those become null.
func jsonRecord(rec Record) map[string]any {
	out := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("report: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: rename %s: %w", path, err)
	}
	return nil
}
