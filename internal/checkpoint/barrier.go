package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBarrierTimeout is returned when not every rank arrived before the
// barrier timeout or context deadline.
var ErrBarrierTimeout = errors.New("checkpoint: barrier timed out")

// Barrier blocks until every participating rank reached the same named point.
type Barrier interface {
	Wait(ctx context.Context, name string) error
}

// NoopBarrier is the barrier of a single-rank run.
type NoopBarrier struct{}

func (NoopBarrier) Wait(context.Context, string) error { return nil }

// FileBarrier is a rendezvous on a filesystem shared by all ranks. Each rank
// drops a marker file holding Launch into Dir/<name> and polls until
// WorldSize markers of the same launch exist. Markers left behind by an
// earlier launch in the same Dir are not counted.
type FileBarrier struct {
	Dir       string
	Rank      int
	WorldSize int
	Timeout   time.Duration

	// Launch identifies this launch of the job; every rank of a launch must
	// use the same value and a relaunch a different one.
	Launch string

	// Poll intervals, defaulted when zero.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Wait implements Barrier.
func (b *FileBarrier) Wait(ctx context.Context, name string) error {
	dir := filepath.Join(b.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: barrier %s: %w", name, err)
	}
	marker := filepath.Join(dir, fmt.Sprintf("rank-%d", b.Rank))
	if err := writeFileAtomic(marker, []byte(b.Launch)); err != nil {
		return fmt.Errorf("checkpoint: barrier %s: %w", name, err)
	}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = orDefault(b.InitialInterval, 50*time.Millisecond)
	policy.MaxInterval = orDefault(b.MaxInterval, 2*time.Second)
	policy.MaxElapsedTime = 0

	arrived := 0
	err := backoff.Retry(func() error {
		n, err := countMarkers(dir, b.Launch)
		if err != nil {
			return backoff.Permanent(err)
		}
		arrived = n
		if n < b.WorldSize {
			return fmt.Errorf("%d/%d ranks arrived", n, b.WorldSize)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s after %d/%d ranks: %v", ErrBarrierTimeout, name, arrived, b.WorldSize, ctx.Err())
		}
		return fmt.Errorf("checkpoint: barrier %s: %w", name, err)
	}
	return nil
}

func countMarkers(dir, launch string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "rank-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			// Replaced between ReadDir and ReadFile; seen on the next poll.
			continue
		}
		if string(data) == launch {
			n++
		}
	}
	return n, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
