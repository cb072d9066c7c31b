package checkpoint

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Options describe where and how a rank resumes.
type Options struct {
	// LoadDir is the checkpoint root; empty starts from scratch.
	LoadDir string
	Rank    int
	Seed    uint64

	GlobalBatchSize int
	EvalInterval    int
	EvalIters       int

	// Barrier synchronises ranks after the scan and after the RNG restore.
	// Nil means a single rank. Barrier names are fixed, so a FileBarrier must
	// carry a per-launch identity.
	Barrier Barrier
}

// RunState is the resume point of this rank. It is derived on every start and
// never persisted, so changed batch or evaluation settings are picked up.
type RunState struct {
	LatestIteration      int       `json:"latest_iteration"`
	HasCheckpoint        bool      `json:"has_checkpoint"`
	ConsumedTrainSamples int64     `json:"consumed_train_samples"`
	ConsumedValidSamples int64     `json:"consumed_valid_samples"`
	RNG                  *RNGState `json:"rng_state,omitempty"`
}

// Resume scans LoadDir for the latest iteration, restores this rank's RNG and
// derives the dataloader offsets.
func Resume(ctx context.Context, opts Options) (*RunState, error) {
	barrier := opts.Barrier
	if barrier == nil {
		barrier = NoopBarrier{}
	}

	state := &RunState{LatestIteration: LatestIteration(opts.LoadDir)}
	if opts.LoadDir != "" {
		if fi, err := os.Stat(IterationDir(opts.LoadDir, state.LatestIteration)); err == nil && fi.IsDir() {
			state.HasCheckpoint = true
		}
	}
	if err := barrier.Wait(ctx, "scan"); err != nil {
		return nil, err
	}

	if state.HasCheckpoint {
		rng, err := LoadRNGState(opts.LoadDir, state.LatestIteration, opts.Rank)
		if err != nil {
			return nil, err
		}
		state.RNG = rng
		logrus.Infof("checkpoint: restored rng state of rank %d from iteration %d", opts.Rank, state.LatestIteration)
	} else {
		state.RNG = NewRNGState(opts.Seed)
	}
	// Ranks read the snapshot at different speeds; nobody samples before
	// everyone restored.
	if err := barrier.Wait(ctx, "rng"); err != nil {
		return nil, fmt.Errorf("checkpoint: after restoring iteration %d: %w", state.LatestIteration, err)
	}

	state.ConsumedTrainSamples = ConsumedTrainSamples(opts.GlobalBatchSize, state.LatestIteration)
	state.ConsumedValidSamples = ConsumedValidSamples(opts.GlobalBatchSize, state.LatestIteration, opts.EvalInterval, opts.EvalIters)
	return state, nil
}
