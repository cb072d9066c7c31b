package checkpoint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0o755))
	}
}

func TestLatestIteration(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "3", "7", "12", "not_a_number")
	require.NoError(t, os.WriteFile(filepath.Join(root, "99"), []byte("file, not dir"), 0o644))

	assert.Equal(t, 12, LatestIteration(root))
}

func TestLatestIterationEmptyOrMissing(t *testing.T) {
	assert.Equal(t, 0, LatestIteration(t.TempDir()))
	assert.Equal(t, 0, LatestIteration(filepath.Join(t.TempDir(), "missing")))
	assert.Equal(t, 0, LatestIteration(""))
}

func TestConsumedSamples(t *testing.T) {
	tests := []struct {
		gbs, iter, interval, evalIters int
		train, valid                   int64
	}{
		{gbs: 1024, iter: 0, interval: 100, evalIters: 10, train: 0, valid: 0},
		{gbs: 1024, iter: 250, interval: 100, evalIters: 10, train: 256000, valid: 1024 * 2 * 10},
		{gbs: 8, iter: 99, interval: 100, evalIters: 5, train: 792, valid: 0},
		{gbs: 8, iter: 100, interval: 100, evalIters: 5, train: 800, valid: 40},
		{gbs: 8, iter: 7, interval: 3, evalIters: 1, train: 56, valid: 16},
		{gbs: 8, iter: 50, interval: 0, evalIters: 5, train: 400, valid: 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.train, ConsumedTrainSamples(tc.gbs, tc.iter))
		assert.Equal(t, tc.valid, ConsumedValidSamples(tc.gbs, tc.iter, tc.interval, tc.evalIters),
			"gbs=%d iter=%d interval=%d", tc.gbs, tc.iter, tc.interval)
	}
}

func TestConsumedValidSamplesFloor(t *testing.T) {
	for iter := 0; iter < 500; iter += 7 {
		for _, interval := range []int{1, 3, 10, 64} {
			want := int64(32 * (iter / interval) * 4)
			assert.Equal(t, want, ConsumedValidSamples(32, iter, interval, 4))
		}
	}
}

func TestRNGStateRoundTrip(t *testing.T) {
	root := t.TempDir()
	state := NewRNGState(42)
	state.Rand().Uint64()
	require.NoError(t, SaveRNGState(root, 10, 3, state))

	want := state.Rand().Uint64()

	restored, err := LoadRNGState(root, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, want, restored.Rand().Uint64())

	_, err = LoadRNGState(root, 10, 4)
	assert.Error(t, err)
}

func TestRNGStateRejectsGarbage(t *testing.T) {
	var s RNGState
	assert.Error(t, s.UnmarshalBinary([]byte("nope")))
	assert.Error(t, s.UnmarshalText([]byte("%%%")))
}

func TestRunStateJSONCarriesRNG(t *testing.T) {
	rng := NewRNGState(9)
	rng.Rand().Uint64()
	in := RunState{LatestIteration: 4, HasCheckpoint: true, RNG: rng}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	blob, err := rng.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(blob), raw["rng_state"])

	var out RunState
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.RNG)
	assert.Equal(t, rng.Rand().Uint64(), out.RNG.Rand().Uint64())

	data, err = json.Marshal(RunState{})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "rng_state")
}

func TestResumeFromScratch(t *testing.T) {
	barrier := &recordingBarrier{}
	state, err := Resume(context.Background(), Options{
		LoadDir:         filepath.Join(t.TempDir(), "missing"),
		Seed:            7,
		GlobalBatchSize: 64,
		EvalInterval:    10,
		EvalIters:       2,
		Barrier:         barrier,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan", "rng"}, barrier.names)

	assert.Equal(t, 0, state.LatestIteration)
	assert.False(t, state.HasCheckpoint)
	assert.Zero(t, state.ConsumedTrainSamples)
	assert.Zero(t, state.ConsumedValidSamples)
	assert.Equal(t, NewRNGState(7).Rand().Uint64(), state.RNG.Rand().Uint64())
}

type recordingBarrier struct {
	names []string
}

func (b *recordingBarrier) Wait(_ context.Context, name string) error {
	b.names = append(b.names, name)
	return nil
}

func TestResumeFromCheckpoint(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "100")
	saved := NewRNGState(1)
	saved.Rand().IntN(10)
	require.NoError(t, SaveRNGState(root, 200, 1, saved))
	next := saved.Rand().Uint64()

	barrier := &recordingBarrier{}
	state, err := Resume(context.Background(), Options{
		LoadDir:         root,
		Rank:            1,
		GlobalBatchSize: 16,
		EvalInterval:    30,
		EvalIters:       3,
		Barrier:         barrier,
	})
	require.NoError(t, err)

	assert.Equal(t, 200, state.LatestIteration)
	assert.True(t, state.HasCheckpoint)
	assert.Equal(t, int64(3200), state.ConsumedTrainSamples)
	assert.Equal(t, int64(16*6*3), state.ConsumedValidSamples)
	assert.Equal(t, next, state.RNG.Rand().Uint64())
	assert.Equal(t, []string{"scan", "rng"}, barrier.names)
}

func TestResumeMissingRNGState(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "5")
	_, err := Resume(context.Background(), Options{LoadDir: root})
	assert.Error(t, err)
}

func TestFileBarrier(t *testing.T) {
	dir := t.TempDir()
	const world = 4

	var wg sync.WaitGroup
	errs := make([]error, world)
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			b := &FileBarrier{Dir: dir, Rank: rank, WorldSize: world, Timeout: 5 * time.Second, InitialInterval: time.Millisecond}
			errs[rank] = b.Wait(context.Background(), "rng-0")
		}(rank)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestFileBarrierIgnoresPreviousLaunch(t *testing.T) {
	dir := t.TempDir()
	barrier := func(launch string, rank int, timeout time.Duration) *FileBarrier {
		return &FileBarrier{Dir: dir, Rank: rank, WorldSize: 2, Launch: launch, Timeout: timeout, InitialInterval: time.Millisecond}
	}

	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, barrier("job.0", rank, 5*time.Second).Wait(context.Background(), "rng"))
		}(rank)
	}
	wg.Wait()

	// Relaunch: only rank 0 is back, the markers of the first launch remain.
	err := barrier("job.1", 0, 100*time.Millisecond).Wait(context.Background(), "rng")
	assert.ErrorIs(t, err, ErrBarrierTimeout)

	errs := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		go func(rank int) {
			errs <- barrier("job.1", rank, 5*time.Second).Wait(context.Background(), "rng")
		}(rank)
	}
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestFileBarrierTimeout(t *testing.T) {
	b := &FileBarrier{Dir: t.TempDir(), Rank: 0, WorldSize: 2, Timeout: 50 * time.Millisecond, InitialInterval: time.Millisecond}
	err := b.Wait(context.Background(), "lonely")
	assert.ErrorIs(t, err, ErrBarrierTimeout)
}
