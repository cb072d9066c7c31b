package checkpoint

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// pcgStream separates the second PCG word from the seed so that seed 0 still
// gives a usable generator.
const pcgStream = 0x9e3779b97f4a7c15

// RNGState is the random number generator of one rank. It is threaded
// explicitly into samplers and dataloaders; nothing global is mutated when a
// run is restored.
type RNGState struct {
	src *rand.PCG
	rng *rand.Rand
}

// NewRNGState seeds a fresh generator.
func NewRNGState(seed uint64) *RNGState {
	src := rand.NewPCG(seed, seed^pcgStream)
	return &RNGState{src: src, rng: rand.New(src)}
}

// Rand returns the generator. Draws advance the state that MarshalBinary
// captures.
func (s *RNGState) Rand() *rand.Rand {
	return s.rng
}

// MarshalBinary returns the opaque generator snapshot.
func (s *RNGState) MarshalBinary() ([]byte, error) {
	return s.src.MarshalBinary()
}

// UnmarshalBinary restores a snapshot produced by MarshalBinary.
func (s *RNGState) UnmarshalBinary(data []byte) error {
	if s.src == nil {
		s.src = &rand.PCG{}
		s.rng = rand.New(s.src)
	}
	if err := s.src.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("checkpoint: decode rng state: %w", err)
	}
	return nil
}

// MarshalText encodes the snapshot as base64 so it can travel in JSON.
func (s *RNGState) MarshalText() ([]byte, error) {
	data, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

// UnmarshalText restores a snapshot produced by MarshalText.
func (s *RNGState) UnmarshalText(text []byte) error {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(data, text)
	if err != nil {
		return fmt.Errorf("checkpoint: decode rng state: %w", err)
	}
	return s.UnmarshalBinary(data[:n])
}

// RNGPath is where the generator of rank is stored for iteration.
func RNGPath(root string, iteration, rank int) string {
	return filepath.Join(IterationDir(root, iteration), fmt.Sprintf("rng_state_rank%d.bin", rank))
}

// LoadRNGState reads the generator snapshot of rank at iteration.
func LoadRNGState(root string, iteration, rank int) (*RNGState, error) {
	path := RNGPath(root, iteration, rank)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read rng state: %w", err)
	}
	state := &RNGState{}
	if err := state.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return state, nil
}

// SaveRNGState writes the generator snapshot of rank at iteration, creating
// the iteration directory if needed. The file is replaced atomically.
func SaveRNGState(root string, iteration, rank int, state *RNGState) error {
	data, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("checkpoint: encode rng state: %w", err)
	}
	path := RNGPath(root, iteration, rank)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create iteration dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", path, err)
	}
	return nil
}
