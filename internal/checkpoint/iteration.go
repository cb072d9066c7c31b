// Package checkpoint reconstructs the resume point of a training run from a
// checkpoint directory laid out as <root>/<iteration>/...
package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

// LatestIteration returns the highest iteration that has a checkpoint
// directory under root. A missing, empty or unreadable root yields 0; only
// directory names are inspected, never their contents.
func LatestIteration(root string) int {
	if root == "" {
		return 0
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		logrus.Debugf("checkpoint: no iterations under %q: %v", root, err)
		return 0
	}
	latest := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil || n < 0 {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest
}

// ConsumedTrainSamples is the number of training samples already drawn after
// iteration optimizer steps.
func ConsumedTrainSamples(globalBatchSize, iteration int) int64 {
	return int64(globalBatchSize) * int64(iteration)
}

// ConsumedValidSamples is the number of validation samples already drawn.
// Evaluation runs every evalInterval iterations for evalIters batches; the
// division truncates. A non-positive evalInterval means no evaluation ran.
func ConsumedValidSamples(globalBatchSize, iteration, evalInterval, evalIters int) int64 {
	if evalInterval <= 0 {
		return 0
	}
	return int64(globalBatchSize) * int64(iteration/evalInterval) * int64(evalIters)
}

// IterationDir is the checkpoint directory of one iteration.
func IterationDir(root string, iteration int) string {
	return filepath.Join(root, strconv.Itoa(iteration))
}
