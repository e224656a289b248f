package ensemble

import (
	"fmt"
	"math/rand"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// FoldManager produces the held-out prediction caches the meta-learner
// trains on. Every row is predicted exactly once, by a model that never
// saw it, which is what keeps the stacking layer leak-free.
type FoldManager struct {
	K    int
	Seed int64
}

// NewFoldManager returns a manager with k folds; k defaults to 5.
func NewFoldManager(k int, seed int64) *FoldManager {
	if k < 2 {
		k = 5
	}
	return &FoldManager{K: k, Seed: seed}
}

// Split shuffles row indices with the manager's seed and deals them
// into K folds.
func (f *FoldManager) Split(n int) [][]int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(f.Seed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	folds := make([][]int, f.K)
	for i, row := range idx {
		folds[i%f.K] = append(folds[i%f.K], row)
	}
	return folds
}

// FitFunc trains a fresh candidate on a row subset. rows carries the
// original dataset indices of the subset so candidates with auxiliary
// per-row data can slice it consistently.
type FitFunc func(rows []int, X [][]float64, y []float64) (model.Model, error)

// OutOfFold builds the held-out prediction cache for one candidate:
// out[i] is the model output for row i, produced by the fold model that
// excluded row i from training. outDim is 1 for regression, class
// count for classifiers.
func (f *FoldManager) OutOfFold(X [][]float64, y []float64, outDim int, fit FitFunc) ([][]float64, error) {
	if len(X) < f.K {
		return nil, fmt.Errorf("out-of-fold: %d rows cannot fill %d folds", len(X), f.K)
	}

	out := make([][]float64, len(X))
	folds := f.Split(len(X))
	for fi, holdout := range folds {
		trainIdx := make([]int, 0, len(X)-len(holdout))
		trainX := make([][]float64, 0, len(X)-len(holdout))
		trainY := make([]float64, 0, len(X)-len(holdout))
		inHoldout := make(map[int]bool, len(holdout))
		for _, i := range holdout {
			inHoldout[i] = true
		}
		for i := range X {
			if !inHoldout[i] {
				trainIdx = append(trainIdx, i)
				trainX = append(trainX, X[i])
				trainY = append(trainY, y[i])
			}
		}

		m, err := fit(trainIdx, trainX, trainY)
		if err != nil {
			return nil, fmt.Errorf("out-of-fold: fold %d: %w", fi, err)
		}
		for _, i := range holdout {
			p, err := m.Predict(X[i])
			if err != nil {
				return nil, fmt.Errorf("out-of-fold: fold %d row %d: %w", fi, i, err)
			}
			if len(p) != outDim {
				return nil, fmt.Errorf("out-of-fold: fold %d row %d: output dim %d, want %d", fi, i, len(p), outDim)
			}
			out[i] = p
		}
	}
	return out, nil
}
