package model

import (
	"fmt"
	"math"
	"math/rand"
)

// RandomForest is a bagged ensemble of CART regression trees with
// per-split feature subsampling. The tree-ensemble member of the
// base-learner roster.
type RandomForest struct {
	Trees    []*RegressionTree `json:"trees"`
	NumTrees int               `json:"num_trees"`
	MaxDepth int               `json:"max_depth"`
	MinLeaf  int               `json:"min_leaf"`
	Seed     int64             `json:"seed"`
}

// NewRandomForest returns an unfitted forest with sane defaults.
func NewRandomForest(numTrees int, seed int64) *RandomForest {
	if numTrees <= 0 {
		numTrees = 50
	}
	return &RandomForest{NumTrees: numTrees, MaxDepth: 8, MinLeaf: 2, Seed: seed}
}

// Fit bags NumTrees bootstrap samples. Feature subsampling uses the
// sqrt(d) heuristic.
func (f *RandomForest) Fit(X [][]float64, y []float64) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("forest fit: %w", err)
	}
	d := len(X[0])
	mtry := int(math.Sqrt(float64(d)))
	if mtry < 1 {
		mtry = 1
	}

	rng := rand.New(rand.NewSource(f.Seed))
	f.Trees = make([]*RegressionTree, f.NumTrees)
	for t := 0; t < f.NumTrees; t++ {
		idx := make([]int, len(X))
		for i := range idx {
			idx[i] = rng.Intn(len(X))
		}
		root := fitTree(X, y, idx, treeOpts{
			maxDepth: f.MaxDepth,
			minLeaf:  f.MinLeaf,
			mtry:     mtry,
			rng:      rng,
		})
		f.Trees[t] = &RegressionTree{Root: root, MaxDepth: f.MaxDepth, MinLeaf: f.MinLeaf}
	}
	return nil
}

// Predict averages the member trees.
func (f *RandomForest) Predict(x []float64) ([]float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	sum := 0.0
	for _, t := range f.Trees {
		p, err := t.Predict(x)
		if err != nil {
			return nil, err
		}
		sum += p[0]
	}
	return []float64{sum / float64(len(f.Trees))}, nil
}

// Kind implements Model.
func (f *RandomForest) Kind() string { return "random_forest" }
