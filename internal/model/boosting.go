package model

import (
	"fmt"
)

// GradientBoost is a gradient-boosted ensemble of shallow regression
// trees fitted to residuals under squared loss. The boosting member of
// the base-learner roster; also the distillation student architecture.
type GradientBoost struct {
	Init         float64           `json:"init"`
	Fitted       bool              `json:"fitted"`
	Trees        []*RegressionTree `json:"trees"`
	LearningRate float64           `json:"learning_rate"`
	NumRounds    int               `json:"num_rounds"`
	MaxDepth     int               `json:"max_depth"`
	MinLeaf      int               `json:"min_leaf"`
}

// NewGradientBoost returns an unfitted booster.
func NewGradientBoost(rounds int, learningRate float64) *GradientBoost {
	if rounds <= 0 {
		rounds = 100
	}
	if learningRate <= 0 {
		learningRate = 0.1
	}
	return &GradientBoost{NumRounds: rounds, LearningRate: learningRate, MaxDepth: 3, MinLeaf: 2}
}

// Fit boosts from the mean prediction. Under squared loss the negative
// gradient is the plain residual, so each round fits a shallow tree to
// what the current ensemble still gets wrong.
func (g *GradientBoost) Fit(X [][]float64, y []float64) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("boosting fit: %w", err)
	}

	g.Init = meanAt(y, fullIndex(len(y)))
	g.Fitted = true
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = g.Init
	}

	residual := make([]float64, len(y))
	g.Trees = make([]*RegressionTree, 0, g.NumRounds)
	idx := fullIndex(len(X))

	for round := 0; round < g.NumRounds; round++ {
		for i := range y {
			residual[i] = y[i] - pred[i]
		}
		root := fitTree(X, residual, idx, treeOpts{maxDepth: g.MaxDepth, minLeaf: g.MinLeaf})
		tree := &RegressionTree{Root: root, MaxDepth: g.MaxDepth, MinLeaf: g.MinLeaf}
		g.Trees = append(g.Trees, tree)

		improved := false
		for i := range pred {
			step := g.LearningRate * root.predict(X[i])
			pred[i] += step
			if step != 0 {
				improved = true
			}
		}
		// All-zero round means residuals are flat; further rounds only
		// add dead weight.
		if !improved {
			g.Trees = g.Trees[:len(g.Trees)-1]
			break
		}
	}
	return nil
}

// Predict implements Model.
func (g *GradientBoost) Predict(x []float64) ([]float64, error) {
	if g == nil || !g.Fitted {
		return nil, ErrNotFitted
	}
	sum := g.Init
	for _, t := range g.Trees {
		sum += g.LearningRate * t.Root.predict(x)
	}
	return []float64{sum}, nil
}

// Kind implements Model.
func (g *GradientBoost) Kind() string { return "gradient_boost" }
