package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Softmax is a multinomial logistic classifier trained with mini-batch
// SGD. It serves the brand target, both as a global classifier and as
// the distillation student for the brand ensemble.
type Softmax struct {
	W       [][]float64 `json:"w"` // classes x (features+1), bias last
	Classes int         `json:"classes"`
	LR      float64     `json:"lr"`
	Epochs  int         `json:"epochs"`
	L2      float64     `json:"l2"`
	Seed    int64       `json:"seed"`
}

// NewSoftmax returns an unfitted classifier over the given class count.
func NewSoftmax(classes int, seed int64) *Softmax {
	return &Softmax{Classes: classes, LR: 0.05, Epochs: 200, L2: 1e-4, Seed: seed}
}

// Fit trains against integer class labels.
func (s *Softmax) Fit(X [][]float64, labels []int) error {
	if err := validateMatrix(X, nil); err != nil {
		return fmt.Errorf("softmax fit: %w", err)
	}
	if len(X) != len(labels) {
		return fmt.Errorf("softmax fit: X/labels length mismatch: %d vs %d", len(X), len(labels))
	}
	for i, l := range labels {
		if l < 0 || l >= s.Classes {
			return fmt.Errorf("softmax fit: row %d: label %d out of range [0,%d)", i, l, s.Classes)
		}
	}

	// Soft targets: one-hot rows for hard labels.
	T := make([][]float64, len(labels))
	for i, l := range labels {
		T[i] = make([]float64, s.Classes)
		T[i][l] = 1
	}
	return s.FitSoft(X, T)
}

// FitSoft trains against full target distributions; distillation feeds
// temperature-softened teacher outputs through here.
func (s *Softmax) FitSoft(X [][]float64, targets [][]float64) error {
	if err := validateMatrix(X, nil); err != nil {
		return fmt.Errorf("softmax fit: %w", err)
	}
	d := len(X[0]) + 1

	rng := rand.New(rand.NewSource(s.Seed))
	s.W = make([][]float64, s.Classes)
	for c := range s.W {
		s.W[c] = make([]float64, d)
		for j := range s.W[c] {
			s.W[c][j] = (rng.Float64() - 0.5) * 0.01
		}
	}

	order := fullIndex(len(X))
	for epoch := 0; epoch < s.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			p := s.probs(X[i])
			for c := 0; c < s.Classes; c++ {
				// Cross-entropy gradient: (p - t) * x, plus L2 on weights.
				g := p[c] - targets[i][c]
				for j := 0; j < d-1; j++ {
					s.W[c][j] -= s.LR * (g*X[i][j] + s.L2*s.W[c][j])
				}
				s.W[c][d-1] -= s.LR * g
			}
		}
	}
	return nil
}

func (s *Softmax) probs(x []float64) []float64 {
	logits := make([]float64, s.Classes)
	maxLogit := math.Inf(-1)
	for c := range s.W {
		z := s.W[c][len(s.W[c])-1]
		for j, xj := range x {
			z += s.W[c][j] * xj
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	sum := 0.0
	for c := range logits {
		logits[c] = math.Exp(logits[c] - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		logits[c] /= sum
	}
	return logits
}

// Predict returns the class-probability distribution.
func (s *Softmax) Predict(x []float64) ([]float64, error) {
	if s == nil || len(s.W) == 0 {
		return nil, ErrNotFitted
	}
	if len(x) != len(s.W[0])-1 {
		return nil, fmt.Errorf("softmax predict: got %d features, want %d", len(x), len(s.W[0])-1)
	}
	return s.probs(x), nil
}

// Kind implements Model.
func (s *Softmax) Kind() string { return "softmax" }
