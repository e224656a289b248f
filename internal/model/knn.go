package model

import (
	"fmt"
	"math"
	"sort"
)

// KNN is a k-nearest-neighbours regressor over standardized features,
// the non-tree member of the base-learner roster. It memorizes the
// training set; fine at this dataset scale.
type KNN struct {
	K     int         `json:"k"`
	X     [][]float64 `json:"x"`
	Y     []float64   `json:"y"`
	Mean  []float64   `json:"mean"`
	Scale []float64   `json:"scale"`
}

// NewKNN returns an unfitted regressor; k defaults to 5.
func NewKNN(k int) *KNN {
	if k <= 0 {
		k = 5
	}
	return &KNN{K: k}
}

// Fit standardizes each column and stores the training set.
func (k *KNN) Fit(X [][]float64, y []float64) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("knn fit: %w", err)
	}
	d := len(X[0])
	k.Mean = make([]float64, d)
	k.Scale = make([]float64, d)
	n := float64(len(X))

	for j := 0; j < d; j++ {
		for i := range X {
			k.Mean[j] += X[i][j]
		}
		k.Mean[j] /= n
		for i := range X {
			diff := X[i][j] - k.Mean[j]
			k.Scale[j] += diff * diff
		}
		k.Scale[j] = math.Sqrt(k.Scale[j] / n)
		if k.Scale[j] == 0 {
			k.Scale[j] = 1 // constant column, leave centered
		}
	}

	k.X = make([][]float64, len(X))
	for i := range X {
		k.X[i] = k.standardize(X[i])
	}
	k.Y = append([]float64{}, y...)
	return nil
}

func (k *KNN) standardize(x []float64) []float64 {
	z := make([]float64, len(x))
	for j := range x {
		z[j] = (x[j] - k.Mean[j]) / k.Scale[j]
	}
	return z
}

// Predict averages the k nearest stored targets. Ties on distance break
// toward the lower training index for determinism.
func (k *KNN) Predict(x []float64) ([]float64, error) {
	if k == nil || len(k.X) == 0 {
		return nil, ErrNotFitted
	}
	if len(x) != len(k.Mean) {
		return nil, fmt.Errorf("knn predict: got %d features, want %d", len(x), len(k.Mean))
	}

	z := k.standardize(x)
	type neighbour struct {
		dist float64
		idx  int
	}
	ns := make([]neighbour, len(k.X))
	for i, row := range k.X {
		var d2 float64
		for j := range row {
			diff := row[j] - z[j]
			d2 += diff * diff
		}
		ns[i] = neighbour{dist: d2, idx: i}
	}
	sort.Slice(ns, func(a, b int) bool {
		if ns[a].dist != ns[b].dist {
			return ns[a].dist < ns[b].dist
		}
		return ns[a].idx < ns[b].idx
	})

	kk := k.K
	if kk > len(ns) {
		kk = len(ns)
	}
	sum := 0.0
	for i := 0; i < kk; i++ {
		sum += k.Y[ns[i].idx]
	}
	return []float64{sum / float64(kk)}, nil
}

// Kind implements Model.
func (k *KNN) Kind() string { return "knn" }
