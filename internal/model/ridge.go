package model

import (
	"fmt"
)

// Ridge is an L2-regularized linear regressor solved in closed form via
// the normal equations. It doubles as the segmentation baseline: cheap,
// stable, and its residuals expose the structure the segmenter clusters.
type Ridge struct {
	Weights []float64 `json:"weights"` // trailing element is the intercept
	Lambda  float64   `json:"lambda"`
	fitted  bool
}

// NewRidge creates an unfitted ridge regressor. A lambda of zero is
// bumped to a small positive value to keep the system well-conditioned
// with one-hot columns present.
func NewRidge(lambda float64) *Ridge {
	if lambda <= 0 {
		lambda = 1e-3
	}
	return &Ridge{Lambda: lambda}
}

// Fit solves (X'X + lambda*I) w = X'y with an appended bias column.
// The intercept is not penalized.
func (r *Ridge) Fit(X [][]float64, y []float64) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("ridge fit: %w", err)
	}
	d := len(X[0]) + 1 // bias

	// Accumulate the normal equations directly; d is small for this
	// feature space so d^2 storage is fine.
	A := make([][]float64, d)
	for i := range A {
		A[i] = make([]float64, d)
	}
	b := make([]float64, d)

	row := make([]float64, d)
	for n := range X {
		copy(row, X[n])
		row[d-1] = 1
		for i := 0; i < d; i++ {
			b[i] += row[i] * y[n]
			for j := 0; j < d; j++ {
				A[i][j] += row[i] * row[j]
			}
		}
	}
	for i := 0; i < d-1; i++ {
		A[i][i] += r.Lambda
	}

	w, err := solveLinear(A, b)
	if err != nil {
		return fmt.Errorf("ridge fit: %w", err)
	}
	r.Weights = w
	r.fitted = true
	return nil
}

// Predict returns the single-element regression output.
func (r *Ridge) Predict(x []float64) ([]float64, error) {
	if r == nil || !r.IsFitted() {
		return nil, ErrNotFitted
	}
	if len(x) != len(r.Weights)-1 {
		return nil, fmt.Errorf("ridge predict: got %d features, want %d", len(x), len(r.Weights)-1)
	}
	sum := r.Weights[len(r.Weights)-1]
	for i, xi := range x {
		sum += r.Weights[i] * xi
	}
	return []float64{sum}, nil
}

// Kind implements Model.
func (r *Ridge) Kind() string { return "ridge" }

// IsFitted reports whether weights are available, including after a
// registry round-trip where the unexported flag is lost.
func (r *Ridge) IsFitted() bool { return r.fitted || len(r.Weights) > 0 }

// solveLinear solves Aw = b by Gaussian elimination with partial
// pivoting. A and b are clobbered.
func solveLinear(A [][]float64, b []float64) ([]float64, error) {
	n := len(A)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if abs(A[r][col]) > abs(A[pivot][col]) {
				pivot = r
			}
		}
		if abs(A[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		A[col], A[pivot] = A[pivot], A[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := A[r][col] / A[col][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				A[r][c] -= f * A[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	w := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= A[r][c] * w[c]
		}
		w[r] = sum / A[r][r]
	}
	return w, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
