package segment

import (
	"math/rand"
	"testing"
)

func trainingBlobs(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, 0, n)
	y := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// Two populations the baseline fits differently: cheap small
		// devices and expensive large ones with a nonlinear premium.
		if i%2 == 0 {
			a := rng.Float64() * 3
			b := rng.Float64() * 2
			X = append(X, []float64{a, b})
			y = append(y, 100+20*a)
		} else {
			a := 6 + rng.Float64()*3
			b := 4 + rng.Float64()*2
			X = append(X, []float64{a, b})
			y = append(y, 500+90*a*b/10)
		}
	}
	return X, y
}

func learned(t *testing.T) *Rules {
	t.Helper()
	X, y := trainingBlobs(200, 1)
	r, err := Learn(Config{Segments: 3, Seed: 42}, "price", X, y)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	return r
}

func TestAssign_Idempotent(t *testing.T) {
	r := learned(t)
	probe := []float64{2, 1}

	a, err := r.Assign(probe)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	for i := 0; i < 10; i++ {
		b, err := r.Assign(probe)
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Fatalf("assignment not idempotent: %d then %d", a, b)
		}
	}
}

func TestLearn_DeterministicForSeed(t *testing.T) {
	X, y := trainingBlobs(150, 2)
	a, err := Learn(Config{Segments: 3, Seed: 7}, "price", X, y)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Learn(Config{Segments: 3, Seed: 7}, "price", X, y)
	if err != nil {
		t.Fatal(err)
	}

	for c := range a.Centroids {
		for j := range a.Centroids[c] {
			if a.Centroids[c][j] != b.Centroids[c][j] {
				t.Fatalf("centroid %d differs between identical runs", c)
			}
		}
	}
}

func TestAssign_TieBreaksToLowerID(t *testing.T) {
	// Hand-built rules with two centroids symmetric about the probe.
	r := &Rules{
		XMean:          []float64{0, 0},
		XStd:           []float64{1, 1},
		ResidualScale:  1,
		ResidualWeight: 1,
		Radius:         100,
		Centroids:      [][]float64{{-1, 0, 0}, {1, 0, 0}},
	}

	seg, err := r.Assign([]float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg != 0 {
		t.Errorf("equidistant record assigned to %d, want lower id 0", seg)
	}
}

func TestAssign_OverflowBeyondRadius(t *testing.T) {
	r := &Rules{
		XMean:          []float64{0, 0},
		XStd:           []float64{1, 1},
		ResidualScale:  1,
		ResidualWeight: 1,
		Radius:         1.0,
		Centroids:      [][]float64{{0, 0, 0}, {5, 5, 0}},
	}

	seg, err := r.Assign([]float64{50, -50})
	if err != nil {
		t.Fatal(err)
	}
	if seg != Overflow {
		t.Errorf("distant record assigned to %d, want Overflow", seg)
	}

	near, err := r.Assign([]float64{0.1, 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if near != 0 {
		t.Errorf("near record assigned to %d, want 0", near)
	}
}

func TestAssignTraining_UsesResidual(t *testing.T) {
	r := learned(t)
	X, y := trainingBlobs(50, 3)

	for i := range X {
		seg, err := r.AssignTraining(X[i], y[i])
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if seg != Overflow && (seg < 0 || seg >= len(r.Centroids)) {
			t.Fatalf("row %d: segment %d out of range", i, seg)
		}
	}
}

func TestLearn_Validation(t *testing.T) {
	X, y := trainingBlobs(10, 4)

	if _, err := Learn(Config{Segments: 1, Seed: 1}, "price", X, y); err == nil {
		t.Error("expected error for < 2 segments")
	}
	if _, err := Learn(Config{Segments: 3, Seed: 1}, "price", nil, nil); err == nil {
		t.Error("expected error for empty training set")
	}
	if _, err := Learn(Config{Segments: 50, Seed: 1}, "price", X, y); err == nil {
		t.Error("expected error when rows < segments")
	}
}

func TestAssign_NotLearned(t *testing.T) {
	var r *Rules
	if _, err := r.Assign([]float64{1, 2}); err == nil {
		t.Error("expected ErrNotLearned")
	}
}
