package model

import (
	"math"
	"math/rand"
	"testing"
)

// synthetic regression data with a known linear plus nonlinear part
func syntheticData(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := rng.Float64() * 10
		b := rng.Float64() * 4
		c := rng.Float64()
		X[i] = []float64{a, b, c}
		y[i] = 3*a - 2*b + 5
	}
	return X, y
}

func TestRidge_RecoversLinearFunction(t *testing.T) {
	X, y := syntheticData(200, 1)
	r := NewRidge(1e-6)
	if err := r.Fit(X, y); err != nil {
		t.Fatalf("fit: %v", err)
	}

	p, err := r.Predict([]float64{2, 1, 0.5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	want := 3.0*2 - 2.0*1 + 5
	if math.Abs(p[0]-want) > 0.05 {
		t.Errorf("prediction = %v, want ~%v", p[0], want)
	}
}

func TestRidge_NotFitted(t *testing.T) {
	r := NewRidge(1)
	if _, err := r.Predict([]float64{1, 2, 3}); err == nil {
		t.Error("expected ErrNotFitted")
	}
}

func TestRidge_DimensionMismatch(t *testing.T) {
	X, y := syntheticData(50, 2)
	r := NewRidge(1)
	if err := r.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Predict([]float64{1}); err == nil {
		t.Error("expected dimension error")
	}
}

func nonlinearData(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := rng.Float64() * 10
		b := rng.Float64() * 10
		X[i] = []float64{a, b}
		y[i] = a*b + math.Sin(a)*3
	}
	return X, y
}

func meanBaselineSSE(y []float64) float64 {
	m := 0.0
	for _, v := range y {
		m += v
	}
	m /= float64(len(y))
	sse := 0.0
	for _, v := range y {
		sse += (v - m) * (v - m)
	}
	return sse
}

func fitSSE(t *testing.T, m interface {
	Predict(x []float64) ([]float64, error)
}, X [][]float64, y []float64,
) float64 {
	t.Helper()
	sse := 0.0
	for i := range X {
		p, err := m.Predict(X[i])
		if err != nil {
			t.Fatalf("predict row %d: %v", i, err)
		}
		sse += (p[0] - y[i]) * (p[0] - y[i])
	}
	return sse
}

func TestRandomForest_BeatsMeanBaseline(t *testing.T) {
	X, y := nonlinearData(300, 3)
	f := NewRandomForest(30, 42)
	if err := f.Fit(X, y); err != nil {
		t.Fatalf("fit: %v", err)
	}

	if sse := fitSSE(t, f, X, y); sse > 0.3*meanBaselineSSE(y) {
		t.Errorf("forest training SSE %v too high vs baseline %v", sse, meanBaselineSSE(y))
	}
}

func TestRandomForest_DeterministicForSeed(t *testing.T) {
	X, y := nonlinearData(100, 4)
	a := NewRandomForest(10, 7)
	b := NewRandomForest(10, 7)
	if err := a.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	probe := []float64{5, 5}
	pa, _ := a.Predict(probe)
	pb, _ := b.Predict(probe)
	if pa[0] != pb[0] {
		t.Errorf("same seed diverged: %v vs %v", pa[0], pb[0])
	}
}

func TestGradientBoost_BeatsMeanBaseline(t *testing.T) {
	X, y := nonlinearData(300, 5)
	g := NewGradientBoost(80, 0.1)
	if err := g.Fit(X, y); err != nil {
		t.Fatalf("fit: %v", err)
	}

	if sse := fitSSE(t, g, X, y); sse > 0.2*meanBaselineSSE(y) {
		t.Errorf("boosting training SSE %v too high vs baseline %v", sse, meanBaselineSSE(y))
	}
}

func TestKNN_ExactNeighbour(t *testing.T) {
	X := [][]float64{{0, 0}, {10, 10}, {20, 20}}
	y := []float64{1, 2, 3}
	k := NewKNN(1)
	if err := k.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	p, err := k.Predict([]float64{10.1, 9.9})
	if err != nil {
		t.Fatal(err)
	}
	if p[0] != 2 {
		t.Errorf("nearest neighbour prediction = %v, want 2", p[0])
	}
}

func TestKNN_AveragesK(t *testing.T) {
	X := [][]float64{{0, 0}, {1, 0}, {100, 100}}
	y := []float64{2, 4, 1000}
	k := NewKNN(2)
	if err := k.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	p, _ := k.Predict([]float64{0.5, 0})
	if p[0] != 3 {
		t.Errorf("2-NN average = %v, want 3", p[0])
	}
}

func TestSoftmax_LearnsSeparableClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	var X [][]float64
	var labels []int
	for i := 0; i < 200; i++ {
		cls := i % 2
		offset := float64(cls) * 5
		X = append(X, []float64{offset + rng.Float64(), offset + rng.Float64()})
		labels = append(labels, cls)
	}

	s := NewSoftmax(2, 9)
	if err := s.Fit(X, labels); err != nil {
		t.Fatalf("fit: %v", err)
	}

	var preds [][]float64
	for _, x := range X {
		p, err := s.Predict(x)
		if err != nil {
			t.Fatal(err)
		}
		preds = append(preds, p)
	}
	if acc := Accuracy(preds, labels); acc < 0.95 {
		t.Errorf("accuracy = %v, want >= 0.95 on separable data", acc)
	}
}

func TestSoftmax_ProbabilitiesSumToOne(t *testing.T) {
	s := NewSoftmax(3, 1)
	if err := s.Fit([][]float64{{1, 0}, {0, 1}, {1, 1}}, []int{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	p, err := s.Predict([]float64{0.5, 0.5})
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("probabilities sum to %v", sum)
	}
}

func TestMultiTask_PrimaryFitWithAuxTasks(t *testing.T) {
	X, y := syntheticData(200, 8)
	tiers := make([]int, len(y))
	for i, v := range y {
		switch {
		case v < 10:
			tiers[i] = 0
		case v < 25:
			tiers[i] = 1
		default:
			tiers[i] = 2
		}
	}

	m := NewMultiTask(12, 11)
	aux := []AuxTask{{Name: "brand_tier", Weight: 0.2, Classes: 3, Labels: tiers}}
	if err := m.Fit(X, y, aux); err != nil {
		t.Fatalf("fit: %v", err)
	}

	var preds []float64
	for _, x := range X {
		p, err := m.Predict(x)
		if err != nil {
			t.Fatal(err)
		}
		preds = append(preds, p[0])
	}
	if r2 := RSquared(preds, y); r2 < 0.9 {
		t.Errorf("primary R2 = %v, want >= 0.9 on linear data", r2)
	}

	dist, err := m.PredictAux(X[0], "brand_tier")
	if err != nil {
		t.Fatalf("aux predict: %v", err)
	}
	if len(dist) != 3 {
		t.Fatalf("aux distribution has %d classes, want 3", len(dist))
	}
}

func TestMultiTask_AuxWeightCapped(t *testing.T) {
	X, y := syntheticData(50, 12)
	vals := make([]float64, len(y))
	copy(vals, y)

	m := NewMultiTask(8, 13)
	// Declared weight far above the cap must be clamped, not honored.
	aux := []AuxTask{{Name: "market_segment", Weight: 50, Classes: 0, Values: vals}}
	if err := m.Fit(X, y, aux); err != nil {
		t.Fatal(err)
	}
	if got := m.AuxSpecs[0].Weight; got != MaxAuxWeight {
		t.Errorf("stored aux weight = %v, want cap %v", got, MaxAuxWeight)
	}
}

func TestRSquared(t *testing.T) {
	if r := RSquared([]float64{1, 2, 3}, []float64{1, 2, 3}); r != 1 {
		t.Errorf("perfect fit R2 = %v", r)
	}
	if r := RSquared([]float64{2, 2, 2}, []float64{1, 2, 3}); r != 0 {
		t.Errorf("mean prediction R2 = %v, want 0", r)
	}
}

func TestArgmax_TieBreaksLow(t *testing.T) {
	if got := Argmax([]float64{0.4, 0.4, 0.2}); got != 0 {
		t.Errorf("Argmax tie = %d, want 0", got)
	}
}
