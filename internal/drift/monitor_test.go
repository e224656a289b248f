package drift

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

func testView(t *testing.T, n int, lo, hi float64) *features.TargetView {
	t.Helper()
	schema, err := features.NewSchema([]features.FieldSpec{
		{Name: "ram", Kind: features.Numeric, Required: true},
		{Name: "company", Kind: features.Categorical, Required: true, Levels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	view := &features.TargetView{Target: "price", Schema: schema}
	for i := 0; i < n; i++ {
		company := "alpha"
		if rng.Float64() > 0.5 {
			company = "beta"
		}
		v, err := features.Parse(schema, map[string]interface{}{
			"ram":     lo + rng.Float64()*(hi-lo),
			"company": company,
		})
		require.NoError(t, err)
		view.Vectors = append(view.Vectors, v)
	}
	return view
}

func trainingPreds(n int, rng *rand.Rand) [][]float64 {
	preds := make([][]float64, n)
	for i := range preds {
		preds[i] = []float64{500 + rng.Float64()*100}
	}
	return preds
}

func TestEvaluate_StableInputsStayOK(t *testing.T) {
	view := testView(t, 200, 0, 100)
	rng := rand.New(rand.NewSource(2))
	base, err := NewBaseline(view, trainingPreds(200, rng), 10)
	require.NoError(t, err)

	// Sampling noise keeps finite-window scores above zero; the tiers
	// here leave room for it without hiding a real shift.
	m := NewMonitor(Config{MinSamples: 30, KSWarn: 0.2, KSCritical: 0.3}, "price")
	m.SetBaseline(base, nil)

	live := testView(t, 300, 0, 100)
	for _, v := range live.Vectors {
		m.Observe(v, []float64{500 + rng.Float64()*100})
	}

	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.Equal(t, StatusOK, rep.Overall)
	require.False(t, rep.Blocked)
	require.True(t, m.Accepting())
}

func TestEvaluate_RangeShiftIsCriticalAndBlocks(t *testing.T) {
	// Training saw ram in [0,100]; serving sees [200,300]. Every live
	// value lands past the last baseline quantile, which must score
	// critical on both statistics and close the gate.
	schema, err := features.NewSchema([]features.FieldSpec{
		{Name: "ram", Kind: features.Numeric, Required: true},
	})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	mk := func(n int, lo, hi float64) []*features.Vector {
		out := make([]*features.Vector, n)
		for i := range out {
			v, err := features.Parse(schema, map[string]interface{}{"ram": lo + rng.Float64()*(hi-lo)})
			require.NoError(t, err)
			out[i] = v
		}
		return out
	}

	base, err := NewBaseline(&features.TargetView{Target: "price", Schema: schema, Vectors: mk(200, 0, 100)}, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30}, "price")
	m.SetBaseline(base, nil)
	for _, v := range mk(100, 200, 300) {
		m.Observe(v, nil)
	}

	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.Equal(t, StatusCritical, rep.Overall)

	var ram FeatureReport
	for _, fr := range rep.Features {
		if fr.Name == "ram" {
			ram = fr
		}
	}
	require.Equal(t, StatusCritical, ram.Status)
	require.Greater(t, ram.PSI, 0.25)
	require.InDelta(t, 1.0, ram.KS, 0.05)

	require.True(t, rep.Blocked)
	require.False(t, m.Accepting())
}

func TestEvaluate_MinorityCriticalDoesNotBlock(t *testing.T) {
	schema, err := features.NewSchema([]features.FieldSpec{
		{Name: "ram", Kind: features.Numeric, Required: true},
		{Name: "battery", Kind: features.Numeric, Required: true},
		{Name: "screen", Kind: features.Numeric, Required: true},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	mk := func(n int, ramLo, ramHi float64) []*features.Vector {
		out := make([]*features.Vector, n)
		for i := range out {
			v, err := features.Parse(schema, map[string]interface{}{
				"ram":     ramLo + rng.Float64()*(ramHi-ramLo),
				"battery": 3000 + rng.Float64()*1000,
				"screen":  5 + rng.Float64(),
			})
			require.NoError(t, err)
			out[i] = v
		}
		return out
	}

	view := &features.TargetView{Target: "price", Schema: schema, Vectors: mk(200, 0, 100)}
	base, err := NewBaseline(view, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30}, "price")
	m.SetBaseline(base, nil)
	for _, v := range mk(100, 200, 300) { // only ram shifts
		m.Observe(v, nil)
	}

	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.Equal(t, StatusCritical, rep.Overall)
	require.False(t, rep.Blocked, "1 critical of 3 features is not a majority")
	require.True(t, m.Accepting())
}

func TestEvaluate_CriticalPredictionDistributionBlocks(t *testing.T) {
	view := testView(t, 200, 0, 100)
	rng := rand.New(rand.NewSource(4))
	base, err := NewBaseline(view, trainingPreds(200, rng), 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30}, "price")
	m.SetBaseline(base, nil)

	// Inputs stay in range; predictions collapse to a shifted band.
	live := testView(t, 100, 0, 100)
	for _, v := range live.Vectors {
		m.Observe(v, []float64{5000 + rng.Float64()*10})
	}

	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.NotNil(t, rep.Prediction)
	require.Equal(t, StatusCritical, rep.Prediction.Status)
	require.True(t, rep.Blocked)
	require.False(t, m.Accepting())
}

func TestEvaluate_TooFewSamplesIsOK(t *testing.T) {
	view := testView(t, 100, 0, 100)
	base, err := NewBaseline(view, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30}, "price")
	m.SetBaseline(base, nil)
	for _, v := range testView(t, 5, 900, 1000).Vectors {
		m.Observe(v, nil)
	}

	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.Equal(t, StatusOK, rep.Overall)
	require.False(t, rep.Blocked)
}

func TestRebase_NewVersionReopensGate(t *testing.T) {
	view := testView(t, 200, 0, 100)
	base, err := NewBaseline(view, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30, PSIWarn: 0.15, PSICritical: 0.3, KSWarn: 0.25, KSCritical: 0.4}, "price")
	m.SetBaseline(base, nil)
	require.Equal(t, 1, m.Baseline().Version)

	shifted := testView(t, 100, 200, 300)
	for _, v := range shifted.Vectors {
		m.Observe(v, nil)
	}
	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.True(t, rep.Blocked)

	version, err := m.Rebase()
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.True(t, m.Accepting())
	require.Len(t, m.History(), 1)
	require.Equal(t, 1, m.History()[0].Version)

	// The shifted range is the new normal.
	for _, v := range testView(t, 300, 200, 300).Vectors {
		m.Observe(v, nil)
	}
	rep, err = m.Evaluate()
	require.NoError(t, err)
	require.Equal(t, StatusOK, rep.Overall)
}

func TestRebase_RequiresWindow(t *testing.T) {
	view := testView(t, 100, 0, 100)
	base, err := NewBaseline(view, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{MinSamples: 30}, "price")
	m.SetBaseline(base, nil)
	_, err = m.Rebase()
	require.Error(t, err)
}

func TestBrandPredictionDistribution(t *testing.T) {
	view := testView(t, 200, 0, 100)
	classes := []string{"alpha", "beta", features.UnseenLevel}
	preds := make([][]float64, 200)
	for i := range preds {
		if i%2 == 0 {
			preds[i] = []float64{0.9, 0.1, 0}
		} else {
			preds[i] = []float64{0.1, 0.9, 0}
		}
	}
	base, err := NewBaseline(&features.TargetView{
		Target:  features.TargetBrand,
		Schema:  view.Schema,
		Vectors: view.Vectors,
		Classes: classes,
	}, preds, 10)
	require.NoError(t, err)
	require.InDelta(t, 0.5, base.PredClasses["alpha"], 1e-9)

	m := NewMonitor(Config{MinSamples: 30}, features.TargetBrand)
	m.SetBaseline(base, classes)

	// Serving collapses to one class.
	for _, v := range testView(t, 100, 0, 100).Vectors {
		m.Observe(v, []float64{0.05, 0.95, 0})
	}
	rep, err := m.Evaluate()
	require.NoError(t, err)
	require.NotNil(t, rep.Prediction)
	require.Equal(t, StatusCritical, rep.Prediction.Status)
	require.True(t, rep.Blocked)
}

func TestSaveLoadBaseline(t *testing.T) {
	dir := t.TempDir()
	view := testView(t, 100, 0, 100)
	base, err := NewBaseline(view, nil, 10)
	require.NoError(t, err)

	m := NewMonitor(Config{SavePath: dir}, "price")
	m.SetBaseline(base, nil)
	require.NoError(t, m.Save())

	m2 := NewMonitor(Config{SavePath: dir}, "price")
	require.NoError(t, m2.Load())
	require.NotNil(t, m2.Baseline())
	require.Equal(t, base.Rows, m2.Baseline().Rows)
}
