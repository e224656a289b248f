package trainer

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/segment"
)

// synthDataset builds a device table with strong linear structure so
// the regression gates pass, and brand decided by screen size so the
// classifier gate passes too.
func synthDataset(t *testing.T, n int) *features.Dataset {
	t.Helper()
	schema, err := features.NewSchema([]features.FieldSpec{
		{Name: "ram", Kind: features.Numeric, Required: true},
		{Name: "battery", Kind: features.Numeric, Required: true},
		{Name: "screen", Kind: features.Numeric, Required: true},
		{Name: "company", Kind: features.Categorical, Required: true, Levels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	ds := &features.Dataset{Schema: schema, Fingerprint: "synth-fp"}
	for i := 0; i < n; i++ {
		ram := 2 + rng.Float64()*14
		battery := 2000 + rng.Float64()*4000
		screen := 4 + rng.Float64()*4
		company := "alpha"
		if screen > 6 {
			company = "beta"
		}
		ds.Rows = append(ds.Rows, map[string]interface{}{
			"ram": ram, "battery": battery, "screen": screen, "company": company,
		})
		ds.Price = append(ds.Price, 40*ram+0.05*battery+30*screen+rng.NormFloat64()*5)
	}
	return ds
}

func decodeJSON(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func newTrainer(t *testing.T, cfg Config) (*Trainer, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return New(cfg, reg), reg
}

func testConfig() Config {
	return Config{
		Segments:       segment.Config{Segments: 2, Seed: 1},
		MinSegmentRows: 25,
		Parallelism:    2,
		Seed:           1,
	}
}

func TestTrainTarget_PricePublishesGlobalAndRules(t *testing.T) {
	tr, reg := newTrainer(t, testConfig())
	ds := synthDataset(t, 150)

	rep, err := tr.TrainTarget(context.Background(), ds, features.TargetPrice)
	require.NoError(t, err)

	require.True(t, rep.Global.Published)
	require.Equal(t, uint64(1), rep.Global.Version)
	require.Greater(t, rep.Global.Metric, 0.5)
	require.Equal(t, uint64(1), rep.RulesVersion)
	require.Equal(t, "synth-fp", rep.Fingerprint)

	// The published artifact loads back into a serving combiner.
	art, err := reg.GetCurrent(registry.Key{Target: features.TargetPrice, SegmentID: model.GlobalScope})
	require.NoError(t, err)
	require.Equal(t, "ensemble", art.Kind)
	require.Equal(t, "synth-fp", art.Fingerprint)

	var spec ensemble.Spec
	require.NoError(t, decodeJSON(art.Payload, &spec))
	c, err := ensemble.Load(&spec)
	require.NoError(t, err)

	view, err := ds.ForTarget(features.TargetPrice)
	require.NoError(t, err)
	p, err := c.Predict(view.Vectors[0].Encode())
	require.NoError(t, err)
	require.InDelta(t, view.Y[0], p.Output[0], view.Y[0]*0.5)
}

func TestTrainTarget_SegmentsPublishOrFallBack(t *testing.T) {
	tr, _ := newTrainer(t, testConfig())
	ds := synthDataset(t, 150)

	rep, err := tr.TrainTarget(context.Background(), ds, features.TargetPrice)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Segments)
	for _, sr := range rep.Segments {
		if sr.Published {
			require.Empty(t, sr.Fallback)
			require.NotZero(t, sr.Version)
		} else {
			require.NotEmpty(t, sr.Fallback)
		}
	}
}

func TestTrainTarget_SmallSegmentsFallBackToGlobal(t *testing.T) {
	cfg := testConfig()
	cfg.MinSegmentRows = 10000
	tr, reg := newTrainer(t, cfg)
	ds := synthDataset(t, 120)

	rep, err := tr.TrainTarget(context.Background(), ds, features.TargetRAM)
	require.NoError(t, err)
	require.True(t, rep.Global.Published)
	for _, sr := range rep.Segments {
		require.False(t, sr.Published)
		require.Equal(t, FallbackInsufficientRows, sr.Fallback)

		_, err := reg.GetCurrent(registry.Key{Target: features.TargetRAM, SegmentID: sr.SegmentID})
		require.ErrorIs(t, err, registry.ErrNoCurrent)
	}
}

func TestTrainTarget_Brand(t *testing.T) {
	tr, reg := newTrainer(t, testConfig())
	ds := synthDataset(t, 150)

	rep, err := tr.TrainTarget(context.Background(), ds, features.TargetBrand)
	require.NoError(t, err)
	require.True(t, rep.Global.Published)
	require.Greater(t, rep.Global.Metric, 0.8, "screen splits brand cleanly")

	art, err := reg.GetCurrent(registry.Key{Target: features.TargetBrand, SegmentID: model.GlobalScope})
	require.NoError(t, err)
	var spec ensemble.Spec
	require.NoError(t, decodeJSON(art.Payload, &spec))
	require.Equal(t, []string{"alpha", "beta", features.UnseenLevel}, spec.Classes)

	c, err := ensemble.Load(&spec)
	require.NoError(t, err)
	view, err := ds.ForTarget(features.TargetBrand)
	require.NoError(t, err)
	p, err := c.Predict(view.Vectors[0].Encode())
	require.NoError(t, err)
	require.NotEmpty(t, p.Class)
	require.Len(t, p.Output, 3)
}

func TestTrainTarget_LockHeldSkipsScope(t *testing.T) {
	tr, reg := newTrainer(t, testConfig())
	ds := synthDataset(t, 80)

	// Another job owns the global price key; training must not block on
	// it and must surface the rejection.
	key := registry.Key{Target: features.TargetPrice, SegmentID: model.GlobalScope}
	require.NoError(t, reg.Lock(key))

	rep, err := tr.TrainTarget(context.Background(), ds, features.TargetPrice)
	require.Error(t, err)
	require.False(t, rep.Global.Published)
	require.Equal(t, FallbackLockHeld, rep.Global.Fallback)
}

func TestTrainAll_CoversEveryTarget(t *testing.T) {
	cfg := testConfig()
	cfg.MinSegmentRows = 10000 // global-only keeps this fast
	tr, _ := newTrainer(t, cfg)
	ds := synthDataset(t, 80)

	reports, err := tr.TrainAll(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	seen := map[string]bool{}
	for _, rep := range reports {
		require.True(t, rep.Global.Published, rep.Target)
		seen[rep.Target] = true
	}
	require.True(t, seen[features.TargetPrice])
	require.True(t, seen[features.TargetBrand])
}

func TestAuxTasks_CappedWeightReachesModel(t *testing.T) {
	tr, _ := newTrainer(t, Config{AuxWeight: 0.9, Segments: segment.Config{Segments: 2}})
	ds := synthDataset(t, 40)
	aux := tr.auxTasks(ds, features.TargetPrice)
	require.NotEmpty(t, aux)

	idx := make([]int, ds.Len())
	for i := range idx {
		idx[i] = i
	}
	cand := multitaskCandidate(aux, idx, 1, tr.cfg.AuxWeight)
	view, err := ds.ForTarget(features.TargetPrice)
	require.NoError(t, err)
	m, err := cand.Fit(idx, view.Matrix(), view.Y)
	require.NoError(t, err)

	mt := m.(*model.MultiTask)
	for _, spec := range mt.AuxSpecs {
		require.LessOrEqual(t, spec.Weight, model.MaxAuxWeight)
	}
}
