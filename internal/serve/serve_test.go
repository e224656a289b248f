package serve

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/explain"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/metrics"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/segment"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/storage"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/trainer"
)

type fixture struct {
	srv     *Server
	store   *storage.Store
	reg     *registry.Registry
	mon     *drift.Monitor
	schema  *features.Schema
	vectors []*features.Vector
	y       []float64
}

// newFixture publishes a minimal price setup: learned segmentation
// rules, a single-member ridge global ensemble and a drift baseline
// over an 80-row synthetic table where price = 100*ram.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(dir)
	require.NoError(t, err)
	store, err := storage.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Close()
		store.Close()
	})

	schema, err := features.NewSchema([]features.FieldSpec{
		{Name: "ram", Kind: features.Numeric, Required: true},
		{Name: "company", Kind: features.Categorical, Required: true, Levels: []string{"alpha", "beta"}},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	const n = 80
	vectors := make([]*features.Vector, n)
	X := make([][]float64, n)
	y := make([]float64, n)
	preds := make([][]float64, n)
	for i := 0; i < n; i++ {
		ram := 4 + rng.Float64()*8
		company := "alpha"
		if i%2 == 1 {
			company = "beta"
		}
		v, err := features.Parse(schema, map[string]interface{}{"ram": ram, "company": company})
		require.NoError(t, err)
		vectors[i] = v
		X[i] = v.Encode()
		y[i] = 100 * ram
		preds[i] = []float64{y[i]}
	}

	rules, err := segment.Learn(segment.Config{Segments: 2, Seed: 1}, "price", X, y)
	require.NoError(t, err)
	_, err = reg.Publish(registry.Key{Target: trainer.RulesRef("price"), SegmentID: model.GlobalScope}, "segmentation", "fp", "", rules)
	require.NoError(t, err)

	ridge := model.NewRidge(0.001)
	require.NoError(t, ridge.Fit(X, y))
	env, err := model.Encode(ridge)
	require.NoError(t, err)
	spec := &ensemble.Spec{
		Members: []ensemble.Member{{Name: "ridge", Kind: "ridge", Status: ensemble.Active(1)}},
		Mode:    ensemble.ModeStacked,
		OutDim:  1,
		Models:  []model.Envelope{env},
	}
	_, err = reg.Publish(registry.Key{Target: "price", SegmentID: model.GlobalScope}, "ensemble", "fp", "", spec)
	require.NoError(t, err)

	view := &features.TargetView{Target: "price", Schema: schema, Vectors: vectors, Y: y}
	baseline, err := drift.NewBaseline(view, preds, 10)
	require.NoError(t, err)
	mon := drift.NewMonitor(drift.Config{WindowSize: 100, MinSamples: 5}, "price")
	mon.SetBaseline(baseline, nil)

	srv := NewServer(reg, store, metrics.NewWithRegistry(prometheus.NewRegistry()), Options{ShapleySamples: 30})
	require.NoError(t, srv.Install("price", schema, nil, vectors[:20], mon))

	return &fixture{srv: srv, store: store, reg: reg, mon: mon, schema: schema, vectors: vectors, y: y}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPredict_ServesAndLogs(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/predict", PredictRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 8.0, "company": "alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.InDelta(t, 800, resp.Output[0], 80)
	require.Greater(t, resp.Confidence, 0.0)
	// No specialists are published, so the segment routes to global.
	require.Equal(t, "fallback_to_global", resp.Reason)

	recs, err := f.store.GetPredictions("price", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, resp.ID, recs[0].ID)
}

func TestPredict_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/predict", PredictRequest{
		Target:   "weight",
		Features: map[string]interface{}{"ram": 8.0},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPredict_InvalidFeatures(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/predict", PredictRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": "lots", "company": "alpha"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "ram")
}

func TestPredict_BlockedWhileGateClosed(t *testing.T) {
	f := newFixture(t)

	// A prediction window far outside the baseline flips the gate.
	v, err := features.Parse(f.schema, map[string]interface{}{"ram": 8.0, "company": "alpha"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		f.mon.Observe(v, []float64{1e6})
	}
	reports := f.srv.EvaluateDrift()
	require.Len(t, reports, 1)
	require.True(t, reports[0].Blocked)
	require.False(t, f.mon.Accepting())

	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/predict", PredictRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 8.0, "company": "alpha"},
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "blocked")
	require.InDelta(t, 1, testutil.ToFloat64(f.srv.met.BlockedRequests), 1e-9)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
	require.Contains(t, w.Body.String(), `"price"`)
}

func TestModelInfo(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodGet, "/model/info?target=price", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info ModelInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, uint64(1), info.RulesVersion)
	require.Equal(t, uint64(1), info.GlobalVersion)
	require.Len(t, info.Segments, 2)
	for _, seg := range info.Segments {
		require.Equal(t, FallbackNoSpecialist, seg.Fallback)
	}
}

func TestRollback_RestoresPreviousVersion(t *testing.T) {
	f := newFixture(t)

	// Publish a second global version, then roll it back.
	art, err := f.reg.GetCurrent(registry.Key{Target: "price", SegmentID: model.GlobalScope})
	require.NoError(t, err)
	var spec ensemble.Spec
	require.NoError(t, json.Unmarshal(art.Payload, &spec))
	_, err = f.reg.Publish(registry.Key{Target: "price", SegmentID: model.GlobalScope}, "ensemble", "fp2", "", &spec)
	require.NoError(t, err)
	require.NoError(t, f.srv.Reload("price"))

	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/model/rollback", RollbackRequest{Target: "price", SegmentID: model.GlobalScope})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"version":1`)

	info := doJSON(t, f.srv.Handler(), http.MethodGet, "/model/info?target=price", nil)
	var mi ModelInfo
	require.NoError(t, json.Unmarshal(info.Body.Bytes(), &mi))
	require.Equal(t, uint64(1), mi.GlobalVersion)

	// Nothing older than version 1 to roll back to.
	w = doJSON(t, f.srv.Handler(), http.MethodPost, "/model/rollback", RollbackRequest{Target: "price", SegmentID: model.GlobalScope})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestDriftStatusAndRebase(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.srv.Handler(), http.MethodGet, "/drift/status?target=price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st DriftStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.True(t, st.Accepting)
	require.Equal(t, 1, st.BaselineVersion)

	// An empty window cannot become a baseline.
	w = doJSON(t, f.srv.Handler(), http.MethodPost, "/drift/rebase", RebaseRequest{Target: "price"})
	require.Equal(t, http.StatusConflict, w.Code)

	for i := 0; i < 10; i++ {
		f.mon.Observe(f.vectors[i], []float64{f.y[i]})
	}
	w = doJSON(t, f.srv.Handler(), http.MethodPost, "/drift/rebase", RebaseRequest{Target: "price"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"version":2`)
}

func TestExplain_Shapley(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 11.0, "company": "alpha"},
		Method:   "shapley",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ExplainResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ram", resp.Attributions[0].Field)
	require.Greater(t, math.Abs(resp.Attributions[0].Value), 50.0)
}

func TestExplain_ByPredictionID(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/predict", PredictRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 11.0, "company": "alpha"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pred PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pred))

	w = doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:       "price",
		PredictionID: pred.ID,
		Method:       "shapley",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ExplainResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, pred.ID, resp.PredictionID)
	require.Equal(t, "ram", resp.Attributions[0].Field)
	require.InDelta(t, pred.Output[0], resp.Output[0], 1e-6)
}

func TestExplain_UnknownPredictionID(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:       "price",
		PredictionID: "missing",
		Method:       "shapley",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestExplain_PartialDependence(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 8.0, "company": "alpha"},
		Method:   "pdp",
		Field:    "ram",
		Points:   5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ExplainResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Curve.Grid, 5)
	require.Greater(t, resp.Curve.Mean[4], resp.Curve.Mean[0])
}

func TestExplain_CounterfactualBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:        "price",
		Features:      map[string]interface{}{"ram": 8.0, "company": "alpha"},
		Method:        "counterfactual",
		Goal:          &explain.Goal{Min: 1e9, Max: 2e9},
		MaxIterations: 50,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "iteration budget")
}

func TestExplain_UnknownMethod(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.srv.Handler(), http.MethodPost, "/explain", ExplainRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 8.0, "company": "alpha"},
		Method:   "voodoo",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDriftFeed_StreamsReports(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/drift/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the hub to register the subscriber.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.srv.met.FeedClients) == 1
	}, time.Second, 10*time.Millisecond)

	f.srv.EvaluateDrift()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var rep drift.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, "price", rep.Target)
}
