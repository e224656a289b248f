package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/serve"
)

func stub(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range routes {
		h := h
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			h(w, r)
		})
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return New(ts.URL, 2*time.Second)
}

func TestPredict_DecodesResponse(t *testing.T) {
	c := stub(t, map[string]http.HandlerFunc{
		"/predict": func(w http.ResponseWriter, r *http.Request) {
			var req serve.PredictRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "price", req.Target)
			json.NewEncoder(w).Encode(serve.PredictResponse{
				ID:         "abc",
				Target:     "price",
				Output:     []float64{712.5},
				Confidence: 0.9,
			})
		},
	})

	resp, err := c.Predict(serve.PredictRequest{
		Target:   "price",
		Features: map[string]interface{}{"ram": 8.0},
	})
	require.NoError(t, err)
	require.Equal(t, "abc", resp.ID)
	require.InDelta(t, 712.5, resp.Output[0], 1e-9)
}

func TestPredict_SurfacesServerError(t *testing.T) {
	c := stub(t, map[string]http.HandlerFunc{
		"/predict": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "target price blocked"})
		},
	})

	_, err := c.Predict(serve.PredictRequest{Target: "price"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
	require.Contains(t, err.Error(), "blocked")
}

func TestRollbackAndRebase(t *testing.T) {
	c := stub(t, map[string]http.HandlerFunc{
		"/model/rollback": func(w http.ResponseWriter, r *http.Request) {
			var req serve.RollbackRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, -1, req.SegmentID)
			json.NewEncoder(w).Encode(map[string]uint64{"version": 3})
		},
		"/drift/rebase": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]int{"version": 2})
		},
	})

	version, err := c.Rollback("price", -1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), version)

	bv, err := c.Rebase("price")
	require.NoError(t, err)
	require.Equal(t, 2, bv)
}

func TestDriftStatusAndModelInfo(t *testing.T) {
	c := stub(t, map[string]http.HandlerFunc{
		"/drift/status": func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "brand", r.URL.Query().Get("target"))
			json.NewEncoder(w).Encode(serve.DriftStatusResponse{Target: "brand", Accepting: true, BaselineVersion: 4})
		},
		"/model/info": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(serve.ModelInfo{Target: "brand", GlobalVersion: 7})
		},
	})

	st, err := c.DriftStatus("brand")
	require.NoError(t, err)
	require.True(t, st.Accepting)
	require.Equal(t, 4, st.BaselineVersion)

	info, err := c.ModelInfo("brand")
	require.NoError(t, err)
	require.Equal(t, uint64(7), info.GlobalVersion)
}

func TestHealth(t *testing.T) {
	c := stub(t, map[string]http.HandlerFunc{
		"/health": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		},
	})
	ok, err := c.Health()
	require.NoError(t, err)
	require.True(t, ok)
}
