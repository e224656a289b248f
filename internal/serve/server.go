// Package serve is the HTTP surface of the estimation platform:
// prediction serving with segment routing and drift gating, model
// explanations, drift operations with a live report feed, registry
// rollback and Prometheus metrics.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/metrics"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/storage"
)

// Options tunes the server.
type Options struct {
	Port           int
	ShapleySamples int
	// DriftInterval is the evaluation cadence of the background drift
	// loop. Zero picks one minute.
	DriftInterval time.Duration
}

// Server wires the serving path together: registry artifacts, the
// prediction log, drift monitors and the explanation engine behind one
// HTTP mux.
type Server struct {
	reg     *registry.Registry
	store   *storage.Store
	met     *metrics.Metrics
	states  *stateTable
	samples int

	driftInterval time.Duration
	upgrader      websocket.Upgrader
	feed          *feedHub

	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds the server. Targets are registered afterwards via
// Install.
func NewServer(reg *registry.Registry, store *storage.Store, met *metrics.Metrics, opts Options) *Server {
	s := &Server{
		reg:           reg,
		store:         store,
		met:           met,
		states:        newStateTable(),
		samples:       opts.ShapleySamples,
		driftInterval: opts.DriftInterval,
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		feed:          newFeedHub(met),
	}
	if s.driftInterval == 0 {
		s.driftInterval = time.Minute
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/explain", s.handleExplain)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/model/info", s.handleModelInfo)
	mux.HandleFunc("/model/rollback", s.handleRollback)
	mux.HandleFunc("/drift/status", s.handleDriftStatus)
	mux.HandleFunc("/drift/rebase", s.handleDriftRebase)
	mux.HandleFunc("/drift/feed", s.handleDriftFeed)
	mux.Handle("/metrics", promhttp.Handler())
	s.mux = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting prediction server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.closeAll()
	return s.server.Shutdown(ctx)
}

// PredictRequest is one incoming estimation request.
type PredictRequest struct {
	Target   string                 `json:"target"`
	Features map[string]interface{} `json:"features"`
}

// PredictResponse is the served estimate with its provenance: which
// segment answered, at which model version, and whether the response is
// degraded (members excluded or an equal-weight ensemble).
type PredictResponse struct {
	ID           string            `json:"id"`
	Target       string            `json:"target"`
	SegmentID    int               `json:"segment_id"`
	ModelVersion uint64            `json:"model_version"`
	Output       []float64         `json:"output"`
	Class        string            `json:"class,omitempty"`
	Confidence   float64           `json:"confidence"`
	Degraded     bool              `json:"degraded"`
	Reason       string            `json:"reason,omitempty"`
	Excluded     []ensemble.Member `json:"excluded,omitempty"`
	Mode         ensemble.Mode     `json:"mode"`
	LatencyMs    float64           `json:"latency_ms"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	st, ok := s.states.get(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", req.Target))
		return
	}

	if !st.monitor.Accepting() {
		s.met.BlockedRequests.Inc()
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("target %s blocked: critical drift, rebase or retrain required", req.Target))
		return
	}

	vec, err := features.Parse(st.schema, req.Features)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	x := vec.Encode()

	ens, sid, reason, err := st.route(x)
	if err != nil {
		s.met.PredictionFailures.Inc()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reason != "" {
		s.met.GlobalFallbacks.Inc()
	}

	pred, err := ens.combiner.Predict(x)
	if err != nil {
		s.met.PredictionFailures.Inc()
		log.Error().Str("target", req.Target).Int("segment", sid).Err(err).Msg("prediction failed")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("prediction failed: %w", err))
		return
	}

	degraded := len(pred.Excluded) > 0 || pred.Mode == ensemble.ModeEqualWeight
	if len(pred.Excluded) > 0 {
		s.met.DegradedResponses.Inc()
		s.met.MemberExclusions.Add(float64(len(pred.Excluded)))
	}

	id, err := s.store.LogPrediction(storage.PredictionRecord{
		Target:       req.Target,
		SegmentID:    sid,
		ModelVersion: ens.version,
		Input:        vec.Fields(),
		Output:       pred.Output,
		Class:        pred.Class,
		Confidence:   pred.Confidence,
		Degraded:     degraded,
		Reason:       reason,
	})
	if err != nil {
		// The answer is still good; losing one log row is not.
		s.met.ErrorsTotal.Inc()
		log.Warn().Err(err).Msg("prediction log write failed")
	}

	st.monitor.Observe(vec, pred.Output)

	s.met.PredictionsTotal.Inc()
	s.met.PredictionLatency.Observe(time.Since(start).Seconds())
	s.met.PredictionConfidence.Observe(pred.Confidence)

	writeJSON(w, http.StatusOK, PredictResponse{
		ID:           id,
		Target:       req.Target,
		SegmentID:    sid,
		ModelVersion: ens.version,
		Output:       pred.Output,
		Class:        pred.Class,
		Confidence:   pred.Confidence,
		Degraded:     degraded,
		Reason:       reason,
		Excluded:     pred.Excluded,
		Mode:         pred.Mode,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:    time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type targetHealth struct {
		Accepting     bool   `json:"accepting"`
		Specialists   int    `json:"specialists"`
		GlobalVersion uint64 `json:"global_version"`
	}
	resp := struct {
		Status  string                  `json:"status"`
		Targets map[string]targetHealth `json:"targets"`
	}{Status: "ok", Targets: make(map[string]targetHealth)}

	status := http.StatusOK
	for _, name := range s.states.names() {
		st, _ := s.states.get(name)
		th := targetHealth{
			Accepting:     st.monitor.Accepting(),
			Specialists:   len(st.specialists),
			GlobalVersion: st.global.version,
		}
		if !th.Accepting {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.Targets[name] = th
	}
	writeJSON(w, status, resp)
}

// SegmentInfo describes one serving slot of a target.
type SegmentInfo struct {
	SegmentID int               `json:"segment_id"`
	Size      int               `json:"size"`
	Version   uint64            `json:"version,omitempty"`
	Mode      ensemble.Mode     `json:"mode,omitempty"`
	Members   []ensemble.Member `json:"members,omitempty"`
	Fallback  string            `json:"fallback,omitempty"`
}

// ModelInfo is the /model/info answer for one target.
type ModelInfo struct {
	Target        string            `json:"target"`
	RulesVersion  uint64            `json:"rules_version"`
	GlobalVersion uint64            `json:"global_version"`
	GlobalMode    ensemble.Mode     `json:"global_mode"`
	GlobalMembers []ensemble.Member `json:"global_members"`
	Classes       []string          `json:"classes,omitempty"`
	Segments      []SegmentInfo     `json:"segments"`
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	st, ok := s.states.get(r.URL.Query().Get("target"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", r.URL.Query().Get("target")))
		return
	}

	info := ModelInfo{
		Target:        st.target,
		RulesVersion:  st.rulesVersion,
		GlobalVersion: st.global.version,
		GlobalMode:    st.global.combiner.Mode,
		GlobalMembers: st.global.combiner.Members,
		Classes:       st.classes,
	}
	for _, seg := range st.rules.Segments {
		si := SegmentInfo{SegmentID: seg.ID, Size: seg.Size}
		if ens, ok := st.specialists[seg.ID]; ok {
			si.Version = ens.version
			si.Mode = ens.combiner.Mode
			si.Members = ens.combiner.Members
		} else {
			si.Fallback = FallbackNoSpecialist
		}
		info.Segments = append(info.Segments, si)
	}
	writeJSON(w, http.StatusOK, info)
}

// RollbackRequest names the registry key to roll back.
type RollbackRequest struct {
	Target    string `json:"target"`
	SegmentID int    `json:"segment_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if _, ok := s.states.get(req.Target); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", req.Target))
		return
	}

	version, err := s.reg.Rollback(registry.Key{Target: req.Target, SegmentID: req.SegmentID})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrNoPrevious) || errors.Is(err, registry.ErrNoCurrent) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	s.met.RollbacksTotal.Inc()

	if err := s.Reload(req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("rolled back to %d but reload failed: %w", version, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":     req.Target,
		"segment_id": req.SegmentID,
		"version":    version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
