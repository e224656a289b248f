package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/metrics"
)

// feedHub fans drift reports out to the connected websocket clients.
type feedHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	met     *metrics.Metrics
}

func newFeedHub(met *metrics.Metrics) *feedHub {
	return &feedHub{clients: make(map[*websocket.Conn]bool), met: met}
}

func (h *feedHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	h.met.FeedClients.Set(float64(len(h.clients)))
}

func (h *feedHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	h.met.FeedClients.Set(float64(len(h.clients)))
}

// broadcast sends one report to every subscriber. Clients whose write
// fails are dropped.
func (h *feedHub) broadcast(rep *drift.Report) {
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	h.mu.Lock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(h.clients, conn)
		conn.Close()
	}
	h.met.FeedClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.met.FeedClients.Set(0)
}

// RunDriftLoop evaluates every installed target on the configured
// cadence until the context ends. Each report is appended to the feed
// store and pushed to the websocket subscribers.
func (s *Server) RunDriftLoop(ctx context.Context) {
	ticker := time.NewTicker(s.driftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvaluateDrift()
		}
	}
}

// EvaluateDrift runs one drift evaluation across all targets and
// returns the reports. Exposed separately so operators and tests can
// trigger an evaluation outside the loop cadence.
func (s *Server) EvaluateDrift() []*drift.Report {
	var reports []*drift.Report
	worst := drift.StatusOK
	for _, name := range s.states.names() {
		st, _ := s.states.get(name)
		rep, err := st.monitor.Evaluate()
		if err != nil {
			s.met.ErrorsTotal.Inc()
			log.Error().Str("target", name).Err(err).Msg("drift evaluation failed")
			continue
		}
		s.met.DriftEvaluations.Inc()
		if err := s.store.AppendDriftReport(rep); err != nil {
			s.met.ErrorsTotal.Inc()
			log.Warn().Str("target", name).Err(err).Msg("drift report append failed")
		}
		s.feed.broadcast(rep)
		worst = worseStatus(worst, rep.Overall)
		reports = append(reports, rep)
	}
	s.met.SetDriftStatus(worst)
	return reports
}

func worseStatus(a, b string) string {
	rank := map[string]int{drift.StatusOK: 0, drift.StatusWarning: 1, drift.StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// DriftStatusResponse is the /drift/status answer for one target.
type DriftStatusResponse struct {
	Target          string        `json:"target"`
	Accepting       bool          `json:"accepting"`
	BaselineVersion int           `json:"baseline_version"`
	Latest          *drift.Report `json:"latest,omitempty"`
}

func (s *Server) handleDriftStatus(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	st, ok := s.states.get(target)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", target))
		return
	}

	latest, err := s.store.LatestDriftReport(target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := DriftStatusResponse{
		Target:    target,
		Accepting: st.monitor.Accepting(),
		Latest:    latest,
	}
	if b := st.monitor.Baseline(); b != nil {
		resp.BaselineVersion = b.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// RebaseRequest names the target whose live window becomes the new
// baseline version.
type RebaseRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleDriftRebase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RebaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	st, ok := s.states.get(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", req.Target))
		return
	}

	version, err := st.monitor.Rebase()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := st.monitor.Save(); err != nil {
		log.Warn().Str("target", req.Target).Err(err).Msg("baseline save failed")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":  req.Target,
		"version": version,
	})
}

// handleDriftFeed upgrades the connection and streams every drift
// report generated from then on. The read loop only serves to notice
// the client going away.
func (s *Server) handleDriftFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("drift feed upgrade failed")
		return
	}
	s.feed.add(conn)

	go func() {
		defer s.feed.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
