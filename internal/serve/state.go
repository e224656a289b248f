package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/segment"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/trainer"
)

// Serving-time fallback reasons. Training-time reasons live in trainer.
const (
	FallbackOverflow     = "overflow"
	FallbackNoSpecialist = "fallback_to_global"
)

// servingEnsemble pairs a live combiner with the registry version it
// was loaded from.
type servingEnsemble struct {
	combiner *ensemble.Combiner
	version  uint64
}

// targetState is everything one target needs to answer requests: the
// segmentation rules, the global ensemble, whatever specialists are
// published, the drift monitor and the explanation background. States
// are immutable after load; Reload builds a fresh one and swaps it in
// under the server lock, so in-flight requests keep a consistent view.
type targetState struct {
	target       string
	schema       *features.Schema
	classes      []string
	rules        *segment.Rules
	rulesVersion uint64
	global       *servingEnsemble
	specialists  map[int]*servingEnsemble
	monitor      *drift.Monitor
	background   []*features.Vector
}

// route picks the ensemble for one encoded vector: the segment's
// specialist when published, the global fallback otherwise. The second
// return is the serving fallback reason, empty for a specialist hit.
func (st *targetState) route(x []float64) (*servingEnsemble, int, string, error) {
	sid, err := st.rules.Assign(x)
	if err != nil {
		return nil, 0, "", err
	}
	if sid == segment.Overflow {
		return st.global, sid, FallbackOverflow, nil
	}
	if ens, ok := st.specialists[sid]; ok {
		return ens, sid, "", nil
	}
	return st.global, sid, FallbackNoSpecialist, nil
}

type stateTable struct {
	mu      sync.RWMutex
	targets map[string]*targetState
}

func newStateTable() *stateTable {
	return &stateTable{targets: make(map[string]*targetState)}
}

func (t *stateTable) get(target string) (*targetState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.targets[target]
	return st, ok
}

func (t *stateTable) put(st *targetState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[st.target] = st
}

func (t *stateTable) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.targets))
	for name := range t.targets {
		out = append(out, name)
	}
	return out
}

// Install registers a target with its request schema, explanation
// background and drift monitor, then loads the published artifacts.
func (s *Server) Install(target string, schema *features.Schema, classes []string, background []*features.Vector, mon *drift.Monitor) error {
	st := &targetState{
		target:     target,
		schema:     schema,
		classes:    classes,
		monitor:    mon,
		background: background,
	}
	if err := s.loadArtifacts(st); err != nil {
		return err
	}
	s.states.put(st)
	log.Info().
		Str("target", target).
		Int("specialists", len(st.specialists)).
		Uint64("global_version", st.global.version).
		Msg("target installed")
	return nil
}

// Reload re-reads the registry for one target and swaps the serving
// state. Schema, background and monitor carry over; only the model
// artifacts change.
func (s *Server) Reload(target string) error {
	old, ok := s.states.get(target)
	if !ok {
		return fmt.Errorf("serve: unknown target %q", target)
	}
	st := &targetState{
		target:     old.target,
		schema:     old.schema,
		classes:    old.classes,
		monitor:    old.monitor,
		background: old.background,
	}
	if err := s.loadArtifacts(st); err != nil {
		return err
	}
	s.states.put(st)
	log.Info().Str("target", target).Msg("target reloaded")
	return nil
}

// loadArtifacts pulls the current segmentation rules, global ensemble
// and per-segment specialists for a target. A missing specialist is a
// fallback, not an error; a missing global ensemble is fatal because
// nothing could answer for its segments.
func (s *Server) loadArtifacts(st *targetState) error {
	rulesArt, err := s.reg.GetCurrent(registry.Key{Target: trainer.RulesRef(st.target), SegmentID: model.GlobalScope})
	if err != nil {
		return fmt.Errorf("serve %s: segmentation rules: %w", st.target, err)
	}
	var rules segment.Rules
	if err := json.Unmarshal(rulesArt.Payload, &rules); err != nil {
		return fmt.Errorf("serve %s: decode rules: %w", st.target, err)
	}
	st.rules = &rules
	st.rulesVersion = rulesArt.Version

	st.global, err = s.loadEnsemble(registry.Key{Target: st.target, SegmentID: model.GlobalScope})
	if err != nil {
		return fmt.Errorf("serve %s: global ensemble: %w", st.target, err)
	}

	st.specialists = make(map[int]*servingEnsemble, len(rules.Segments))
	for _, seg := range rules.Segments {
		ens, err := s.loadEnsemble(registry.Key{Target: st.target, SegmentID: seg.ID})
		if err != nil {
			if errors.Is(err, registry.ErrNoCurrent) {
				continue // segment serves the global fallback
			}
			return fmt.Errorf("serve %s: segment %d: %w", st.target, seg.ID, err)
		}
		st.specialists[seg.ID] = ens
	}
	return nil
}

func (s *Server) loadEnsemble(key registry.Key) (*servingEnsemble, error) {
	art, err := s.reg.GetCurrent(key)
	if err != nil {
		return nil, err
	}
	var spec ensemble.Spec
	if err := json.Unmarshal(art.Payload, &spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	c, err := ensemble.Load(&spec)
	if err != nil {
		return nil, err
	}
	return &servingEnsemble{combiner: c, version: art.Version}, nil
}
