// Package drift watches the serving-time input and prediction
// distributions against a versioned training baseline. Numeric fields
// are scored with a quantile-binned population stability index plus a
// two-sample Kolmogorov-Smirnov distance, categorical fields with PSI
// over their level proportions. Reports carry a three-tier status per
// feature; a critical prediction distribution, or a critical majority
// of features, flips the serving gate so the pipeline stops accepting
// requests until an operator rebaselines or retrains.
package drift

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// Statuses, worst last.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Config controls scoring. Zero values pick the defaults; the PSI
// tiers follow the usual 0.1/0.25 convention.
type Config struct {
	WindowSize  int     `yaml:"windowSize"`
	MinSamples  int     `yaml:"minSamples"`
	Bins        int     `yaml:"bins"`
	PSIWarn     float64 `yaml:"psiWarn"`
	PSICritical float64 `yaml:"psiCritical"`
	KSWarn      float64 `yaml:"ksWarn"`
	KSCritical  float64 `yaml:"ksCritical"`
	SavePath    string  `yaml:"savePath"`
}

func (c Config) withDefaults() Config {
	if c.WindowSize == 0 {
		c.WindowSize = 500
	}
	if c.MinSamples == 0 {
		c.MinSamples = 30
	}
	if c.Bins == 0 {
		c.Bins = 10
	}
	if c.PSIWarn == 0 {
		c.PSIWarn = 0.1
	}
	if c.PSICritical == 0 {
		c.PSICritical = 0.25
	}
	if c.KSWarn == 0 {
		c.KSWarn = 0.1
	}
	if c.KSCritical == 0 {
		c.KSCritical = 0.25
	}
	return c
}

// FeatureReport is the drift score of one field or of the prediction
// distribution.
type FeatureReport struct {
	Name   string  `json:"name"`
	PSI    float64 `json:"psi"`
	KS     float64 `json:"ks,omitempty"`
	Status string  `json:"status"`
}

// Report is one evaluation of the live window against the baseline.
type Report struct {
	Target          string          `json:"target"`
	BaselineVersion int             `json:"baseline_version"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Window          int             `json:"window"`
	Overall         string          `json:"overall"`
	Blocked         bool            `json:"blocked"`
	Features        []FeatureReport `json:"features"`
	Prediction      *FeatureReport  `json:"prediction,omitempty"`
}

// Monitor accumulates a sliding observation window per target and
// scores it against the current baseline version.
type Monitor struct {
	cfg    Config
	target string

	mu        sync.RWMutex
	baseline  *Baseline
	history   []*Baseline
	numWindow map[string][]float64
	catWindow map[string][]string
	predNum   []float64
	predCat   []string
	classes   []string

	accept atomic.Bool
}

// NewMonitor creates a monitor for one target. The gate starts open.
func NewMonitor(cfg Config, target string) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		target:    target,
		numWindow: make(map[string][]float64),
		catWindow: make(map[string][]string),
	}
	m.accept.Store(true)
	return m
}

// SetBaseline installs a baseline snapshot, superseding and archiving
// any previous version. The window resets and the gate reopens.
func (m *Monitor) SetBaseline(b *Baseline, classes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline != nil {
		m.history = append(m.history, m.baseline)
		b.Version = m.baseline.Version + 1
	}
	m.baseline = b
	m.classes = classes
	m.resetWindowLocked()
	m.accept.Store(true)
	log.Info().Str("target", m.target).Int("version", b.Version).Msg("drift baseline installed")
}

// Observe records one served request: the parsed input vector and the
// model output.
func (m *Monitor) Observe(v *features.Vector, pred []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline == nil {
		return
	}

	for name := range m.baseline.Numeric {
		m.numWindow[name] = slide(m.numWindow[name], v.Num(name), m.cfg.WindowSize)
	}
	for name := range m.baseline.Categorical {
		m.catWindow[name] = slideStr(m.catWindow[name], v.Level(name), m.cfg.WindowSize)
	}

	if len(pred) == 0 {
		return
	}
	if len(m.classes) > 0 {
		m.predCat = slideStr(m.predCat, m.classes[argmax(pred)], m.cfg.WindowSize)
	} else {
		m.predNum = slide(m.predNum, pred[0], m.cfg.WindowSize)
	}
}

// Evaluate scores the window and updates the serving gate. With fewer
// than MinSamples observations the report is StatusOK and the gate
// stays open.
func (m *Monitor) Evaluate() (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseline == nil {
		return nil, fmt.Errorf("drift: no baseline for %s", m.target)
	}

	rep := &Report{
		Target:          m.target,
		BaselineVersion: m.baseline.Version,
		GeneratedAt:     time.Now().UTC(),
		Window:          m.windowLenLocked(),
		Overall:         StatusOK,
	}
	if rep.Window < m.cfg.MinSamples {
		m.accept.Store(true)
		return rep, nil
	}

	names := make([]string, 0, len(m.baseline.Numeric)+len(m.baseline.Categorical))
	for name := range m.baseline.Numeric {
		names = append(names, name)
	}
	for name := range m.baseline.Categorical {
		names = append(names, name)
	}
	sort.Strings(names)

	critical := 0
	for _, name := range names {
		var fr FeatureReport
		if nb, ok := m.baseline.Numeric[name]; ok {
			fr = m.scoreNumeric(name, nb, m.numWindow[name])
		} else {
			fr = m.scoreCategorical(name, m.baseline.Categorical[name], m.catWindow[name])
		}
		rep.Features = append(rep.Features, fr)
		if fr.Status == StatusCritical {
			critical++
		}
		rep.Overall = worse(rep.Overall, fr.Status)
	}

	if m.baseline.Prediction != nil && len(m.predNum) >= m.cfg.MinSamples {
		fr := m.scoreNumeric("prediction", m.baseline.Prediction, m.predNum)
		rep.Prediction = &fr
		rep.Overall = worse(rep.Overall, fr.Status)
	}
	if m.baseline.PredClasses != nil && len(m.predCat) >= m.cfg.MinSamples {
		fr := m.scoreCategorical("prediction", &CategoricalBaseline{Props: m.baseline.PredClasses}, m.predCat)
		rep.Prediction = &fr
		rep.Overall = worse(rep.Overall, fr.Status)
	}

	predCritical := rep.Prediction != nil && rep.Prediction.Status == StatusCritical
	rep.Blocked = predCritical || critical*2 > len(rep.Features)
	m.accept.Store(!rep.Blocked)

	if rep.Blocked {
		log.Error().
			Str("target", m.target).
			Int("critical_features", critical).
			Bool("prediction_critical", predCritical).
			Msg("drift gate closed, pipeline blocked")
	} else if rep.Overall != StatusOK {
		log.Warn().Str("target", m.target).Str("overall", rep.Overall).Msg("drift detected")
	}
	return rep, nil
}

// Accepting reports the gate state. Lock-free; the serving path checks
// it on every request.
func (m *Monitor) Accepting() bool {
	return m.accept.Load()
}

// Rebase promotes the live window into a new baseline version. The old
// version moves to the history and the gate reopens.
func (m *Monitor) Rebase() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline == nil {
		return 0, fmt.Errorf("drift: no baseline for %s", m.target)
	}
	if m.windowLenLocked() < m.cfg.MinSamples {
		return 0, fmt.Errorf("drift: rebase needs at least %d observations, have %d", m.cfg.MinSamples, m.windowLenLocked())
	}

	next := &Baseline{
		Version:     m.baseline.Version + 1,
		Target:      m.target,
		CreatedAt:   time.Now().UTC(),
		Rows:        m.windowLenLocked(),
		Numeric:     make(map[string]*NumericBaseline, len(m.baseline.Numeric)),
		Categorical: make(map[string]*CategoricalBaseline, len(m.baseline.Categorical)),
	}
	for name := range m.baseline.Numeric {
		next.Numeric[name] = newNumericBaseline(m.numWindow[name], m.cfg.Bins)
	}
	for name := range m.baseline.Categorical {
		next.Categorical[name] = &CategoricalBaseline{Props: levelProps(m.catWindow[name])}
	}
	if len(m.predNum) >= m.cfg.MinSamples {
		next.Prediction = newNumericBaseline(m.predNum, m.cfg.Bins)
	}
	if len(m.predCat) >= m.cfg.MinSamples {
		next.PredClasses = levelProps(m.predCat)
	}

	m.history = append(m.history, m.baseline)
	m.baseline = next
	m.resetWindowLocked()
	m.accept.Store(true)

	log.Info().Str("target", m.target).Int("version", next.Version).Msg("drift baseline rebased")
	return next.Version, nil
}

// Baseline returns the current baseline version.
func (m *Monitor) Baseline() *Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// History returns the superseded baseline versions, oldest first.
func (m *Monitor) History() []*Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Baseline, len(m.history))
	copy(out, m.history)
	return out
}

// Save writes the current baseline to the configured path.
func (m *Monitor) Save() error {
	if m.cfg.SavePath == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseline == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.savePath()), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.baseline, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.savePath(), data, 0o600)
}

// Load restores a previously saved baseline. Missing files are not an
// error; the monitor just waits for SetBaseline.
func (m *Monitor) Load() error {
	if m.cfg.SavePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.savePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = &b
	m.resetWindowLocked()
	return nil
}

func (m *Monitor) savePath() string {
	return filepath.Join(m.cfg.SavePath, m.target+"-baseline.json")
}

func (m *Monitor) scoreNumeric(name string, nb *NumericBaseline, window []float64) FeatureReport {
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)

	fr := FeatureReport{
		Name: name,
		PSI:  psi(nb.Props, binProps(sorted, nb.Edges)),
		KS:   ks(nb.Samples, sorted),
	}
	fr.Status = worse(tier(fr.PSI, m.cfg.PSIWarn, m.cfg.PSICritical), tier(fr.KS, m.cfg.KSWarn, m.cfg.KSCritical))
	return fr
}

func (m *Monitor) scoreCategorical(name string, cb *CategoricalBaseline, window []string) FeatureReport {
	fr := FeatureReport{Name: name, PSI: psiCategorical(cb.Props, levelProps(window))}
	fr.Status = tier(fr.PSI, m.cfg.PSIWarn, m.cfg.PSICritical)
	return fr
}

func (m *Monitor) windowLenLocked() int {
	for _, w := range m.numWindow {
		return len(w)
	}
	for _, w := range m.catWindow {
		return len(w)
	}
	return 0
}

func (m *Monitor) resetWindowLocked() {
	m.numWindow = make(map[string][]float64)
	m.catWindow = make(map[string][]string)
	m.predNum = nil
	m.predCat = nil
}

func tier(score, warn, critical float64) string {
	switch {
	case score >= critical:
		return StatusCritical
	case score >= warn:
		return StatusWarning
	default:
		return StatusOK
	}
}

func worse(a, b string) string {
	rank := map[string]int{StatusOK: 0, StatusWarning: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func slide(w []float64, v float64, max int) []float64 {
	if len(w) >= max {
		w = w[1:]
	}
	return append(w, v)
}

func slideStr(w []string, v string, max int) []string {
	if len(w) >= max {
		w = w[1:]
	}
	return append(w, v)
}

func levelProps(window []string) map[string]float64 {
	counts := make(map[string]int)
	for _, l := range window {
		counts[l]++
	}
	return proportions(counts, len(window))
}
