package model

import (
	"fmt"
	"math"
	"math/rand"
)

// MaxAuxWeight caps every auxiliary task's loss weight so no side task
// can dominate the primary objective. Enforced at configuration time,
// not by inspecting gradient magnitudes.
const MaxAuxWeight = 0.3

// AuxTask declares one auxiliary objective trained alongside the
// primary target. Classes > 0 makes it a classification head with
// Labels as targets; Classes == 0 is a regression head over Values.
type AuxTask struct {
	Name    string    `json:"name"`
	Weight  float64   `json:"weight"`
	Classes int       `json:"classes"`
	Labels  []int     `json:"-"`
	Values  []float64 `json:"-"`
}

type head struct {
	W [][]float64 `json:"w"` // outputs x (hidden+1), bias last
}

// MultiTask is the per-segment specialist: a shared tanh representation
// with one regression head for the primary target and capped-weight
// heads for the auxiliary tasks. Inputs and the primary target are
// standardized internally.
type MultiTask struct {
	Hidden   int     `json:"hidden"`
	LR       float64 `json:"lr"`
	Epochs   int     `json:"epochs"`
	Seed     int64   `json:"seed"`

	W1       [][]float64 `json:"w1"` // hidden x (features+1)
	Primary  head        `json:"primary"`
	Aux      []head      `json:"aux"`
	AuxSpecs []AuxTask   `json:"aux_specs"`

	XMean []float64 `json:"x_mean"`
	XStd  []float64 `json:"x_std"`
	YMean float64   `json:"y_mean"`
	YStd  float64   `json:"y_std"`
}

// NewMultiTask returns an unfitted specialist.
func NewMultiTask(hidden int, seed int64) *MultiTask {
	if hidden <= 0 {
		hidden = 16
	}
	return &MultiTask{Hidden: hidden, LR: 0.01, Epochs: 300, Seed: seed}
}

// Fit trains the shared representation jointly on the primary target
// and the auxiliary tasks. Each aux weight is clamped to MaxAuxWeight
// before it ever multiplies a loss term.
func (m *MultiTask) Fit(X [][]float64, y []float64, aux []AuxTask) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("multitask fit: %w", err)
	}
	for _, t := range aux {
		if t.Classes > 0 && len(t.Labels) != len(X) {
			return fmt.Errorf("multitask fit: aux %q labels length %d, want %d", t.Name, len(t.Labels), len(X))
		}
		if t.Classes == 0 && len(t.Values) != len(X) {
			return fmt.Errorf("multitask fit: aux %q values length %d, want %d", t.Name, len(t.Values), len(X))
		}
	}

	d := len(X[0])
	m.standardizeStats(X, y)
	Z := make([][]float64, len(X))
	for i := range X {
		Z[i] = m.standardizeX(X[i])
	}
	yz := make([]float64, len(y))
	for i := range y {
		yz[i] = (y[i] - m.YMean) / m.YStd
	}

	rng := rand.New(rand.NewSource(m.Seed))
	m.W1 = randomMatrix(rng, m.Hidden, d+1, 1/math.Sqrt(float64(d)))
	m.Primary = head{W: randomMatrix(rng, 1, m.Hidden+1, 0.1)}
	m.Aux = make([]head, len(aux))
	m.AuxSpecs = make([]AuxTask, len(aux))
	for k, t := range aux {
		outs := t.Classes
		if outs == 0 {
			outs = 1
		}
		m.Aux[k] = head{W: randomMatrix(rng, outs, m.Hidden+1, 0.1)}
		t.Weight = math.Min(t.Weight, MaxAuxWeight)
		m.AuxSpecs[k] = AuxTask{Name: t.Name, Weight: t.Weight, Classes: t.Classes}
	}

	order := fullIndex(len(Z))
	for epoch := 0; epoch < m.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			m.step(Z[i], yz[i], aux, i)
		}
	}
	return nil
}

func (m *MultiTask) step(z []float64, yz float64, aux []AuxTask, row int) {
	h := m.hidden(z)

	// dLoss/dHidden accumulated across heads.
	dh := make([]float64, m.Hidden)

	// Primary head: squared loss.
	pred := dot(m.Primary.W[0], h)
	gp := pred - yz
	for j := 0; j < m.Hidden; j++ {
		dh[j] += gp * m.Primary.W[0][j]
		m.Primary.W[0][j] -= m.LR * gp * h[j]
	}
	m.Primary.W[0][m.Hidden] -= m.LR * gp

	for k, t := range aux {
		w := math.Min(t.Weight, MaxAuxWeight)
		if t.Classes > 0 {
			logits := make([]float64, t.Classes)
			for c := 0; c < t.Classes; c++ {
				logits[c] = dot(m.Aux[k].W[c], h)
			}
			p := softmaxOf(logits)
			for c := 0; c < t.Classes; c++ {
				target := 0.0
				if t.Labels[row] == c {
					target = 1
				}
				g := w * (p[c] - target)
				for j := 0; j < m.Hidden; j++ {
					dh[j] += g * m.Aux[k].W[c][j]
					m.Aux[k].W[c][j] -= m.LR * g * h[j]
				}
				m.Aux[k].W[c][m.Hidden] -= m.LR * g
			}
		} else {
			out := dot(m.Aux[k].W[0], h)
			g := w * (out - t.Values[row])
			for j := 0; j < m.Hidden; j++ {
				dh[j] += g * m.Aux[k].W[0][j]
				m.Aux[k].W[0][j] -= m.LR * g * h[j]
			}
			m.Aux[k].W[0][m.Hidden] -= m.LR * g
		}
	}

	// Shared layer: tanh' = 1 - h^2.
	for j := 0; j < m.Hidden; j++ {
		gz := dh[j] * (1 - h[j]*h[j])
		for f := 0; f < len(z); f++ {
			m.W1[j][f] -= m.LR * gz * z[f]
		}
		m.W1[j][len(z)] -= m.LR * gz
	}
}

// hidden computes the shared representation with an appended 1 for the
// head bias term.
func (m *MultiTask) hidden(z []float64) []float64 {
	h := make([]float64, m.Hidden+1)
	for j := 0; j < m.Hidden; j++ {
		s := m.W1[j][len(z)]
		for f, zf := range z {
			s += m.W1[j][f] * zf
		}
		h[j] = math.Tanh(s)
	}
	h[m.Hidden] = 1
	return h
}

// Predict returns the de-standardized primary prediction.
func (m *MultiTask) Predict(x []float64) ([]float64, error) {
	if m == nil || len(m.W1) == 0 {
		return nil, ErrNotFitted
	}
	if len(x) != len(m.XMean) {
		return nil, fmt.Errorf("multitask predict: got %d features, want %d", len(x), len(m.XMean))
	}
	h := m.hidden(m.standardizeX(x))
	return []float64{dot(m.Primary.W[0], h)*m.YStd + m.YMean}, nil
}

// PredictAux evaluates one auxiliary head; classification heads return
// a probability distribution.
func (m *MultiTask) PredictAux(x []float64, task string) ([]float64, error) {
	if m == nil || len(m.W1) == 0 {
		return nil, ErrNotFitted
	}
	for k, t := range m.AuxSpecs {
		if t.Name != task {
			continue
		}
		h := m.hidden(m.standardizeX(x))
		if t.Classes > 0 {
			logits := make([]float64, t.Classes)
			for c := range logits {
				logits[c] = dot(m.Aux[k].W[c], h)
			}
			return softmaxOf(logits), nil
		}
		return []float64{dot(m.Aux[k].W[0], h)}, nil
	}
	return nil, fmt.Errorf("no auxiliary task %q", task)
}

// Kind implements Model.
func (m *MultiTask) Kind() string { return "multitask" }

func (m *MultiTask) standardizeStats(X [][]float64, y []float64) {
	d := len(X[0])
	n := float64(len(X))
	m.XMean = make([]float64, d)
	m.XStd = make([]float64, d)
	for j := 0; j < d; j++ {
		for i := range X {
			m.XMean[j] += X[i][j]
		}
		m.XMean[j] /= n
		for i := range X {
			diff := X[i][j] - m.XMean[j]
			m.XStd[j] += diff * diff
		}
		m.XStd[j] = math.Sqrt(m.XStd[j] / n)
		if m.XStd[j] == 0 {
			m.XStd[j] = 1
		}
	}
	for _, v := range y {
		m.YMean += v
	}
	m.YMean /= n
	for _, v := range y {
		m.YStd += (v - m.YMean) * (v - m.YMean)
	}
	m.YStd = math.Sqrt(m.YStd / n)
	if m.YStd == 0 {
		m.YStd = 1
	}
}

func (m *MultiTask) standardizeX(x []float64) []float64 {
	z := make([]float64, len(x))
	for j := range x {
		z[j] = (x[j] - m.XMean[j]) / m.XStd[j]
	}
	return z
}

func randomMatrix(rng *rand.Rand, rows, cols int, scale float64) [][]float64 {
	w := make([][]float64, rows)
	for i := range w {
		w[i] = make([]float64, cols)
		for j := range w[i] {
			w[i][j] = (rng.Float64()*2 - 1) * scale
		}
	}
	return w
}

func dot(w, h []float64) float64 {
	s := 0.0
	for i := range w {
		s += w[i] * h[i]
	}
	return s
}

func softmaxOf(logits []float64) []float64 {
	maxL := math.Inf(-1)
	for _, l := range logits {
		if l > maxL {
			maxL = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxL)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
