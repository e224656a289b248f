// Package explain produces model explanations at the feature-field
// level: sampling Shapley attributions, partial dependence and ICE
// curves, permutation importance and counterfactual search. Everything
// works against the served prediction function, so an explanation
// always describes the exact ensemble a request would hit.
package explain

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// PredictFn is the served prediction surface being explained.
type PredictFn func(x []float64) ([]float64, error)

// Explainer holds a prediction function together with the background
// sample the attributions are computed against.
type Explainer struct {
	predict    PredictFn
	schema     *features.Schema
	background []*features.Vector
	samples    int
	seed       int64
}

// New builds an explainer. samples is the number of Monte Carlo
// permutations per Shapley call; zero picks 100.
func New(predict PredictFn, schema *features.Schema, background []*features.Vector, samples int, seed int64) (*Explainer, error) {
	if len(background) == 0 {
		return nil, fmt.Errorf("explain: empty background sample")
	}
	if samples <= 0 {
		samples = 100
	}
	return &Explainer{predict: predict, schema: schema, background: background, samples: samples, seed: seed}, nil
}

// Attribution is one field's share of the prediction.
type Attribution struct {
	Field string  `json:"field"`
	Value float64 `json:"value"`
}

// Shapley estimates per-field attributions for one input by sampled
// permutations against the background. outIdx selects the output
// dimension: 0 for regression, the class slot for brand. Attributions
// sum (in expectation) to the prediction minus the background mean.
func (e *Explainer) Shapley(v *features.Vector, outIdx int) ([]Attribution, error) {
	fields := e.schema.Fields
	totals := make(map[string]float64, len(fields))
	rng := rand.New(rand.NewSource(e.seed))

	order := make([]int, len(fields))
	for i := range order {
		order[i] = i
	}

	for s := 0; s < e.samples; s++ {
		base := e.background[rng.Intn(len(e.background))]
		hybrid := base.Clone()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		prev, err := e.at(hybrid, outIdx)
		if err != nil {
			return nil, err
		}
		for _, fi := range order {
			name := fields[fi].Name
			if fields[fi].Kind == features.Numeric {
				hybrid.SetNum(name, v.Num(name))
			} else {
				if err := hybrid.SetLevel(name, v.Level(name)); err != nil {
					return nil, err
				}
			}
			cur, err := e.at(hybrid, outIdx)
			if err != nil {
				return nil, err
			}
			totals[name] += cur - prev
			prev = cur
		}
	}

	out := make([]Attribution, 0, len(fields))
	for _, f := range fields {
		out = append(out, Attribution{Field: f.Name, Value: totals[f.Name] / float64(e.samples)})
	}
	sort.Slice(out, func(i, j int) bool { return abs(out[i].Value) > abs(out[j].Value) })
	return out, nil
}

func (e *Explainer) at(v *features.Vector, outIdx int) (float64, error) {
	p, err := e.predict(v.Encode())
	if err != nil {
		return 0, err
	}
	if outIdx < 0 || outIdx >= len(p) {
		return 0, fmt.Errorf("explain: output index %d out of range [0,%d)", outIdx, len(p))
	}
	return p[outIdx], nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
