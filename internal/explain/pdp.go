package explain

import (
	"fmt"
	"math"
	"sort"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// Curve is a partial dependence curve for one numeric field: the
// average prediction with that field swept across its observed range,
// everything else marginalized over the background.
type Curve struct {
	Field string    `json:"field"`
	Grid  []float64 `json:"grid"`
	Mean  []float64 `json:"mean"`

	// ICE holds the per-background-row curves when requested, one row
	// per background vector, aligned with Grid.
	ICE [][]float64 `json:"ice,omitempty"`
}

// LevelCurve is the categorical counterpart: one average prediction per
// vocabulary level.
type LevelCurve struct {
	Field  string             `json:"field"`
	Levels map[string]float64 `json:"levels"`
}

// PartialDependence sweeps one numeric field over a grid of points and
// averages the model output across the background. withICE keeps the
// individual curves.
func (e *Explainer) PartialDependence(field string, points, outIdx int, withICE bool) (*Curve, error) {
	spec, ok := e.schema.Field(field)
	if !ok {
		return nil, fmt.Errorf("explain: unknown field %q", field)
	}
	if spec.Kind != features.Numeric {
		return nil, fmt.Errorf("explain: %q is categorical, use LevelDependence", field)
	}
	if points < 2 {
		points = 20
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range e.background {
		x := v.Num(field)
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if lo == hi {
		hi = lo + 1
	}

	c := &Curve{Field: field, Grid: make([]float64, points), Mean: make([]float64, points)}
	if withICE {
		c.ICE = make([][]float64, len(e.background))
		for i := range c.ICE {
			c.ICE[i] = make([]float64, points)
		}
	}

	for g := 0; g < points; g++ {
		x := lo + (hi-lo)*float64(g)/float64(points-1)
		c.Grid[g] = x
		total := 0.0
		for i, bg := range e.background {
			probe := bg.Clone()
			probe.SetNum(field, x)
			y, err := e.at(probe, outIdx)
			if err != nil {
				return nil, err
			}
			total += y
			if withICE {
				c.ICE[i][g] = y
			}
		}
		c.Mean[g] = total / float64(len(e.background))
	}
	return c, nil
}

// LevelDependence averages the model output per vocabulary level of a
// categorical field.
func (e *Explainer) LevelDependence(field string, outIdx int) (*LevelCurve, error) {
	spec, ok := e.schema.Field(field)
	if !ok {
		return nil, fmt.Errorf("explain: unknown field %q", field)
	}
	if spec.Kind != features.Categorical {
		return nil, fmt.Errorf("explain: %q is numeric, use PartialDependence", field)
	}

	levels := append(append([]string{}, spec.Levels...), features.UnseenLevel)
	lc := &LevelCurve{Field: field, Levels: make(map[string]float64, len(levels))}
	for _, level := range levels {
		total := 0.0
		for _, bg := range e.background {
			probe := bg.Clone()
			if err := probe.SetLevel(field, level); err != nil {
				return nil, err
			}
			y, err := e.at(probe, outIdx)
			if err != nil {
				return nil, err
			}
			total += y
		}
		lc.Levels[level] = total / float64(len(e.background))
	}
	return lc, nil
}

// Importance ranks fields by permutation importance: the drop in the
// metric when one field's values are shuffled across the sample.
// metric scores predictions against truth, higher better.
func (e *Explainer) Importance(vectors []*features.Vector, truth []float64, outIdx int, metric func(pred, truth []float64) float64) ([]Attribution, error) {
	if len(vectors) == 0 || len(vectors) != len(truth) {
		return nil, fmt.Errorf("explain: bad importance sample: %d vectors, %d truths", len(vectors), len(truth))
	}

	preds := make([]float64, len(vectors))
	for i, v := range vectors {
		y, err := e.at(v, outIdx)
		if err != nil {
			return nil, err
		}
		preds[i] = y
	}
	baseline := metric(preds, truth)

	rng := randFor(e.seed)
	out := make([]Attribution, 0, len(e.schema.Fields))
	for _, f := range e.schema.Fields {
		perm := rng.Perm(len(vectors))
		permPreds := make([]float64, len(vectors))
		for i, v := range vectors {
			probe := v.Clone()
			donor := vectors[perm[i]]
			if f.Kind == features.Numeric {
				probe.SetNum(f.Name, donor.Num(f.Name))
			} else {
				if err := probe.SetLevel(f.Name, donor.Level(f.Name)); err != nil {
					return nil, err
				}
			}
			y, err := e.at(probe, outIdx)
			if err != nil {
				return nil, err
			}
			permPreds[i] = y
		}
		drop := baseline - metric(permPreds, truth)
		out = append(out, Attribution{Field: f.Name, Value: math.Max(0, drop)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out, nil
}
