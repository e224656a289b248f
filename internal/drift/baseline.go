package drift

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// floorProp keeps PSI finite when a bin is empty on one side.
const floorProp = 1e-4

// NumericBaseline is the reference distribution of one numeric field:
// quantile bin edges with the training proportion per bin, plus a
// sample reservoir for the KS statistic.
type NumericBaseline struct {
	Edges   []float64 `json:"edges"` // interior edges, ascending
	Props   []float64 `json:"props"` // len(Edges)+1 bins
	Mean    float64   `json:"mean"`
	Std     float64   `json:"std"`
	Samples []float64 `json:"samples"` // sorted
}

// CategoricalBaseline is the reference level distribution of one
// categorical field.
type CategoricalBaseline struct {
	Props map[string]float64 `json:"props"`
}

// Baseline is one immutable reference snapshot. Rebase creates a new
// version; superseded versions stay in the monitor's history.
type Baseline struct {
	Version     int                             `json:"version"`
	Target      string                          `json:"target"`
	CreatedAt   time.Time                       `json:"created_at"`
	Rows        int                             `json:"rows"`
	Numeric     map[string]*NumericBaseline     `json:"numeric"`
	Categorical map[string]*CategoricalBaseline `json:"categorical"`

	// Reference distribution of the model output: numeric for the
	// regression targets, class proportions for brand.
	Prediction  *NumericBaseline   `json:"prediction,omitempty"`
	PredClasses map[string]float64 `json:"pred_classes,omitempty"`
}

// NewBaseline snapshots the training distribution of a target view.
// preds carries the model outputs on the training rows; classes is
// non-empty for brand.
func NewBaseline(view *features.TargetView, preds [][]float64, bins int) (*Baseline, error) {
	if len(view.Vectors) == 0 {
		return nil, fmt.Errorf("baseline: empty view")
	}
	if bins < 2 {
		bins = 10
	}

	b := &Baseline{
		Version:     1,
		Target:      view.Target,
		CreatedAt:   time.Now().UTC(),
		Rows:        len(view.Vectors),
		Numeric:     make(map[string]*NumericBaseline),
		Categorical: make(map[string]*CategoricalBaseline),
	}

	for _, field := range view.Schema.Fields {
		if field.Kind == features.Numeric {
			values := make([]float64, len(view.Vectors))
			for i, v := range view.Vectors {
				values[i] = v.Num(field.Name)
			}
			b.Numeric[field.Name] = newNumericBaseline(values, bins)
			continue
		}
		counts := make(map[string]int)
		for _, v := range view.Vectors {
			counts[v.Level(field.Name)]++
		}
		b.Categorical[field.Name] = &CategoricalBaseline{Props: proportions(counts, len(view.Vectors))}
	}

	if len(preds) > 0 {
		if len(view.Classes) > 0 {
			counts := make(map[string]int)
			for _, p := range preds {
				counts[view.Classes[argmax(p)]]++
			}
			b.PredClasses = proportions(counts, len(preds))
		} else {
			values := make([]float64, len(preds))
			for i, p := range preds {
				values[i] = p[0]
			}
			b.Prediction = newNumericBaseline(values, bins)
		}
	}
	return b, nil
}

func newNumericBaseline(values []float64, bins int) *NumericBaseline {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		q := stat.Quantile(float64(i)/float64(bins), stat.Empirical, sorted, nil)
		// Collapse duplicate edges from ties.
		if len(edges) == 0 || q > edges[len(edges)-1] {
			edges = append(edges, q)
		}
	}

	nb := &NumericBaseline{
		Edges:   edges,
		Mean:    stat.Mean(sorted, nil),
		Std:     math.Sqrt(stat.Variance(sorted, nil)),
		Samples: sorted,
	}
	nb.Props = binProps(sorted, edges)
	return nb
}

// binProps counts the share of values per bin defined by the interior
// edges; value == edge goes to the lower bin.
func binProps(values, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		counts[binOf(v, edges)]++
	}
	for i := range counts {
		counts[i] /= float64(len(values))
	}
	return counts
}

func binOf(v float64, edges []float64) int {
	return sort.SearchFloat64s(edges, v)
}

func proportions(counts map[string]int, total int) map[string]float64 {
	props := make(map[string]float64, len(counts))
	for level, n := range counts {
		props[level] = float64(n) / float64(total)
	}
	return props
}

// psi computes the population stability index between two proportion
// vectors of equal length, with empty bins floored.
func psi(ref, cur []float64) float64 {
	score := 0.0
	for i := range ref {
		r := math.Max(ref[i], floorProp)
		c := math.Max(cur[i], floorProp)
		score += (c - r) * math.Log(c/r)
	}
	return score
}

// psiCategorical computes PSI over the union of levels.
func psiCategorical(ref, cur map[string]float64) float64 {
	levels := make(map[string]bool, len(ref))
	for l := range ref {
		levels[l] = true
	}
	for l := range cur {
		levels[l] = true
	}
	score := 0.0
	for l := range levels {
		r := math.Max(ref[l], floorProp)
		c := math.Max(cur[l], floorProp)
		score += (c - r) * math.Log(c/r)
	}
	return score
}

// ks computes the two-sample Kolmogorov-Smirnov distance. Inputs must
// be sorted.
func ks(ref, cur []float64) float64 {
	if len(ref) == 0 || len(cur) == 0 {
		return 0
	}
	return stat.KolmogorovSmirnov(ref, nil, cur, nil)
}

func argmax(xs []float64) int {
	best, bestIdx := math.Inf(-1), 0
	for i, x := range xs {
		if x > best {
			best, bestIdx = x, i
		}
	}
	return bestIdx
}
