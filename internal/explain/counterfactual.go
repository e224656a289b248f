package explain

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// ErrNoCounterfactual is returned when the search budget runs out
// before the goal is reached.
var ErrNoCounterfactual = errors.New("no counterfactual found within iteration budget")

// Goal is the prediction the counterfactual must reach: a numeric band
// for regression targets or a class label for brand.
type Goal struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Class string  `json:"class,omitempty"`
}

// CFConfig controls the search.
type CFConfig struct {
	// MaxIterations is the hard search budget; each iteration proposes
	// and evaluates one single-field change.
	MaxIterations int `yaml:"maxIterations"`
	// StepFrac scales numeric proposals relative to the field's
	// background spread.
	StepFrac float64 `yaml:"stepFrac"`
	// Costs weights how reluctant the search is to move each field.
	// Unlisted fields cost 1.
	Costs map[string]float64 `yaml:"costs"`
	// Frozen fields are never changed.
	Frozen []string `yaml:"frozen"`
	Seed   int64    `yaml:"seed"`
}

// Change records one field edit of the counterfactual.
type Change struct {
	Field string      `json:"field"`
	From  interface{} `json:"from"`
	To    interface{} `json:"to"`
}

// Counterfactual is the found input plus how it differs from the
// original.
type Counterfactual struct {
	Vector     *features.Vector       `json:"-"`
	Fields     map[string]interface{} `json:"fields"`
	Changes    []Change               `json:"changes"`
	Cost       float64                `json:"cost"`
	Iterations int                    `json:"iterations"`
	Output     []float64              `json:"output"`
}

// Counterfactual searches for a minimal-cost input change that moves
// the prediction into the goal. The search is a seeded hill climb:
// every iteration perturbs one mutable field and keeps the candidate
// when it improves the objective. Categorical proposals only ever use
// vocabulary levels, so the result is always a valid input.
func (e *Explainer) Counterfactual(v *features.Vector, goal Goal, classes []string, cfg CFConfig) (*Counterfactual, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 200
	}
	if cfg.StepFrac == 0 {
		cfg.StepFrac = 0.25
	}
	frozen := make(map[string]bool, len(cfg.Frozen))
	for _, f := range cfg.Frozen {
		frozen[f] = true
	}
	mutable := make([]features.FieldSpec, 0, len(e.schema.Fields))
	for _, f := range e.schema.Fields {
		if !frozen[f.Name] {
			mutable = append(mutable, f)
		}
	}
	if len(mutable) == 0 {
		return nil, fmt.Errorf("explain: every field is frozen")
	}

	outIdx := 0
	if goal.Class != "" {
		outIdx = classIndex(classes, goal.Class)
		if outIdx < 0 {
			return nil, fmt.Errorf("explain: unknown goal class %q", goal.Class)
		}
	}

	spread := e.numericSpread()
	rng := rand.New(rand.NewSource(cfg.Seed))

	current := v.Clone()
	out, err := e.predict(current.Encode())
	if err != nil {
		return nil, err
	}
	best := e.objective(out, goal, outIdx, 0)
	bestCost := 0.0

	for it := 1; it <= cfg.MaxIterations; it++ {
		f := mutable[rng.Intn(len(mutable))]
		cand := current.Clone()

		if f.Kind == features.Numeric {
			step := spread[f.Name] * cfg.StepFrac * (rng.Float64()*2 - 1)
			cand.SetNum(f.Name, cand.Num(f.Name)+step)
		} else {
			level := f.Levels[rng.Intn(len(f.Levels))]
			if err := cand.SetLevel(f.Name, level); err != nil {
				return nil, err
			}
		}

		candOut, err := e.predict(cand.Encode())
		if err != nil {
			continue // failed probe just burns budget
		}
		candCost := e.cost(v, cand, cfg.Costs, spread)
		score := e.objective(candOut, goal, outIdx, candCost)
		if score < best {
			best = score
			bestCost = candCost
			current = cand
			out = candOut
		}

		if satisfied(out, goal, outIdx, classes) {
			return e.result(v, current, out, bestCost, it), nil
		}
	}

	if satisfied(out, goal, outIdx, classes) {
		return e.result(v, current, out, bestCost, cfg.MaxIterations), nil
	}
	return nil, fmt.Errorf("%w: %d iterations", ErrNoCounterfactual, cfg.MaxIterations)
}

// objective is goal distance plus a small cost penalty so ties prefer
// the cheaper edit.
func (e *Explainer) objective(out []float64, goal Goal, outIdx int, cost float64) float64 {
	const costWeight = 0.01
	if goal.Class != "" {
		// Maximize the goal-class probability.
		return (1 - out[outIdx]) + costWeight*cost
	}
	y := out[0]
	switch {
	case y < goal.Min:
		return (goal.Min - y) + costWeight*cost
	case y > goal.Max:
		return (y - goal.Max) + costWeight*cost
	default:
		return costWeight * cost
	}
}

func satisfied(out []float64, goal Goal, outIdx int, classes []string) bool {
	if goal.Class != "" {
		return argmaxOf(out) == outIdx
	}
	return out[0] >= goal.Min && out[0] <= goal.Max
}

// cost sums the weighted per-field distance between the original and
// the candidate. Numeric distance is normalized by background spread;
// a categorical switch counts as one unit.
func (e *Explainer) cost(orig, cand *features.Vector, costs map[string]float64, spread map[string]float64) float64 {
	total := 0.0
	for _, f := range e.schema.Fields {
		w := 1.0
		if c, ok := costs[f.Name]; ok {
			w = c
		}
		if f.Kind == features.Numeric {
			d := math.Abs(cand.Num(f.Name) - orig.Num(f.Name))
			if s := spread[f.Name]; s > 0 {
				d /= s
			}
			total += w * d
		} else if cand.Level(f.Name) != orig.Level(f.Name) {
			total += w
		}
	}
	return total
}

func (e *Explainer) result(orig, found *features.Vector, out []float64, cost float64, iters int) *Counterfactual {
	cf := &Counterfactual{
		Vector:     found,
		Fields:     found.Fields(),
		Cost:       cost,
		Iterations: iters,
		Output:     out,
	}
	for _, f := range e.schema.Fields {
		if f.Kind == features.Numeric {
			if found.Num(f.Name) != orig.Num(f.Name) {
				cf.Changes = append(cf.Changes, Change{Field: f.Name, From: orig.Num(f.Name), To: found.Num(f.Name)})
			}
		} else if found.Level(f.Name) != orig.Level(f.Name) {
			cf.Changes = append(cf.Changes, Change{Field: f.Name, From: orig.Level(f.Name), To: found.Level(f.Name)})
		}
	}
	return cf
}

func (e *Explainer) numericSpread() map[string]float64 {
	spread := make(map[string]float64)
	for _, f := range e.schema.Fields {
		if f.Kind != features.Numeric {
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, bg := range e.background {
			x := bg.Num(f.Name)
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
		}
		if hi > lo {
			spread[f.Name] = hi - lo
		} else {
			spread[f.Name] = 1
		}
	}
	return spread
}

func classIndex(classes []string, class string) int {
	for i, c := range classes {
		if c == class {
			return i
		}
	}
	return -1
}

func argmaxOf(xs []float64) int {
	best, bestIdx := math.Inf(-1), 0
	for i, x := range xs {
		if x > best {
			best, bestIdx = x, i
		}
	}
	return bestIdx
}

func randFor(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
