package ensemble

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// Spec is the registry payload of a published ensemble: the member
// table plus each member's serialized model.
type Spec struct {
	Members []Member         `json:"members"`
	Mode    Mode             `json:"mode"`
	OutDim  int              `json:"out_dim"`
	Classes []string         `json:"classes,omitempty"`
	Models  []model.Envelope `json:"models"`
}

// NewSpec serializes a stack result for publishing.
func NewSpec(res *StackResult, outDim int, classes []string) (*Spec, error) {
	spec := &Spec{Members: res.Members, Mode: res.Mode, OutDim: outDim, Classes: classes}
	spec.Models = make([]model.Envelope, len(res.Models))
	for i, m := range res.Models {
		if m == nil {
			continue // excluded member, no model to carry
		}
		env, err := model.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("spec: member %s: %w", res.Members[i].Name, err)
		}
		spec.Models[i] = env
	}
	return spec, nil
}

// Combiner is the serving-side ensemble: live model instances behind
// the member table. Prediction never mutates the combiner; per-request
// failures exclude members in a request-local snapshot only.
type Combiner struct {
	Members []Member
	Models  []model.Model
	Mode    Mode
	OutDim  int
	Classes []string
}

// Load reconstructs a combiner from a published spec.
func Load(spec *Spec) (*Combiner, error) {
	c := &Combiner{
		Members: spec.Members,
		Models:  make([]model.Model, len(spec.Models)),
		Mode:    spec.Mode,
		OutDim:  spec.OutDim,
		Classes: spec.Classes,
	}
	for i, env := range spec.Models {
		if env.Kind == "" {
			continue
		}
		m, err := model.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("load ensemble: member %s: %w", spec.Members[i].Name, err)
		}
		c.Models[i] = m
	}
	if err := CheckWeightInvariant(c.Members); err != nil {
		return nil, fmt.Errorf("load ensemble: %w", err)
	}
	return c, nil
}

// Contribution is one member's share of a prediction.
type Contribution struct {
	Name   string    `json:"name"`
	Weight float64   `json:"weight"`
	Output []float64 `json:"output"`
}

// Prediction is the combined output with its breakdown. Output has one
// element for regression targets and one per class for classifiers.
// Confidence is derived from member agreement: 1/(1+spread), where
// spread is the weighted variance of member outputs around the blend.
type Prediction struct {
	Output     []float64      `json:"output"`
	Class      string         `json:"class,omitempty"`
	Confidence float64        `json:"confidence"`
	Members    []Contribution `json:"members"`
	Excluded   []Member       `json:"excluded,omitempty"`
	Mode       Mode           `json:"mode"`
}

// Predict blends active members over x. Members whose Predict fails are
// excluded for this request and the survivors renormalized; the error
// is only fatal when no member is left.
func (c *Combiner) Predict(x []float64) (*Prediction, error) {
	members := make([]Member, len(c.Members))
	copy(members, c.Members)

	outputs := make([][]float64, len(members))
	for i := range members {
		if members[i].Status.State != StateActive {
			continue
		}
		if c.Models[i] == nil {
			members[i].Status = Excluded(ReasonDeactivated)
			continue
		}
		out, err := c.Models[i].Predict(x)
		if err != nil || len(out) != c.OutDim {
			log.Warn().Str("member", members[i].Name).Err(err).Msg("member prediction failed, excluding for request")
			members[i].Status = Excluded(ReasonPredictFailure)
			continue
		}
		outputs[i] = out
	}

	members, err := Renormalize(members)
	if err != nil {
		return nil, err
	}

	pred := &Prediction{Output: make([]float64, c.OutDim), Mode: c.Mode}
	for i, m := range members {
		if m.Status.State != StateActive {
			if m.Status.Reason != "" && c.Members[i].Status.State == StateActive {
				pred.Excluded = append(pred.Excluded, m)
			}
			continue
		}
		for d := 0; d < c.OutDim; d++ {
			pred.Output[d] += m.Status.Weight * outputs[i][d]
		}
		pred.Members = append(pred.Members, Contribution{Name: m.Name, Weight: m.Status.Weight, Output: outputs[i]})
	}

	// Agreement spread: weighted mean squared distance from the blend.
	spread := 0.0
	for i, m := range members {
		if m.Status.State != StateActive {
			continue
		}
		d2 := 0.0
		for d := 0; d < c.OutDim; d++ {
			diff := outputs[i][d] - pred.Output[d]
			d2 += diff * diff
		}
		spread += m.Status.Weight * d2
	}
	pred.Confidence = 1.0 / (1.0 + math.Sqrt(spread))

	if len(c.Classes) > 0 {
		pred.Class = c.Classes[model.Argmax(pred.Output)]
	}
	return pred, nil
}

// Deactivate permanently excludes a member and renormalizes the stored
// weights. Used by operators to pull a misbehaving base model.
func (c *Combiner) Deactivate(name string) error {
	members, err := Exclude(c.Members, name, ReasonDeactivated)
	if err != nil {
		return err
	}
	c.Members = members
	return nil
}
