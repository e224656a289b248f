package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/explain"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
)

// ExplainRequest asks for one explanation of one input. Method selects
// the technique; the remaining fields are method-specific.
type ExplainRequest struct {
	Target string `json:"target"`
	// PredictionID references a logged prediction; its recorded input
	// becomes the explained vector. Features may be passed instead for
	// ad-hoc inputs.
	PredictionID string                 `json:"prediction_id,omitempty"`
	Features     map[string]interface{} `json:"features,omitempty"`
	// Method is shapley, pdp, levels or counterfactual.
	Method string `json:"method"`
	// OutClass selects the explained output slot for brand; empty means
	// the predicted class for shapley and slot 0 otherwise.
	OutClass string `json:"out_class,omitempty"`

	// pdp / levels
	Field   string `json:"field,omitempty"`
	Points  int    `json:"points,omitempty"`
	WithICE bool   `json:"with_ice,omitempty"`

	// counterfactual
	Goal          *explain.Goal      `json:"goal,omitempty"`
	MaxIterations int                `json:"max_iterations,omitempty"`
	Costs         map[string]float64 `json:"costs,omitempty"`
	Frozen        []string           `json:"frozen,omitempty"`
}

// ExplainResponse carries whichever result the method produced.
type ExplainResponse struct {
	Target         string                  `json:"target"`
	PredictionID   string                  `json:"prediction_id,omitempty"`
	Method         string                  `json:"method"`
	Output         []float64               `json:"output"`
	Attributions   []explain.Attribution   `json:"attributions,omitempty"`
	Curve          *explain.Curve          `json:"curve,omitempty"`
	LevelCurve     *explain.LevelCurve     `json:"level_curve,omitempty"`
	Counterfactual *explain.Counterfactual `json:"counterfactual,omitempty"`
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ExplainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	st, ok := s.states.get(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown target %q", req.Target))
		return
	}

	input := req.Features
	if req.PredictionID != "" {
		rec, err := s.store.GetPrediction(req.Target, req.PredictionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("prediction %q not found", req.PredictionID))
			return
		}
		input = rec.Input
	}

	vec, err := features.Parse(st.schema, input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Explanations run against the routed serving surface, so the
	// answer describes exactly what /predict would do for each probe.
	predictFn := func(x []float64) ([]float64, error) {
		ens, _, _, err := st.route(x)
		if err != nil {
			return nil, err
		}
		p, err := ens.combiner.Predict(x)
		if err != nil {
			return nil, err
		}
		return p.Output, nil
	}

	ex, err := explain.New(predictFn, st.schema, st.background, s.samples, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out, err := predictFn(vec.Encode())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	outIdx, err := s.outputIndex(st, req.OutClass, out)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := ExplainResponse{Target: req.Target, PredictionID: req.PredictionID, Method: req.Method, Output: out}
	switch req.Method {
	case "shapley":
		resp.Attributions, err = ex.Shapley(vec, outIdx)
	case "pdp":
		resp.Curve, err = ex.PartialDependence(req.Field, req.Points, outIdx, req.WithICE)
	case "levels":
		resp.LevelCurve, err = ex.LevelDependence(req.Field, outIdx)
	case "counterfactual":
		if req.Goal == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("counterfactual needs a goal"))
			return
		}
		resp.Counterfactual, err = ex.Counterfactual(vec, *req.Goal, st.classes, explain.CFConfig{
			MaxIterations: req.MaxIterations,
			Costs:         req.Costs,
			Frozen:        req.Frozen,
			Seed:          1,
		})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown method %q", req.Method))
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, explain.ErrNoCounterfactual) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}

	s.met.ExplainRequests.Inc()
	writeJSON(w, http.StatusOK, resp)
}

// outputIndex resolves which output slot an explanation talks about:
// slot 0 for regression, a named class or the argmax for brand.
func (s *Server) outputIndex(st *targetState, outClass string, out []float64) (int, error) {
	if len(st.classes) == 0 {
		return 0, nil
	}
	if outClass == "" {
		best, bestIdx := out[0], 0
		for i, v := range out {
			if v > best {
				best, bestIdx = v, i
			}
		}
		return bestIdx, nil
	}
	for i, c := range st.classes {
		if c == outClass {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown class %q", outClass)
}
