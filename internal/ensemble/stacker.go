package ensemble

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// Mode records how the combination weights were obtained.
type Mode string

const (
	ModeStacked     Mode = "stacked"
	ModeEqualWeight Mode = "equal_weight"
)

// MinStackingRows is the smallest training set the meta-learner will
// fit on; below it the stacker degrades to equal weights.
const MinStackingRows = 20

// Candidate is one base learner offered to the stacker: a name and a
// factory that trains a fresh instance on a row subset.
type Candidate struct {
	Name string
	Kind string
	Fit  FitFunc
}

// StackResult is the trained combination: fully trained base models plus
// the member table holding their weights. OOFBlend is the weighted
// held-out prediction per training row, the honest quality signal the
// trainer gates specialists on; nil in equal-weight mode.
type StackResult struct {
	Members  []Member
	Models   []model.Model
	Mode     Mode
	OOFLoss  float64
	OOFBlend [][]float64
}

// Stacker trains candidates on the full data, builds out-of-fold
// prediction caches, and fits non-negative combination weights on them.
type Stacker struct {
	Folds  *FoldManager
	OutDim int
}

func NewStacker(outDim int, seed int64) *Stacker {
	return &Stacker{Folds: NewFoldManager(5, seed), OutDim: outDim}
}

// Stack produces the served combination for one (target, segment) pair.
// Candidates whose training fails are excluded with a reason rather
// than aborting the whole combination; the stack only fails when no
// candidate survives.
func (s *Stacker) Stack(X [][]float64, y []float64, targets [][]float64, cands []Candidate) (*StackResult, error) {
	if len(X) == 0 || len(cands) == 0 {
		return nil, fmt.Errorf("stack: empty data or candidate list")
	}

	members := make([]Member, 0, len(cands))
	models := make([]model.Model, 0, len(cands))
	oofs := make([][][]float64, 0, len(cands))

	allRows := make([]int, len(X))
	for i := range allRows {
		allRows[i] = i
	}

	for _, c := range cands {
		m, err := c.Fit(allRows, X, y)
		if err != nil {
			log.Warn().Str("candidate", c.Name).Err(err).Msg("candidate training failed, excluding")
			members = append(members, Member{Name: c.Name, Kind: c.Kind, Status: Excluded(ReasonTrainingFailure)})
			models = append(models, nil)
			oofs = append(oofs, nil)
			continue
		}

		oof, err := s.Folds.OutOfFold(X, y, s.OutDim, c.Fit)
		if err != nil {
			log.Warn().Str("candidate", c.Name).Err(err).Msg("out-of-fold cache failed, excluding")
			members = append(members, Member{Name: c.Name, Kind: c.Kind, Status: Excluded(ReasonFailedValidation)})
			models = append(models, nil)
			oofs = append(oofs, nil)
			continue
		}

		members = append(members, Member{Name: c.Name, Kind: c.Kind, Status: Active(0)})
		models = append(models, m)
		oofs = append(oofs, oof)
	}

	activeIdx := make([]int, 0, len(members))
	for i, m := range members {
		if m.Status.State == StateActive {
			activeIdx = append(activeIdx, i)
		}
	}
	if len(activeIdx) == 0 {
		return nil, ErrNoActiveMembers
	}

	res := &StackResult{Members: members, Models: models}

	if len(X) < MinStackingRows {
		// Not enough rows for a trustworthy meta-fit: equal weights,
		// recorded so callers can tell degraded combinations apart.
		w := 1.0 / float64(len(activeIdx))
		for _, i := range activeIdx {
			members[i].Status = Active(w)
		}
		res.Mode = ModeEqualWeight
		log.Warn().Int("rows", len(X)).Int("members", len(activeIdx)).Msg("insufficient stacking rows, equal weights")
		return res, nil
	}

	// Flatten every output dimension into one regression problem so a
	// scalar regressor and a class-distribution classifier share the
	// same weight fit.
	truth := targets
	if truth == nil {
		truth = make([][]float64, len(y))
		for i, v := range y {
			truth[i] = []float64{v}
		}
	}

	n := len(X) * s.OutDim
	A := make([][]float64, n)
	b := make([]float64, n)
	row := 0
	for i := 0; i < len(X); i++ {
		for d := 0; d < s.OutDim; d++ {
			A[row] = make([]float64, len(activeIdx))
			for j, ci := range activeIdx {
				A[row][j] = oofs[ci][i][d]
			}
			b[row] = truth[i][d]
			row++
		}
	}

	weights, loss := nnls(A, b, 500)
	res.OOFLoss = loss

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		// Degenerate fit (all-zero weights). Fall back to equal weights.
		w := 1.0 / float64(len(activeIdx))
		for _, i := range activeIdx {
			members[i].Status = Active(w)
		}
		res.Mode = ModeEqualWeight
		log.Warn().Msg("meta-fit produced zero weights, equal weights")
		return res, nil
	}
	for j, i := range activeIdx {
		members[i].Status = Active(weights[j] / total)
	}
	res.Mode = ModeStacked

	res.OOFBlend = make([][]float64, len(X))
	for i := 0; i < len(X); i++ {
		blend := make([]float64, s.OutDim)
		for j, ci := range activeIdx {
			for d := 0; d < s.OutDim; d++ {
				blend[d] += weights[j] / total * oofs[ci][i][d]
			}
		}
		res.OOFBlend[i] = blend
	}

	if err := CheckWeightInvariant(members); err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	return res, nil
}

// nnls minimizes ||Aw - b||^2 subject to w >= 0 by projected gradient
// descent. Returns the weights and the final squared loss per row.
func nnls(A [][]float64, b []float64, iters int) ([]float64, float64) {
	n := len(A)
	if n == 0 {
		return nil, 0
	}
	p := len(A[0])
	w := make([]float64, p)
	for j := range w {
		w[j] = 1.0 / float64(p)
	}

	// Lipschitz-ish step from the column norms.
	norm := 0.0
	for i := range A {
		for j := range A[i] {
			norm += A[i][j] * A[i][j]
		}
	}
	if norm == 0 {
		return w, 0
	}
	step := float64(n) / (2 * norm)

	grad := make([]float64, p)
	for it := 0; it < iters; it++ {
		for j := range grad {
			grad[j] = 0
		}
		for i := range A {
			pred := 0.0
			for j := range w {
				pred += A[i][j] * w[j]
			}
			r := pred - b[i]
			for j := range w {
				grad[j] += 2 * r * A[i][j] / float64(n)
			}
		}
		moved := 0.0
		for j := range w {
			next := w[j] - step*grad[j]
			if next < 0 {
				next = 0
			}
			moved += math.Abs(next - w[j])
			w[j] = next
		}
		if moved < 1e-12 {
			break
		}
	}

	loss := 0.0
	for i := range A {
		pred := 0.0
		for j := range w {
			pred += A[i][j] * w[j]
		}
		loss += (pred - b[i]) * (pred - b[i])
	}
	return w, loss / float64(n)
}
