// Package distill compresses a served ensemble into a single compact
// student model. Students train on a blend of the ensemble's softened
// outputs and the ground truth; a candidate student is only accepted
// when its metric on held-out rows stays within epsilon of the
// ensemble it replaces.
package distill

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// Size classes of the regression student.
const (
	SizeSmall  = "small"  // ridge, a handful of coefficients
	SizeMedium = "medium" // shallow boosted trees
)

// minRows is the smallest dataset that still leaves a usable holdout.
const minRows = 10

// Config controls distillation.
type Config struct {
	// Temperature softens the teacher's signal before blending: class
	// distributions are flattened, regression outputs have their
	// deviation from the truth damped. 1 leaves the teacher unchanged.
	Temperature float64 `yaml:"temperature"`
	// Alpha weights agreement with the softened teacher against
	// agreement with the ground truth in the training target. 1 trains
	// on the teacher alone, 0 on the raw labels.
	Alpha float64 `yaml:"alpha"`
	// Epsilon is the largest metric degradation (teacher minus student)
	// an accepted student may show on the held-out rows.
	Epsilon float64 `yaml:"epsilon"`
	// Holdout is the fraction of rows reserved for the acceptance
	// verdict; the student never trains on them.
	Holdout   float64 `yaml:"holdout"`
	SizeClass string  `yaml:"sizeClass"`
	Seed      int64   `yaml:"seed"`
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = 2
	}
	if c.Alpha == 0 {
		c.Alpha = 0.7
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.02
	}
	if c.Holdout == 0 {
		c.Holdout = 0.25
	}
	if c.SizeClass == "" {
		c.SizeClass = SizeSmall
	}
	return c
}

// Result is one distillation attempt. Accepted is the epsilon verdict;
// a rejected student is still returned for inspection.
type Result struct {
	Student       model.Model `json:"-"`
	SizeClass     string      `json:"size_class"`
	TeacherMetric float64     `json:"teacher_metric"`
	StudentMetric float64     `json:"student_metric"`
	Degradation   float64     `json:"degradation"`
	Accepted      bool        `json:"accepted"`
}

// Regress distills a regression ensemble. teacherPreds are the
// ensemble's outputs on X; y is the ground truth. The student fits
// alpha-blended targets on a training split, and both sides are scored
// against y on the held-out rows.
func Regress(cfg Config, X [][]float64, y []float64, teacherPreds []float64) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(X) == 0 || len(X) != len(y) || len(y) != len(teacherPreds) {
		return nil, fmt.Errorf("distill: inconsistent inputs: %d rows, %d truths, %d teacher outputs", len(X), len(y), len(teacherPreds))
	}
	if len(X) < minRows {
		return nil, fmt.Errorf("distill: %d rows, need at least %d for a validation holdout", len(X), minRows)
	}

	// Training target: ground truth plus the teacher's deviation from
	// it, damped by temperature and weighted by alpha.
	target := make([]float64, len(y))
	for i := range y {
		soft := y[i] + (teacherPreds[i]-y[i])/cfg.Temperature
		target[i] = cfg.Alpha*soft + (1-cfg.Alpha)*y[i]
	}

	trainIdx, valIdx := splitRows(len(X), cfg.Holdout, cfg.Seed)
	trainX := gatherRows(X, trainIdx)
	trainT := gatherVals(target, trainIdx)

	var student model.Model
	switch cfg.SizeClass {
	case SizeSmall:
		r := model.NewRidge(1.0)
		if err := r.Fit(trainX, trainT); err != nil {
			return nil, fmt.Errorf("distill: %w", err)
		}
		student = r
	case SizeMedium:
		g := model.NewGradientBoost(30, 0.15)
		if err := g.Fit(trainX, trainT); err != nil {
			return nil, fmt.Errorf("distill: %w", err)
		}
		student = g
	default:
		return nil, fmt.Errorf("distill: unknown size class %q", cfg.SizeClass)
	}

	studentVal := make([]float64, len(valIdx))
	for i, row := range valIdx {
		p, err := student.Predict(X[row])
		if err != nil {
			return nil, fmt.Errorf("distill: student predict row %d: %w", row, err)
		}
		studentVal[i] = p[0]
	}

	valY := gatherVals(y, valIdx)
	res := &Result{
		Student:       student,
		SizeClass:     cfg.SizeClass,
		TeacherMetric: model.RSquared(gatherVals(teacherPreds, valIdx), valY),
		StudentMetric: model.RSquared(studentVal, valY),
	}
	res.Degradation = res.TeacherMetric - res.StudentMetric
	res.Accepted = res.Degradation <= cfg.Epsilon
	logVerdict(res)
	return res, nil
}

// Classify distills a brand ensemble into a single softmax. The
// student fits a blend of the teacher's temperature-softened
// distributions and the one-hot labels on a training split, and both
// sides are judged on held-out hard-label accuracy.
func Classify(cfg Config, X [][]float64, labels []int, teacherProbs [][]float64, classes int) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(X) == 0 || len(X) != len(labels) || len(labels) != len(teacherProbs) {
		return nil, fmt.Errorf("distill: inconsistent inputs: %d rows, %d labels, %d teacher outputs", len(X), len(labels), len(teacherProbs))
	}
	if len(X) < minRows {
		return nil, fmt.Errorf("distill: %d rows, need at least %d for a validation holdout", len(X), minRows)
	}

	target := make([][]float64, len(teacherProbs))
	for i, p := range teacherProbs {
		soft := soften(p, cfg.Temperature)
		dist := make([]float64, classes)
		for c := range dist {
			dist[c] = cfg.Alpha * soft[c]
		}
		dist[labels[i]] += 1 - cfg.Alpha
		target[i] = dist
	}

	trainIdx, valIdx := splitRows(len(X), cfg.Holdout, cfg.Seed)
	trainX := gatherRows(X, trainIdx)
	trainT := make([][]float64, len(trainIdx))
	for i, row := range trainIdx {
		trainT[i] = target[row]
	}

	student := model.NewSoftmax(classes, cfg.Seed)
	if err := student.FitSoft(trainX, trainT); err != nil {
		return nil, fmt.Errorf("distill: %w", err)
	}

	studentVal := make([][]float64, len(valIdx))
	teacherVal := make([][]float64, len(valIdx))
	valLabels := make([]int, len(valIdx))
	for i, row := range valIdx {
		p, err := student.Predict(X[row])
		if err != nil {
			return nil, fmt.Errorf("distill: student predict row %d: %w", row, err)
		}
		studentVal[i] = p
		teacherVal[i] = teacherProbs[row]
		valLabels[i] = labels[row]
	}

	res := &Result{
		Student:       student,
		SizeClass:     SizeSmall,
		TeacherMetric: model.Accuracy(teacherVal, valLabels),
		StudentMetric: model.Accuracy(studentVal, valLabels),
	}
	res.Degradation = res.TeacherMetric - res.StudentMetric
	res.Accepted = res.Degradation <= cfg.Epsilon
	logVerdict(res)
	return res, nil
}

// splitRows shuffles row indices and carves off the validation tail.
func splitRows(n int, holdout float64, seed int64) (train, val []int) {
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	cut := n - int(math.Round(float64(n)*holdout))
	if cut < 1 {
		cut = 1
	}
	if cut >= n {
		cut = n - 1
	}
	return idx[:cut], idx[cut:]
}

func gatherRows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, row := range idx {
		out[i] = X[row]
	}
	return out
}

func gatherVals(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, row := range idx {
		out[i] = v[row]
	}
	return out
}

// soften raises a distribution to 1/T and renormalizes, flattening it
// so the student sees the teacher's relative class preferences instead
// of near-one-hot spikes.
func soften(p []float64, temperature float64) []float64 {
	out := make([]float64, len(p))
	sum := 0.0
	for i, v := range p {
		out[i] = math.Pow(math.Max(v, 1e-12), 1/temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logVerdict(res *Result) {
	ev := log.Info()
	if !res.Accepted {
		ev = log.Warn()
	}
	ev.
		Str("size_class", res.SizeClass).
		Float64("teacher", res.TeacherMetric).
		Float64("student", res.StudentMetric).
		Float64("degradation", res.Degradation).
		Bool("accepted", res.Accepted).
		Msg("distillation evaluated")
}
