package trainer

import (
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// candidates builds the base-learner pool for one scope. idx maps the
// scope's local rows back to dataset rows so the multi-task candidate
// can slice its auxiliary targets during fold training.
func (t *Trainer) candidates(ds *features.Dataset, view *features.TargetView, target string, idx []int, seed int64) []ensemble.Candidate {
	if target == features.TargetBrand {
		return []ensemble.Candidate{
			softmaxCandidate("softmax", len(view.Classes), seed, 1e-4),
			softmaxCandidate("softmax-l2", len(view.Classes), seed+1, 1e-2),
		}
	}

	aux := t.auxTasks(ds, target)
	return []ensemble.Candidate{
		multitaskCandidate(aux, idx, seed, t.cfg.AuxWeight),
		{Name: "random_forest", Kind: "random_forest", Fit: func(_ []int, X [][]float64, y []float64) (model.Model, error) {
			m := model.NewRandomForest(50, seed)
			return m, m.Fit(X, y)
		}},
		{Name: "gradient_boost", Kind: "gradient_boost", Fit: func(_ []int, X [][]float64, y []float64) (model.Model, error) {
			m := model.NewGradientBoost(100, 0.1)
			return m, m.Fit(X, y)
		}},
		{Name: "knn", Kind: "knn", Fit: func(_ []int, X [][]float64, y []float64) (model.Model, error) {
			m := model.NewKNN(5)
			return m, m.Fit(X, y)
		}},
		{Name: "ridge", Kind: "ridge", Fit: func(_ []int, X [][]float64, y []float64) (model.Model, error) {
			m := model.NewRidge(1.0)
			return m, m.Fit(X, y)
		}},
	}
}

func softmaxCandidate(name string, classes int, seed int64, l2 float64) ensemble.Candidate {
	return ensemble.Candidate{Name: name, Kind: "softmax", Fit: func(_ []int, X [][]float64, y []float64) (model.Model, error) {
		labels := make([]int, len(y))
		for i, v := range y {
			labels[i] = int(v)
		}
		m := model.NewSoftmax(classes, seed)
		m.L2 = l2
		return m, m.Fit(X, labels)
	}}
}

// multitaskCandidate wires the per-segment specialist into the stacker.
// The fit closure receives scope-local row numbers and translates them
// through idx to pick the matching auxiliary labels and values.
func multitaskCandidate(aux []model.AuxTask, idx []int, seed int64, weight float64) ensemble.Candidate {
	return ensemble.Candidate{Name: "multitask", Kind: "multitask", Fit: func(rows []int, X [][]float64, y []float64) (model.Model, error) {
		sub := make([]model.AuxTask, len(aux))
		for k, task := range aux {
			s := model.AuxTask{Name: task.Name, Weight: weight, Classes: task.Classes}
			for _, r := range rows {
				g := idx[r]
				if task.Classes > 0 {
					s.Labels = append(s.Labels, task.Labels[g])
				} else {
					s.Values = append(s.Values, task.Values[g])
				}
			}
			sub[k] = s
		}
		m := model.NewMultiTask(16, seed)
		return m, m.Fit(X, y, sub)
	}}
}

// auxTasks assembles the auxiliary objectives for a numeric target: the
// other numeric attributes as regression heads plus the brand labels as
// a classification head. Slices are dataset-length; the candidate
// subsets them per fold.
func (t *Trainer) auxTasks(ds *features.Dataset, target string) []model.AuxTask {
	var tasks []model.AuxTask

	for _, other := range features.NumericTargets {
		if other == target {
			continue
		}
		values, ok := numericColumn(ds, other)
		if ok {
			tasks = append(tasks, model.AuxTask{Name: other, Classes: 0, Values: values})
		}
	}

	if brand, ok := brandLabels(ds); ok {
		tasks = append(tasks, brand)
	}
	return tasks
}

// numericColumn extracts one attribute as a dense dataset-length slice.
// Columns with missing cells are skipped rather than silently imputed;
// a sparse auxiliary target would just add label noise.
func numericColumn(ds *features.Dataset, name string) ([]float64, bool) {
	if name == features.TargetPrice {
		return ds.Price, true
	}
	values := make([]float64, ds.Len())
	for i, row := range ds.Rows {
		switch v := row[name].(type) {
		case float64:
			values[i] = v
		default:
			return nil, false
		}
	}
	return values, true
}

func brandLabels(ds *features.Dataset) (model.AuxTask, bool) {
	spec, ok := ds.Schema.Field("company")
	if !ok || spec.Kind != features.Categorical {
		return model.AuxTask{}, false
	}
	classes := len(spec.Levels) + 1 // trailing unseen slot
	labels := make([]int, ds.Len())
	for i, row := range ds.Rows {
		label, _ := row["company"].(string)
		labels[i] = classes - 1
		for c, level := range spec.Levels {
			if level == label {
				labels[i] = c
				break
			}
		}
	}
	return model.AuxTask{Name: "brand", Classes: classes, Labels: labels}, true
}
