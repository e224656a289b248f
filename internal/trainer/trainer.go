// Package trainer runs the full training pipeline for one dataset:
// learn segmentation rules, train a specialist ensemble per segment
// with a global fallback, validate each specialist against its
// out-of-fold predictions and publish the survivors to the registry.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/segment"
)

// Fallback reasons recorded when a segment serves the global ensemble
// instead of its own specialist.
const (
	FallbackInsufficientRows = "insufficient_rows"
	FallbackFailedValidation = "failed_validation"
	FallbackTrainingFailure  = "training_failure"
	FallbackLockHeld         = "lock_held"
)

// Config controls the pipeline. Zero values pick the defaults.
type Config struct {
	Segments segment.Config `yaml:"segments"`

	// MinSegmentRows is the smallest segment that gets its own
	// specialist; smaller segments fall back to the global ensemble.
	MinSegmentRows int `yaml:"minSegmentRows"`
	// MinR2 gates regression specialists on out-of-fold R-squared.
	MinR2 float64 `yaml:"minR2"`
	// MinAccuracy gates the brand specialists.
	MinAccuracy float64 `yaml:"minAccuracy"`
	// AuxWeight is the loss weight given to each auxiliary head of the
	// multi-task specialist; the model clamps it to its own cap.
	AuxWeight float64 `yaml:"auxWeight"`

	Parallelism int   `yaml:"parallelism"`
	Seed        int64 `yaml:"seed"`
}

func (c Config) withDefaults() Config {
	if c.Segments.Segments == 0 {
		c.Segments.Segments = 4
	}
	if c.MinSegmentRows == 0 {
		c.MinSegmentRows = 30
	}
	if c.MinR2 == 0 {
		c.MinR2 = 0.2
	}
	if c.MinAccuracy == 0 {
		c.MinAccuracy = 0.5
	}
	if c.AuxWeight == 0 {
		c.AuxWeight = 0.2
	}
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}
	return c
}

// SegmentReport is the training outcome for one registry key.
type SegmentReport struct {
	SegmentID int           `json:"segment_id"`
	Rows      int           `json:"rows"`
	Published bool          `json:"published"`
	Version   uint64        `json:"version,omitempty"`
	Metric    float64       `json:"metric"`
	Mode      ensemble.Mode `json:"mode,omitempty"`
	Fallback  string        `json:"fallback_reason,omitempty"`
}

// Report is the outcome of training one target end to end.
type Report struct {
	Target       string          `json:"target"`
	Fingerprint  string          `json:"fingerprint"`
	RulesVersion uint64          `json:"rules_version"`
	Global       SegmentReport   `json:"global"`
	Segments     []SegmentReport `json:"segments"`
	Duration     time.Duration   `json:"duration"`
}

// Trainer owns a registry handle and runs training jobs against it.
type Trainer struct {
	cfg Config
	reg *registry.Registry
}

func New(cfg Config, reg *registry.Registry) *Trainer {
	return &Trainer{cfg: cfg.withDefaults(), reg: reg}
}

// TrainAll trains every target of the dataset.
func (t *Trainer) TrainAll(ctx context.Context, ds *features.Dataset) ([]*Report, error) {
	targets := append(append([]string{}, features.NumericTargets...), features.TargetBrand)
	reports := make([]*Report, len(targets))
	for i, target := range targets {
		rep, err := t.TrainTarget(ctx, ds, target)
		if err != nil {
			return reports, fmt.Errorf("train %s: %w", target, err)
		}
		reports[i] = rep
	}
	return reports, nil
}

// TrainTarget runs the pipeline for one target: segmentation rules,
// the global fallback ensemble, then one specialist per segment in
// parallel.
func (t *Trainer) TrainTarget(ctx context.Context, ds *features.Dataset, target string) (*Report, error) {
	start := time.Now()
	view, err := ds.ForTarget(target)
	if err != nil {
		return nil, err
	}
	X := view.Matrix()
	y, truth, outDim := t.stackingTargets(view)

	rules, rulesVersion, err := t.learnRules(target, X, y)
	if err != nil {
		return nil, err
	}

	groups := make(map[int][]int)
	for i := range X {
		sid, err := rules.AssignTraining(X[i], y[i])
		if err != nil {
			return nil, fmt.Errorf("assign row %d: %w", i, err)
		}
		groups[sid] = append(groups[sid], i)
	}

	rep := &Report{Target: target, Fingerprint: ds.Fingerprint, RulesVersion: rulesVersion}

	// Global fallback first: segments that fail validation need it in
	// place before they are reported as falling back.
	allRows := make([]int, len(X))
	for i := range allRows {
		allRows[i] = i
	}
	rep.Global = t.trainScope(ds, view, target, model.GlobalScope, allRows, X, y, truth, outDim)
	if !rep.Global.Published {
		return rep, fmt.Errorf("global ensemble for %s not published: %s", target, rep.Global.Fallback)
	}

	segIDs := make([]int, 0, len(groups))
	for sid := range groups {
		if sid != segment.Overflow {
			segIDs = append(segIDs, sid)
		}
	}
	reports := make([]SegmentReport, len(segIDs))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Parallelism)
	for i, sid := range segIDs {
		i, sid := i, sid
		g.Go(func() error {
			idx := groups[sid]
			segX := make([][]float64, len(idx))
			segY := make([]float64, len(idx))
			var segTruth [][]float64
			if truth != nil {
				segTruth = make([][]float64, len(idx))
			}
			for j, r := range idx {
				segX[j] = X[r]
				segY[j] = y[r]
				if truth != nil {
					segTruth[j] = truth[r]
				}
			}
			reports[i] = t.trainScope(ds, view, target, sid, idx, segX, segY, segTruth, outDim)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Segments = reports
	rep.Duration = time.Since(start)

	log.Info().
		Str("target", target).
		Int("segments", len(segIDs)).
		Dur("took", rep.Duration).
		Msg("target trained")
	return rep, nil
}

// trainScope trains, validates and publishes one (target, segment)
// ensemble. Failures are recorded as fallbacks, never returned: the
// segment simply serves the global model until the next run.
func (t *Trainer) trainScope(ds *features.Dataset, view *features.TargetView, target string, sid int, idx []int, X [][]float64, y []float64, truth [][]float64, outDim int) SegmentReport {
	rep := SegmentReport{SegmentID: sid, Rows: len(X)}

	if sid != model.GlobalScope && len(X) < t.cfg.MinSegmentRows {
		rep.Fallback = FallbackInsufficientRows
		log.Info().Str("target", target).Int("segment", sid).Int("rows", len(X)).Msg("segment too small, serving global")
		return rep
	}

	key := registry.Key{Target: target, SegmentID: sid}
	if err := t.reg.Lock(key); err != nil {
		if errors.Is(err, registry.ErrLockHeld) {
			rep.Fallback = FallbackLockHeld
			return rep
		}
		rep.Fallback = FallbackTrainingFailure
		return rep
	}
	defer t.reg.Unlock(key)

	seed := t.cfg.Seed + int64(sid)*1000
	stacker := ensemble.NewStacker(outDim, seed)
	res, err := stacker.Stack(X, y, truth, t.candidates(ds, view, target, idx, seed))
	if err != nil {
		rep.Fallback = FallbackTrainingFailure
		log.Warn().Str("target", target).Int("segment", sid).Err(err).Msg("ensemble training failed")
		return rep
	}
	rep.Mode = res.Mode
	rep.Metric = t.metric(view, res, y)

	if sid != model.GlobalScope && !t.passes(view.Target, rep.Metric, res.Mode) {
		rep.Fallback = FallbackFailedValidation
		log.Warn().
			Str("target", target).
			Int("segment", sid).
			Float64("metric", rep.Metric).
			Msg("specialist failed validation, serving global")
		return rep
	}

	spec, err := ensemble.NewSpec(res, outDim, view.Classes)
	if err != nil {
		rep.Fallback = FallbackTrainingFailure
		return rep
	}
	version, err := t.reg.Publish(key, "ensemble", ds.Fingerprint, RulesRef(target), spec)
	if err != nil {
		rep.Fallback = FallbackTrainingFailure
		log.Error().Str("key", key.String()).Err(err).Msg("publish failed")
		return rep
	}
	rep.Published = true
	rep.Version = version
	return rep
}

// learnRules fits and publishes one segmentation rule version.
func (t *Trainer) learnRules(target string, X [][]float64, y []float64) (*segment.Rules, uint64, error) {
	cfg := t.cfg.Segments
	cfg.Seed = t.cfg.Seed
	if target == features.TargetBrand {
		// Class indices are not residuals; cluster on features alone.
		cfg.ResidualWeight = 0
	}
	rules, err := segment.Learn(cfg, target, X, y)
	if err != nil {
		return nil, 0, fmt.Errorf("learn segmentation: %w", err)
	}

	key := registry.Key{Target: RulesRef(target), SegmentID: model.GlobalScope}
	if err := t.reg.Lock(key); err != nil {
		return nil, 0, err
	}
	defer t.reg.Unlock(key)
	version, err := t.reg.Publish(key, "segmentation", "", "", rules)
	if err != nil {
		return nil, 0, err
	}
	rules.Version = int(version)
	return rules, version, nil
}

// stackingTargets flattens the view into the stacker's inputs: y feeds
// the fit closures, truth the weight fit. Brand rows become class
// indices with one-hot truth.
func (t *Trainer) stackingTargets(view *features.TargetView) ([]float64, [][]float64, int) {
	if view.Target != features.TargetBrand {
		return view.Y, nil, 1
	}
	y := make([]float64, len(view.Labels))
	truth := make([][]float64, len(view.Labels))
	for i, label := range view.Labels {
		ci := view.ClassIndex(label)
		y[i] = float64(ci)
		truth[i] = make([]float64, len(view.Classes))
		truth[i][ci] = 1
	}
	return y, truth, len(view.Classes)
}

func (t *Trainer) metric(view *features.TargetView, res *ensemble.StackResult, y []float64) float64 {
	if res.OOFBlend == nil {
		return 0
	}
	if view.Target != features.TargetBrand {
		pred := make([]float64, len(res.OOFBlend))
		for i, row := range res.OOFBlend {
			pred[i] = row[0]
		}
		return model.RSquared(pred, y)
	}
	labels := make([]int, len(y))
	for i, v := range y {
		labels[i] = int(v)
	}
	return model.Accuracy(res.OOFBlend, labels)
}

func (t *Trainer) passes(target string, metric float64, mode ensemble.Mode) bool {
	if mode != ensemble.ModeStacked {
		return false
	}
	if target == features.TargetBrand {
		return metric >= t.cfg.MinAccuracy
	}
	return metric >= t.cfg.MinR2
}

// RulesRef is the registry key name carrying a target's segmentation
// rules; the serving side resolves rules through the same name.
func RulesRef(target string) string {
	return target + ".segmentation"
}
