// Package segment assigns device records to market segments. A simple
// global ridge baseline scores every record first; clustering then runs
// over the standardized features augmented with the baseline residual,
// so records the baseline fits poorly in similar ways land in the same
// segment and get their own specialist. Rule versions are immutable:
// changing any part of the clustering requires publishing a new version
// and retraining the specialists downstream.
package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
)

// Overflow is the reserved segment for records farther than the rule
// radius from every centroid. Overflow traffic is served by the global
// model so atypical records never contaminate a specialist.
const Overflow = -1

var ErrNotLearned = errors.New("segmentation rules not learned")

// Config controls rule learning.
type Config struct {
	Segments int     `yaml:"segments"`
	Seed     int64   `yaml:"seed"`
	MaxIter  int     `yaml:"maxIter"`
	// Radius is the overflow distance in the augmented space. Zero means
	// derive it from the training distribution (95th percentile).
	Radius float64 `yaml:"radius"`
	// ResidualWeight scales the residual dimension relative to the
	// standardized raw features.
	ResidualWeight float64 `yaml:"residualWeight"`
}

// Segment is the published description of one cluster.
type Segment struct {
	ID       int       `json:"id"`
	Size     int       `json:"size"`
	Centroid []float64 `json:"centroid"`
}

// Rules is one immutable segmentation rule version. Assign is a pure
// function of the encoded vector and this struct; republishing the same
// inputs yields the same version content.
type Rules struct {
	Version        int         `json:"version"`
	Target         string      `json:"target"`
	Baseline       *model.Ridge `json:"baseline"`
	XMean          []float64   `json:"x_mean"`
	XStd           []float64   `json:"x_std"`
	ResidualScale  float64     `json:"residual_scale"`
	ResidualWeight float64     `json:"residual_weight"`
	Centroids      [][]float64 `json:"centroids"`
	Radius         float64     `json:"radius"`
	Segments       []Segment   `json:"segments"`
}

// Learn fits a rule version from the encoded training matrix and the
// baseline target. The version number is assigned by the registry at
// publish time; Learn leaves it zero.
func Learn(cfg Config, target string, X [][]float64, y []float64) (*Rules, error) {
	if cfg.Segments < 2 {
		return nil, fmt.Errorf("segment learn: need at least 2 segments, got %d", cfg.Segments)
	}
	if len(X) != len(y) || len(X) == 0 {
		return nil, fmt.Errorf("segment learn: bad training set: %d rows, %d targets", len(X), len(y))
	}
	if cfg.ResidualWeight <= 0 {
		cfg.ResidualWeight = 1
	}

	baseline := model.NewRidge(1.0)
	if err := baseline.Fit(X, y); err != nil {
		return nil, fmt.Errorf("segment learn: baseline: %w", err)
	}

	r := &Rules{
		Target:         target,
		Baseline:       baseline,
		ResidualWeight: cfg.ResidualWeight,
	}
	r.fitStandardizer(X)

	residuals := make([]float64, len(X))
	for i, x := range X {
		p, err := baseline.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("segment learn: baseline predict: %w", err)
		}
		residuals[i] = y[i] - p[0]
	}
	r.ResidualScale = stddev(residuals)
	if r.ResidualScale == 0 {
		r.ResidualScale = 1
	}

	rows := make([][]float64, len(X))
	for i, x := range X {
		rows[i] = r.augment(x, residuals[i])
	}

	centroids, err := kmeans(rows, cfg.Segments, cfg.Seed, cfg.MaxIter)
	if err != nil {
		return nil, fmt.Errorf("segment learn: %w", err)
	}
	r.Centroids = centroids

	dists := make([]float64, len(rows))
	sizes := make([]int, cfg.Segments)
	for i, row := range rows {
		c, d := nearest(centroids, row)
		dists[i] = d
		sizes[c]++
	}
	r.Radius = cfg.Radius
	if r.Radius <= 0 {
		r.Radius = percentile(dists, 0.95)
	}

	r.Segments = make([]Segment, cfg.Segments)
	for c := range centroids {
		r.Segments[c] = Segment{ID: c, Size: sizes[c], Centroid: centroids[c]}
	}

	log.Info().
		Str("target", target).
		Int("segments", cfg.Segments).
		Float64("radius", r.Radius).
		Msg("segmentation rules learned")

	return r, nil
}

// Assign maps an encoded vector to a segment id, or Overflow when the
// record is farther than the radius from every centroid. Pure and
// idempotent for a fixed rule version.
func (r *Rules) Assign(x []float64) (int, error) {
	if r == nil || len(r.Centroids) == 0 {
		return 0, ErrNotLearned
	}
	// Serving has no ground truth, so the residual dimension sits at its
	// expectation of zero; distance is dominated by the raw features.
	row := r.augment(x, 0)
	c, d := nearest(r.Centroids, row)
	if d > r.Radius {
		return Overflow, nil
	}
	return c, nil
}

// AssignVector is the boundary contract: validate-then-assign for a
// parsed feature vector.
func (r *Rules) AssignVector(v *features.Vector) (int, error) {
	return r.Assign(v.Encode())
}

// AssignTraining assigns a training record using its known target, so
// the residual dimension is populated and clusters form around shared
// baseline failure modes.
func (r *Rules) AssignTraining(x []float64, y float64) (int, error) {
	if r == nil || len(r.Centroids) == 0 {
		return 0, ErrNotLearned
	}
	p, err := r.Baseline.Predict(x)
	if err != nil {
		return 0, fmt.Errorf("segment assign: %w", err)
	}
	row := r.augment(x, y-p[0])
	c, d := nearest(r.Centroids, row)
	if d > r.Radius {
		return Overflow, nil
	}
	return c, nil
}

func (r *Rules) augment(x []float64, residual float64) []float64 {
	row := make([]float64, len(x)+1)
	for j, v := range x {
		row[j] = (v - r.XMean[j]) / r.XStd[j]
	}
	row[len(x)] = r.ResidualWeight * residual / r.ResidualScale
	return row
}

func (r *Rules) fitStandardizer(X [][]float64) {
	d := len(X[0])
	n := float64(len(X))
	r.XMean = make([]float64, d)
	r.XStd = make([]float64, d)
	for j := 0; j < d; j++ {
		for i := range X {
			r.XMean[j] += X[i][j]
		}
		r.XMean[j] /= n
		for i := range X {
			diff := X[i][j] - r.XMean[j]
			r.XStd[j] += diff * diff
		}
		r.XStd[j] = math.Sqrt(r.XStd[j] / n)
		if r.XStd[j] == 0 {
			r.XStd[j] = 1
		}
	}
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := 0.0
	for _, v := range xs {
		m += v
	}
	m /= float64(len(xs))
	s := 0.0
	for _, v := range xs {
		s += (v - m) * (v - m)
	}
	return math.Sqrt(s / float64(len(xs)))
}

func percentile(xs []float64, p float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	idx := int(p * float64(len(s)-1))
	return s[idx]
}
