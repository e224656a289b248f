// Package model implements the base learner families the ensemble is
// stacked from: a ridge regressor, a bagged random forest, gradient
// boosted trees, a k-nearest-neighbours regressor and a softmax
// classifier, plus the multi-task specialist network trained per
// segment. Every learner is deterministic for a fixed seed.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFitted is returned when Predict is called before Fit.
var ErrNotFitted = errors.New("model not fitted")

// Model is the common prediction surface. Regressors return a single
// element; classifiers return a class-probability distribution. Both
// shapes flow through the ensemble combiner unchanged.
type Model interface {
	Predict(x []float64) ([]float64, error)
	Kind() string
}

// Status of a trained artifact inside the registry.
type Status string

const (
	StatusTraining   Status = "training"
	StatusReady      Status = "ready"
	StatusDeprecated Status = "deprecated"
)

// Scope identifies what slice of the data a model was trained on.
// SegmentID -1 means global.
const GlobalScope = -1

// Metadata travels with every trained BaseModel.
type Metadata struct {
	Target          string    `json:"target"`
	SegmentID       int       `json:"segment_id"`
	Kind            string    `json:"kind"`
	DataFingerprint string    `json:"data_fingerprint"`
	TrainingRows    int       `json:"training_rows"`
	Metric          float64   `json:"metric"` // R2 for regression, accuracy for brand
	TrainedAt       time.Time `json:"trained_at"`
	Status          Status    `json:"status"`
}

// BaseModel pairs a learner with its training metadata.
type BaseModel struct {
	Model    Model    `json:"-"`
	Metadata Metadata `json:"metadata"`
}

func (b *BaseModel) String() string {
	seg := "global"
	if b.Metadata.SegmentID != GlobalScope {
		seg = fmt.Sprintf("segment-%d", b.Metadata.SegmentID)
	}
	return fmt.Sprintf("%s/%s/%s", b.Metadata.Target, seg, b.Metadata.Kind)
}

// RSquared computes the coefficient of determination of predictions
// against truth; the trainer uses it as the regression validation gate.
func RSquared(pred, truth []float64) float64 {
	if len(pred) != len(truth) || len(truth) == 0 {
		return math.Inf(-1)
	}
	mean := 0.0
	for _, t := range truth {
		mean += t
	}
	mean /= float64(len(truth))

	var ssRes, ssTot float64
	for i := range truth {
		ssRes += (truth[i] - pred[i]) * (truth[i] - pred[i])
		ssTot += (truth[i] - mean) * (truth[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return math.Inf(-1)
	}
	return 1 - ssRes/ssTot
}

// Accuracy computes top-1 accuracy for class-probability predictions.
func Accuracy(pred [][]float64, truth []int) float64 {
	if len(pred) == 0 || len(pred) != len(truth) {
		return 0
	}
	correct := 0
	for i, p := range pred {
		if Argmax(p) == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(pred))
}

// Argmax returns the index of the largest element, lowest index wins ties.
func Argmax(xs []float64) int {
	best, bestIdx := math.Inf(-1), 0
	for i, x := range xs {
		if x > best {
			best, bestIdx = x, i
		}
	}
	return bestIdx
}

func validateMatrix(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return errors.New("empty training set")
	}
	if y != nil && len(X) != len(y) {
		return fmt.Errorf("X/y length mismatch: %d vs %d", len(X), len(y))
	}
	d := len(X[0])
	if d == 0 {
		return errors.New("zero-width feature rows")
	}
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("row %d width %d, want %d", i, len(row), d)
		}
	}
	return nil
}
