// Package ensemble stacks the base learners into one served model per
// target. Combination weights come from a meta-learner trained on
// out-of-fold predictions; at serving time unavailable members are
// excluded and the surviving weights renormalized, so one broken
// learner never blocks a request.
package ensemble

import (
	"errors"
	"fmt"
	"math"
)

// WeightTolerance is the floating tolerance on the active-weight-sum
// invariant.
const WeightTolerance = 1e-6

var (
	ErrNoActiveMembers = errors.New("no active ensemble members")
	ErrUnknownMember   = errors.New("unknown ensemble member")
)

// Exclusion reason codes surfaced to callers.
const (
	ReasonTrainingFailure  = "training_failure"
	ReasonPredictFailure   = "predict_failure"
	ReasonFailedValidation = "failed_validation"
	ReasonDeactivated      = "deactivated"
)

// State is the tag of the MemberStatus variant.
type State int

const (
	StateActive State = iota
	StateExcluded
)

// MemberStatus is a tagged variant: either Active carrying a weight or
// Excluded carrying a reason. Keeping weight and exclusion in one value
// makes the weights-sum-to-one invariant checkable over a single slice.
type MemberStatus struct {
	State  State   `json:"state"`
	Weight float64 `json:"weight,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Active constructs an active status with the given weight.
func Active(weight float64) MemberStatus {
	return MemberStatus{State: StateActive, Weight: weight}
}

// Excluded constructs an excluded status with a reason code.
func Excluded(reason string) MemberStatus {
	return MemberStatus{State: StateExcluded, Reason: reason}
}

// Member is one ensemble slot: a named base model reference plus its
// status.
type Member struct {
	Name   string       `json:"name"`
	Kind   string       `json:"model_kind"`
	Status MemberStatus `json:"status"`
}

// Renormalize returns a copy of members with active weights scaled
// proportionally so they sum to one. Pure; the input is not mutated.
// Returns ErrNoActiveMembers when nothing is left to carry weight.
func Renormalize(members []Member) ([]Member, error) {
	total := 0.0
	for _, m := range members {
		if m.Status.State == StateActive {
			total += m.Status.Weight
		}
	}
	if total <= 0 {
		return nil, ErrNoActiveMembers
	}

	out := make([]Member, len(members))
	copy(out, members)
	for i := range out {
		if out[i].Status.State == StateActive {
			out[i].Status.Weight /= total
		}
	}
	return out, nil
}

// CheckWeightInvariant verifies that active weights sum to one within
// tolerance.
func CheckWeightInvariant(members []Member) error {
	sum := 0.0
	active := 0
	for _, m := range members {
		if m.Status.State == StateActive {
			sum += m.Status.Weight
			if m.Status.Weight < 0 {
				return fmt.Errorf("member %s has negative weight %v", m.Name, m.Status.Weight)
			}
			active++
		}
	}
	if active == 0 {
		return ErrNoActiveMembers
	}
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("active weights sum to %v, want 1.0 within %v", sum, WeightTolerance)
	}
	return nil
}

// Exclude marks one member excluded and renormalizes the rest. Pure.
func Exclude(members []Member, name, reason string) ([]Member, error) {
	found := false
	out := make([]Member, len(members))
	copy(out, members)
	for i := range out {
		if out[i].Name == name {
			out[i].Status = Excluded(reason)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	return Renormalize(out)
}
