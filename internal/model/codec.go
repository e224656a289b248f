package model

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of any learner: a kind tag plus the
// learner's own JSON. Registry payloads embed these so a published
// ensemble can be reconstructed without knowing member types up front.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps a fitted model for storage.
func Encode(m Model) (Envelope, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return Envelope{Kind: m.Kind(), Data: data}, nil
}

// Decode reconstructs a model from its envelope.
func Decode(env Envelope) (Model, error) {
	var m Model
	switch env.Kind {
	case "ridge":
		m = &Ridge{}
	case "cart":
		m = &RegressionTree{}
	case "random_forest":
		m = &RandomForest{}
	case "gradient_boost":
		m = &GradientBoost{}
	case "knn":
		m = &KNN{}
	case "softmax":
		m = &Softmax{}
	case "multitask":
		m = &MultiTask{}
	default:
		return nil, fmt.Errorf("decode: unknown model kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}
