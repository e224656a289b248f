package features

import (
	"errors"
	"fmt"
)

// ErrInvalidVector wraps every boundary rejection so callers can map it
// to an input-error response without string matching.
var ErrInvalidVector = errors.New("invalid feature vector")

// Value holds one field value; exactly one of Num/Level is meaningful
// depending on the field kind.
type Value struct {
	Num   float64 `json:"num,omitempty"`
	Level string  `json:"level,omitempty"`
}

// Vector is a validated, schema-ordered feature vector. Construct via
// Parse; a Vector that exists has already passed boundary validation.
type Vector struct {
	schema  *Schema
	values  []Value
	imputed []bool
}

// Parse validates a raw field map against the schema and produces a
// Vector. Rules enforced here, in order:
//   - unknown field names are rejected
//   - numeric fields must carry numbers, categorical fields strings
//   - missing required fields are rejected with the field name
//   - missing optional fields are imputed from the declared defaults
//   - out-of-vocabulary categorical levels map to UnseenLevel
func Parse(schema *Schema, raw map[string]interface{}) (*Vector, error) {
	v := &Vector{
		schema:  schema,
		values:  make([]Value, len(schema.Fields)),
		imputed: make([]bool, len(schema.Fields)),
	}

	seen := make([]bool, len(schema.Fields))
	for name, val := range raw {
		idx := schema.FieldIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidVector, name)
		}
		f := schema.Fields[idx]
		switch f.Kind {
		case Numeric:
			num, ok := toFloat(val)
			if !ok {
				return nil, fmt.Errorf("%w: field %q: expected number, got %T", ErrInvalidVector, name, val)
			}
			v.values[idx] = Value{Num: num}
		case Categorical:
			level, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: field %q: expected string, got %T", ErrInvalidVector, name, val)
			}
			if level == "" {
				return nil, fmt.Errorf("%w: field %q: empty categorical value", ErrInvalidVector, name)
			}
			if f.levelIndex(level) == len(f.Levels) {
				level = UnseenLevel
			}
			v.values[idx] = Value{Level: level}
		}
		seen[idx] = true
	}

	for i, f := range schema.Fields {
		if seen[i] {
			continue
		}
		if f.Required {
			return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidVector, f.Name)
		}
		// Documented imputation policy: declared per-field defaults,
		// never a silent zero-fill.
		if f.Kind == Numeric {
			v.values[i] = Value{Num: f.DefaultNum}
		} else {
			v.values[i] = Value{Level: f.DefaultLevel}
		}
		v.imputed[i] = true
	}

	return v, nil
}

func toFloat(val interface{}) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Schema returns the schema this vector was validated against.
func (v *Vector) Schema() *Schema { return v.schema }

// Num returns the numeric value of a named field.
func (v *Vector) Num(name string) float64 {
	i := v.schema.FieldIndex(name)
	if i < 0 || v.schema.Fields[i].Kind != Numeric {
		return 0
	}
	return v.values[i].Num
}

// Level returns the categorical value of a named field.
func (v *Vector) Level(name string) string {
	i := v.schema.FieldIndex(name)
	if i < 0 || v.schema.Fields[i].Kind != Categorical {
		return ""
	}
	return v.values[i].Level
}

// Imputed reports whether a named field was filled from defaults.
func (v *Vector) Imputed(name string) bool {
	i := v.schema.FieldIndex(name)
	return i >= 0 && v.imputed[i]
}

// Encode produces the dense representation consumed by every model:
// raw numerics in field order, one-hot categoricals with a trailing
// unseen slot per field. Pure and deterministic for a given schema.
func (v *Vector) Encode() []float64 {
	out := make([]float64, 0, v.schema.EncodedLen())
	for i, f := range v.schema.Fields {
		if f.Kind == Numeric {
			out = append(out, v.values[i].Num)
			continue
		}
		hot := f.levelIndex(v.values[i].Level)
		if v.values[i].Level == UnseenLevel {
			hot = len(f.Levels)
		}
		for j := 0; j <= len(f.Levels); j++ {
			if j == hot {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	}
	return out
}

// Fields returns the vector as a raw map, suitable for logging and for
// counterfactual perturbation.
func (v *Vector) Fields() map[string]interface{} {
	m := make(map[string]interface{}, len(v.schema.Fields))
	for i, f := range v.schema.Fields {
		if f.Kind == Numeric {
			m[f.Name] = v.values[i].Num
		} else {
			m[f.Name] = v.values[i].Level
		}
	}
	return m
}

// Clone returns an independent copy; used by perturbation search.
func (v *Vector) Clone() *Vector {
	cp := &Vector{
		schema:  v.schema,
		values:  make([]Value, len(v.values)),
		imputed: make([]bool, len(v.imputed)),
	}
	copy(cp.values, v.values)
	copy(cp.imputed, v.imputed)
	return cp
}

// SetNum overwrites a numeric field in place. The caller owns validity.
func (v *Vector) SetNum(name string, x float64) {
	if i := v.schema.FieldIndex(name); i >= 0 && v.schema.Fields[i].Kind == Numeric {
		v.values[i] = Value{Num: x}
		v.imputed[i] = false
	}
}

// SetLevel overwrites a categorical field. Values outside the schema
// vocabulary are rejected so perturbed vectors stay valid.
func (v *Vector) SetLevel(name, level string) error {
	i := v.schema.FieldIndex(name)
	if i < 0 || v.schema.Fields[i].Kind != Categorical {
		return fmt.Errorf("%w: no categorical field %q", ErrInvalidVector, name)
	}
	f := v.schema.Fields[i]
	if level != UnseenLevel && f.levelIndex(level) == len(f.Levels) {
		return fmt.Errorf("%w: field %q: level %q not in vocabulary", ErrInvalidVector, name, level)
	}
	v.values[i] = Value{Level: level}
	v.imputed[i] = false
	return nil
}
