// Package features defines the typed feature-vector boundary of the
// estimation pipeline. Incoming device records are validated against a
// declared schema before anything downstream sees them: required fields
// must be present, optional fields are imputed from declared defaults,
// and categorical levels outside the training vocabulary are mapped to
// an explicit unseen sentinel rather than dropped.
package features

import (
	"fmt"
	"sort"
)

// Kind distinguishes numeric from categorical fields.
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

// UnseenLevel is the sentinel every out-of-vocabulary categorical value
// maps to. It owns a dedicated one-hot slot so downstream models see
// unseen levels as a signal, not as noise.
const UnseenLevel = "__unseen__"

// FieldSpec declares a single feature field.
type FieldSpec struct {
	Name     string   `json:"name" yaml:"name"`
	Kind     Kind     `json:"kind" yaml:"kind"`
	Required bool     `json:"required" yaml:"required"`
	// Imputation defaults for optional fields. DefaultNum is typically the
	// training-set median, DefaultLevel the modal level.
	DefaultNum   float64  `json:"default_num,omitempty" yaml:"defaultNum,omitempty"`
	DefaultLevel string   `json:"default_level,omitempty" yaml:"defaultLevel,omitempty"`
	// Levels is the categorical vocabulary observed at training time,
	// sorted for stable encoding. Empty for numeric fields.
	Levels []string `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// Schema is the ordered field declaration a Vector is validated against.
type Schema struct {
	Fields []FieldSpec `json:"fields"`
	byName map[string]int
}

// NewSchema builds a schema from field specs. Field order is the
// encoding order and must not change between training and serving.
func NewSchema(fields []FieldSpec) (*Schema, error) {
	s := &Schema{Fields: fields, byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d: empty name", i)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if f.Kind == Categorical && len(f.Levels) == 0 {
			return nil, fmt.Errorf("categorical field %q has no levels", f.Name)
		}
		s.byName[f.Name] = i
	}
	return s, nil
}

// DeviceSchema returns the default schema for the feature-engineered
// device table produced upstream.
func DeviceSchema() *Schema {
	s, err := NewSchema([]FieldSpec{
		{Name: "ram", Kind: Numeric, Required: true},
		{Name: "battery", Kind: Numeric, Required: true},
		{Name: "screen", Kind: Numeric, Required: true},
		{Name: "weight", Kind: Numeric, Required: true},
		{Name: "year", Kind: Numeric, Required: true},
		{Name: "storage", Kind: Numeric, Required: true},
		{Name: "company", Kind: Categorical, Required: true, Levels: defaultCompanies()},
		{Name: "camera_mp", Kind: Numeric, Required: false, DefaultNum: 12},
		{Name: "processor", Kind: Categorical, Required: false, DefaultLevel: "octa-core",
			Levels: []string{"dual-core", "hexa-core", "octa-core", "quad-core"}},
	})
	if err != nil {
		panic(err) // static declaration, cannot fail
	}
	return s
}

func defaultCompanies() []string {
	c := []string{
		"Apple", "Samsung", "Xiaomi", "Huawei", "Oppo", "Vivo",
		"OnePlus", "Google", "Motorola", "Nokia", "Sony", "Realme",
		"Honor", "Lenovo", "Infinix", "Tecno", "POCO",
	}
	sort.Strings(c)
	return c
}

// FieldIndex returns the position of a named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

// Field returns the spec of a named field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	i := s.FieldIndex(name)
	if i < 0 {
		return FieldSpec{}, false
	}
	return s.Fields[i], true
}

// levelIndex maps a categorical value to its slot within a field's
// vocabulary. Unknown values map to the unseen slot (len(Levels)).
func (f FieldSpec) levelIndex(level string) int {
	for i, l := range f.Levels {
		if l == level {
			return i
		}
	}
	return len(f.Levels)
}

// EncodedLen is the width of the dense encoding: one slot per numeric
// field, len(Levels)+1 slots per categorical field (the +1 is the
// unseen sentinel slot).
func (s *Schema) EncodedLen() int {
	n := 0
	for _, f := range s.Fields {
		if f.Kind == Numeric {
			n++
		} else {
			n += len(f.Levels) + 1
		}
	}
	return n
}

// EncodedNames returns a stable name for every encoded slot, used by
// the drift monitor and explainability engine to label attributions.
func (s *Schema) EncodedNames() []string {
	names := make([]string, 0, s.EncodedLen())
	for _, f := range s.Fields {
		if f.Kind == Numeric {
			names = append(names, f.Name)
			continue
		}
		for _, l := range f.Levels {
			names = append(names, f.Name+"="+l)
		}
		names = append(names, f.Name+"="+UnseenLevel)
	}
	return names
}
