package features

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Targets the pipeline can be trained against. Numeric targets are
// regressions; TargetBrand is the categorical path.
const (
	TargetPrice   = "price"
	TargetRAM     = "ram"
	TargetBattery = "battery"
	TargetBrand   = "brand"
)

// NumericTargets lists the regression targets in a stable order.
var NumericTargets = []string{TargetPrice, TargetRAM, TargetBattery}

// Dataset is the feature-engineered table handed down from the upstream
// ingestion scripts. Rows are kept raw so per-target views can re-derive
// schemas that exclude the predicted attribute.
type Dataset struct {
	Schema      *Schema
	Rows        []map[string]interface{}
	Price       []float64
	Fingerprint string
}

// TargetView is a dataset projected for one target: the target field is
// removed from the feature schema so models never see their own label.
type TargetView struct {
	Target  string
	Schema  *Schema
	Vectors []*Vector
	Y       []float64 // numeric targets
	Labels  []string  // brand only
	Classes []string  // brand vocabulary incl. UnseenLevel
}

// LoadCSV reads the engineered device table. Column kinds are inferred
// from the data: a column where every non-empty cell parses as a float
// is numeric, anything else categorical. Columns with missing cells
// become optional with median (numeric) or modal (categorical)
// imputation defaults; fully populated columns are required.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset %s: need a header and at least one row", path)
	}

	header := records[0]
	rows := records[1:]
	return buildDataset(header, rows)
}

func buildDataset(header []string, rows [][]string) (*Dataset, error) {
	priceCol := -1
	for i, name := range header {
		if name == TargetPrice {
			priceCol = i
		}
	}
	if priceCol < 0 {
		return nil, fmt.Errorf("dataset has no %q column", TargetPrice)
	}

	specs := make([]FieldSpec, 0, len(header)-1)
	for col, name := range header {
		if col == priceCol {
			continue
		}
		spec, err := inferField(name, column(rows, col))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	schema, err := NewSchema(specs)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Schema: schema,
		Rows:   make([]map[string]interface{}, 0, len(rows)),
		Price:  make([]float64, 0, len(rows)),
	}

	h := sha256.New()
	for rowIdx, rec := range rows {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("row %d: got %d cells, want %d", rowIdx+1, len(rec), len(header))
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(rec[priceCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad price %q: %w", rowIdx+1, rec[priceCol], err)
		}

		raw := make(map[string]interface{}, len(header)-1)
		for col, name := range header {
			if col == priceCol {
				continue
			}
			cell := strings.TrimSpace(rec[col])
			if cell == "" {
				continue // imputed by Parse
			}
			if spec, ok := schema.Field(name); ok && spec.Kind == Numeric {
				num, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("row %d: field %q: %w", rowIdx+1, name, err)
				}
				raw[name] = num
			} else {
				raw[name] = cell
			}
		}

		ds.Rows = append(ds.Rows, raw)
		ds.Price = append(ds.Price, price)
		fmt.Fprintf(h, "%v|%g\n", raw, price)
	}

	ds.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return ds, nil
}

func column(rows [][]string, col int) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if col < len(r) {
			out = append(out, strings.TrimSpace(r[col]))
		} else {
			out = append(out, "")
		}
	}
	return out
}

func inferField(name string, cells []string) (FieldSpec, error) {
	numeric := true
	hasGap := false
	nums := make([]float64, 0, len(cells))
	for _, c := range cells {
		if c == "" {
			hasGap = true
			continue
		}
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			numeric = false
			break
		}
		nums = append(nums, v)
	}

	if numeric {
		if len(nums) == 0 {
			return FieldSpec{}, fmt.Errorf("column %q is empty", name)
		}
		return FieldSpec{
			Name:       name,
			Kind:       Numeric,
			Required:   !hasGap,
			DefaultNum: median(nums),
		}, nil
	}

	counts := make(map[string]int)
	for _, c := range cells {
		if c == "" {
			hasGap = true
			continue
		}
		counts[c]++
	}
	if len(counts) == 0 {
		return FieldSpec{}, fmt.Errorf("column %q is empty", name)
	}
	levels := make([]string, 0, len(counts))
	mode, best := "", 0
	for l, n := range counts {
		levels = append(levels, l)
		if n > best {
			mode, best = l, n
		}
	}
	sort.Strings(levels)
	return FieldSpec{
		Name:         name,
		Kind:         Categorical,
		Required:     !hasGap,
		DefaultLevel: mode,
		Levels:       levels,
	}, nil
}

func median(xs []float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.Rows) }

// ForTarget projects the dataset for one target. For numeric targets
// other than price the target field is dropped from the feature schema;
// for brand the company column becomes the label.
func (d *Dataset) ForTarget(target string) (*TargetView, error) {
	switch target {
	case TargetPrice:
		return d.numericView(target, "", d.Price)
	case TargetRAM, TargetBattery:
		idx := d.Schema.FieldIndex(target)
		if idx < 0 {
			return nil, fmt.Errorf("dataset has no %q column", target)
		}
		y := make([]float64, d.Len())
		for i, row := range d.Rows {
			v, ok := toFloat(row[target])
			if !ok {
				return nil, fmt.Errorf("row %d: missing %q value", i, target)
			}
			y[i] = v
		}
		return d.numericView(target, target, y)
	case TargetBrand:
		return d.brandView()
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}

func (d *Dataset) numericView(target, drop string, y []float64) (*TargetView, error) {
	schema, err := d.schemaWithout(drop)
	if err != nil {
		return nil, err
	}
	tv := &TargetView{Target: target, Schema: schema, Y: y}
	tv.Vectors = make([]*Vector, d.Len())
	for i, row := range d.Rows {
		vec, err := Parse(schema, withoutField(row, drop))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		tv.Vectors[i] = vec
	}
	return tv, nil
}

func (d *Dataset) brandView() (*TargetView, error) {
	spec, ok := d.Schema.Field("company")
	if !ok || spec.Kind != Categorical {
		return nil, fmt.Errorf("dataset has no categorical %q column for brand labels", "company")
	}
	schema, err := d.schemaWithout("company")
	if err != nil {
		return nil, err
	}
	tv := &TargetView{
		Target:  TargetBrand,
		Schema:  schema,
		Classes: append(append([]string{}, spec.Levels...), UnseenLevel),
	}
	tv.Vectors = make([]*Vector, d.Len())
	tv.Labels = make([]string, d.Len())
	for i, row := range d.Rows {
		vec, err := Parse(schema, withoutField(row, "company"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		tv.Vectors[i] = vec
		label, _ := row["company"].(string)
		if label == "" {
			label = spec.DefaultLevel
		}
		tv.Labels[i] = label
	}
	return tv, nil
}

func (d *Dataset) schemaWithout(drop string) (*Schema, error) {
	specs := make([]FieldSpec, 0, len(d.Schema.Fields))
	for _, f := range d.Schema.Fields {
		if f.Name == drop {
			continue
		}
		specs = append(specs, f)
	}
	return NewSchema(specs)
}

func withoutField(row map[string]interface{}, drop string) map[string]interface{} {
	if drop == "" {
		return row
	}
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		if k != drop {
			out[k] = v
		}
	}
	return out
}

// Matrix encodes every vector of a view into a dense design matrix.
func (tv *TargetView) Matrix() [][]float64 {
	X := make([][]float64, len(tv.Vectors))
	for i, v := range tv.Vectors {
		X[i] = v.Encode()
	}
	return X
}

// ClassIndex maps a brand label to its class slot, with unseen labels
// on the trailing sentinel slot.
func (tv *TargetView) ClassIndex(label string) int {
	for i, c := range tv.Classes {
		if c == label {
			return i
		}
	}
	return len(tv.Classes) - 1
}
