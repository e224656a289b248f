package features

import (
	"errors"
	"testing"
)

func validRaw() map[string]interface{} {
	return map[string]interface{}{
		"ram":     8.0,
		"battery": 4000.0,
		"screen":  6.1,
		"weight":  174.0,
		"year":    2024.0,
		"storage": 128.0,
		"company": "Samsung",
	}
}

func TestParse_ValidVector(t *testing.T) {
	schema := DeviceSchema()
	v, err := Parse(schema, validRaw())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := v.Num("ram"); got != 8 {
		t.Errorf("ram = %v, want 8", got)
	}
	if got := v.Level("company"); got != "Samsung" {
		t.Errorf("company = %q, want Samsung", got)
	}
}

func TestParse_MissingRequiredField(t *testing.T) {
	schema := DeviceSchema()
	raw := validRaw()
	delete(raw, "battery")

	_, err := Parse(schema, raw)
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	if !errors.Is(err, ErrInvalidVector) {
		t.Errorf("error %v is not ErrInvalidVector", err)
	}
}

func TestParse_RejectionCases(t *testing.T) {
	schema := DeviceSchema()

	testCases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"unknown field", func(m map[string]interface{}) { m["gpu"] = 1.0 }},
		{"string for numeric", func(m map[string]interface{}) { m["ram"] = "eight" }},
		{"number for categorical", func(m map[string]interface{}) { m["company"] = 42.0 }},
		{"empty categorical", func(m map[string]interface{}) { m["company"] = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mutate(raw)
			if _, err := Parse(schema, raw); !errors.Is(err, ErrInvalidVector) {
				t.Errorf("got err=%v, want ErrInvalidVector", err)
			}
		})
	}
}

func TestParse_UnseenCategoryMapsToSentinel(t *testing.T) {
	schema := DeviceSchema()
	raw := validRaw()
	raw["company"] = "NoSuchBrand"

	v, err := Parse(schema, raw)
	if err != nil {
		t.Fatalf("unseen level must not be rejected: %v", err)
	}
	if got := v.Level("company"); got != UnseenLevel {
		t.Errorf("company = %q, want %q", got, UnseenLevel)
	}
}

func TestParse_OptionalFieldImputed(t *testing.T) {
	schema := DeviceSchema()
	v, err := Parse(schema, validRaw())
	if err != nil {
		t.Fatal(err)
	}

	if !v.Imputed("camera_mp") {
		t.Error("camera_mp should be imputed")
	}
	if got := v.Num("camera_mp"); got != 12 {
		t.Errorf("camera_mp default = %v, want 12", got)
	}
	if got := v.Level("processor"); got != "octa-core" {
		t.Errorf("processor default = %q, want octa-core", got)
	}
	if v.Imputed("ram") {
		t.Error("ram was provided, must not be marked imputed")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	schema := DeviceSchema()
	v, err := Parse(schema, validRaw())
	if err != nil {
		t.Fatal(err)
	}

	a := v.Encode()
	b := v.Encode()
	if len(a) != schema.EncodedLen() {
		t.Fatalf("encoded len = %d, want %d", len(a), schema.EncodedLen())
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("encoding not deterministic at slot %d", i)
		}
	}
}

func TestEncode_OneHotSumsToOnePerCategorical(t *testing.T) {
	schema := DeviceSchema()
	v, err := Parse(schema, validRaw())
	if err != nil {
		t.Fatal(err)
	}

	names := schema.EncodedNames()
	enc := v.Encode()
	if len(names) != len(enc) {
		t.Fatalf("names/encoding width mismatch: %d vs %d", len(names), len(enc))
	}

	sum := 0.0
	for i, n := range names {
		if len(n) > 8 && n[:8] == "company=" {
			sum += enc[i]
		}
	}
	if sum != 1 {
		t.Errorf("company one-hot sums to %v, want 1", sum)
	}
}

func TestSetLevel_RejectsOutOfVocabulary(t *testing.T) {
	schema := DeviceSchema()
	v, _ := Parse(schema, validRaw())

	if err := v.SetLevel("company", "MadeUpCo"); err == nil {
		t.Error("expected out-of-vocabulary level to be rejected")
	}
	if err := v.SetLevel("company", "Apple"); err != nil {
		t.Errorf("valid level rejected: %v", err)
	}
	if got := v.Level("company"); got != "Apple" {
		t.Errorf("company = %q after SetLevel", got)
	}
}
