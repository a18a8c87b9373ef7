package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCompareProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("comparison is antisymmetric for integers", prop.ForAll(
		func(a, b int64) bool {
			return Compare(IntValue(a), IntValue(b)) == -Compare(IntValue(b), IntValue(a))
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("integers and floats compare numerically", prop.ForAll(
		func(a int64) bool {
			i, f := IntValue(a), FloatValue(float64(a))
			return Compare(i, f) == 0 && Compare(IntValue(a-1), f) < 0
		},
		gen.Int64Range(-1<<40, 1<<40),
	))

	properties.Property("MinKey sorts below every value including NULL", prop.ForAll(
		func(a int64) bool {
			for _, v := range []Value{IntValue(a), NullValue(), StringValue("x")} {
				if Compare(MinKey(), v) >= 0 || Compare(v, MinKey()) <= 0 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("NULL sorts below non-null values and equals itself", prop.ForAll(
		func(a int64) bool {
			return Compare(NullValue(), IntValue(a)) < 0 &&
				Compare(NullValue(), NullValue()) == 0
		},
		gen.Int64(),
	))

	properties.Property("string comparison agrees with lexicographic order", prop.ForAll(
		func(a, b string) bool {
			got := Compare(StringValue(a), StringValue(b))
			switch {
			case a < b:
				return got < 0
			case a > b:
				return got > 0
			default:
				return got == 0
			}
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("key byte encoding is injective for integers", prop.ForAll(
		func(a, b int64) bool {
			if a == b {
				return string(IntValue(a).KeyBytes()) == string(IntValue(b).KeyBytes())
			}
			return string(IntValue(a).KeyBytes()) != string(IntValue(b).KeyBytes())
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestEqualTreatsNullAsUnknown(t *testing.T) {
	if Equal(NullValue(), NullValue()) {
		t.Error("NULL must not equal NULL")
	}
	if Equal(NullValue(), IntValue(0)) {
		t.Error("NULL must not equal a value")
	}
	if !Equal(IntValue(3), FloatValue(3)) {
		t.Error("numeric cross-kind equality should hold")
	}
}

func TestSchemaValidation(t *testing.T) {
	good := &TabletSchema{Version: 1, Columns: []ColumnDef{
		{ID: 1, Name: "k1", Type: KindInt, IsKey: true},
		{ID: 2, Name: "k2", Type: KindString, IsKey: true},
		{ID: 3, Name: "v", Type: KindFloat, Nullable: true},
	}}
	if !good.Valid() {
		t.Fatal("well formed schema rejected")
	}
	if got := good.NumKeyColumns(); got != 2 {
		t.Errorf("key columns = %d, want 2", got)
	}
	if got := good.FieldIndex("v"); got != 2 {
		t.Errorf("field index of v = %d, want 2", got)
	}
	if got := good.FieldIndex("missing"); got != -1 {
		t.Errorf("field index of missing column = %d, want -1", got)
	}

	cases := []struct {
		name   string
		schema *TabletSchema
	}{
		{"empty", &TabletSchema{}},
		{"duplicate names", &TabletSchema{Columns: []ColumnDef{
			{ID: 1, Name: "a", Type: KindInt, IsKey: true},
			{ID: 2, Name: "a", Type: KindInt},
		}}},
		{"key after value column", &TabletSchema{Columns: []ColumnDef{
			{ID: 1, Name: "a", Type: KindInt},
			{ID: 2, Name: "b", Type: KindInt, IsKey: true},
		}}},
		{"unnamed column", &TabletSchema{Columns: []ColumnDef{
			{ID: 1, Name: "", Type: KindInt, IsKey: true},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.schema.Valid() {
				t.Error("malformed schema accepted")
			}
		})
	}
}

func TestSchemaHashTracksLayout(t *testing.T) {
	a := &TabletSchema{Version: 1, Columns: []ColumnDef{
		{ID: 1, Name: "k", Type: KindInt, IsKey: true},
	}}
	b := &TabletSchema{Version: 1, Columns: []ColumnDef{
		{ID: 1, Name: "k", Type: KindInt, IsKey: true},
	}}
	if a.Hash() != b.Hash() {
		t.Error("identical schemas must hash identically")
	}
	b.Columns[0].Type = KindString
	if a.Hash() == b.Hash() {
		t.Error("layout change must change the hash")
	}
}
