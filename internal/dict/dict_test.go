package dict

import (
	"testing"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

func TestSnapshotLookup(t *testing.T) {
	s := NewSnapshot([]string{"apple", "banana", "cherry"})
	if s.Len() != 3 {
		t.Fatalf("Len = %d", s.Len())
	}
	c, ok := s.Code("banana")
	if !ok || c != 1 {
		t.Errorf("Code(banana) = %d, %v", c, ok)
	}
	v, ok := s.Value(2)
	if !ok || v != "cherry" {
		t.Errorf("Value(2) = %q, %v", v, ok)
	}
	if _, ok := s.Code("durian"); ok {
		t.Error("unknown value should not resolve")
	}
	if _, ok := s.Value(99); ok {
		t.Error("out-of-range code should not resolve")
	}
}

func dictSchema() *types.TabletSchema {
	return &types.TabletSchema{
		Version: 1,
		Columns: []types.ColumnDef{
			{ID: 1, Name: "k", Type: types.KindInt, IsKey: true},
			{ID: 2, Name: "city", Type: types.KindString, DictEncoded: true},
			{ID: 3, Name: "n", Type: types.KindInt},
		},
	}
}

func TestBuildMappings(t *testing.T) {
	set := SnapshotSet{
		2: NewSnapshot([]string{"paris", "tokyo", "lima"}),
	}
	locals := map[int][]string{
		1: {"tokyo", "paris"}, // physical index 1 = city; lima absent locally
	}

	res := BuildMappings(set, dictSchema(), []int{0, 1, 2}, locals)
	if len(res.Fallback) != 0 {
		t.Fatalf("unexpected fallback: %v", res.Fallback)
	}
	m, ok := res.Mappings[1]
	if !ok {
		t.Fatal("expected mapping for physical column 1")
	}

	// paris: global 0 -> local 1; tokyo: global 1 -> local 0.
	if l, ok := m.Local(0); !ok || l != 1 {
		t.Errorf("Local(paris) = %d, %v", l, ok)
	}
	if l, ok := m.Local(1); !ok || l != 0 {
		t.Errorf("Local(tokyo) = %d, %v", l, ok)
	}
	// lima does not occur in this tablet version.
	if _, ok := m.Local(2); ok {
		t.Error("absent value should not map")
	}
	if _, ok := m.Local(42); ok {
		t.Error("out-of-range global code should not map")
	}
}

func TestBuildMappingsTypeChangeFallsBack(t *testing.T) {
	schema := dictSchema()
	// Schema evolution changed city to an integer column.
	schema.Columns[1].Type = types.KindInt

	set := SnapshotSet{2: NewSnapshot([]string{"paris"})}
	res := BuildMappings(set, schema, []int{1}, nil)

	if len(res.Mappings) != 0 {
		t.Error("incompatible column must not produce a mapping")
	}
	err, ok := res.Fallback[1]
	if !ok {
		t.Fatal("expected fallback entry for physical column 1")
	}
	if qerrors.GetCode(err) != qerrors.CodeDictionaryMapping {
		t.Errorf("expected DICTIONARY_MAPPING code, got %s", qerrors.GetCode(err))
	}
}

func TestBuildMappingsMissingLocalDict(t *testing.T) {
	set := SnapshotSet{2: NewSnapshot([]string{"paris"})}
	res := BuildMappings(set, dictSchema(), []int{1}, map[int][]string{})
	if _, ok := res.Fallback[1]; !ok {
		t.Error("expected fallback when tablet has no local dictionary")
	}
}

func TestBuildMappingsIgnoresColumnsWithoutGlobalDict(t *testing.T) {
	res := BuildMappings(SnapshotSet{}, dictSchema(), []int{0, 1, 2}, nil)
	if len(res.Mappings) != 0 || len(res.Fallback) != 0 {
		t.Error("columns without global dictionaries should be skipped silently")
	}
}
