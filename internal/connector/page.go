package connector

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/pkg/types"
)

// Columnar pages cross the wire as structpb structs: one entry per column
// with a type tag, so either side can decode without generated message
// types. Integers travel as decimal strings because structpb numbers are
// float64 and would silently round above 2^53.

// EncodeSchema renders a column layout as a structpb list. Servers send it
// in the open response; the client turns it back into column definitions.
func EncodeSchema(defs []types.ColumnDef) *structpb.Value {
	cols := make([]*structpb.Value, len(defs))
	for i, def := range defs {
		cols[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":       structpb.NewNumberValue(float64(def.ID)),
			"name":     structpb.NewStringValue(def.Name),
			"type":     structpb.NewStringValue(def.Type.String()),
			"nullable": structpb.NewBoolValue(def.Nullable),
		}})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: cols})
}

func decodeSchema(v *structpb.Value) ([]types.ColumnDef, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("schema is not a list")
	}
	defs := make([]types.ColumnDef, 0, len(list.Values))
	for i, cv := range list.Values {
		fields := cv.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("schema entry %d is not a struct", i)
		}
		kind, err := types.KindFromName(fields["type"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("schema entry %d: %w", i, err)
		}
		defs = append(defs, types.ColumnDef{
			ID:       int(fields["id"].GetNumberValue()),
			Name:     fields["name"].GetStringValue(),
			Type:     kind,
			Nullable: fields["nullable"].GetBoolValue(),
		})
	}
	return defs, nil
}

// EncodePage renders a batch as one wire page. eos marks the final,
// typically empty, page of a scan.
func EncodePage(b *batch.Batch, eos bool) (*structpb.Struct, error) {
	page := &structpb.Struct{Fields: map[string]*structpb.Value{
		"eos": structpb.NewBoolValue(eos),
	}}
	if b == nil {
		page.Fields["rows"] = structpb.NewNumberValue(0)
		return page, nil
	}
	page.Fields["rows"] = structpb.NewNumberValue(float64(b.NumRows()))

	cols := make([]*structpb.Value, b.NumColumns())
	for i := 0; i < b.NumColumns(); i++ {
		col := b.Column(i)
		values := make([]*structpb.Value, len(col.Values))
		for j, v := range col.Values {
			ev, err := encodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", col.Def.Name, j, err)
			}
			values[j] = ev
		}
		cols[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":   structpb.NewStringValue(col.Def.Name),
			"type":   structpb.NewStringValue(col.Def.Type.String()),
			"values": structpb.NewListValue(&structpb.ListValue{Values: values}),
		}})
	}
	page.Fields["columns"] = structpb.NewListValue(&structpb.ListValue{Values: cols})
	return page, nil
}

// decodePage turns a wire page into a batch with the given layout. Pages
// match columns to the layout by name.
func decodePage(page *structpb.Struct, defs []types.ColumnDef) (*batch.Batch, error) {
	rows := int(page.Fields["rows"].GetNumberValue())
	byName := make(map[string]*structpb.Struct)
	if cv := page.Fields["columns"]; cv != nil {
		for _, col := range cv.GetListValue().GetValues() {
			if s := col.GetStructValue(); s != nil {
				byName[s.Fields["name"].GetStringValue()] = s
			}
		}
	}

	b := batch.New(defs, rows)
	for _, def := range defs {
		col, ok := byName[def.Name]
		if !ok {
			return nil, fmt.Errorf("page is missing column %s", def.Name)
		}
		kind, err := types.KindFromName(col.Fields["type"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", def.Name, err)
		}
		if kind != def.Type {
			return nil, fmt.Errorf("column %s: page has %s, layout has %s", def.Name, kind, def.Type)
		}
		values := col.Fields["values"].GetListValue().GetValues()
		if len(values) != rows {
			return nil, fmt.Errorf("column %s has %d values, page declares %d rows", def.Name, len(values), rows)
		}
		out := b.ColumnByName(def.Name)
		for j, v := range values {
			dv, err := decodeValue(v, kind)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", def.Name, j, err)
			}
			out.Append(dv)
		}
	}
	if err := b.SetNumRows(rows); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeValue(v types.Value) (*structpb.Value, error) {
	switch v.Kind {
	case types.KindNull:
		return structpb.NewNullValue(), nil
	case types.KindInt:
		return structpb.NewStringValue(strconv.FormatInt(v.Int, 10)), nil
	case types.KindFloat:
		return structpb.NewNumberValue(v.Float), nil
	case types.KindString:
		return structpb.NewStringValue(v.Str), nil
	case types.KindBytes:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v.Bytes)), nil
	default:
		return nil, fmt.Errorf("value kind %s cannot cross the wire", v.Kind)
	}
}

func decodeValue(v *structpb.Value, kind types.Kind) (types.Value, error) {
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return types.NullValue(), nil
	}
	switch kind {
	case types.KindInt:
		n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return types.Value{}, fmt.Errorf("bad integer %q", v.GetStringValue())
		}
		return types.IntValue(n), nil
	case types.KindFloat:
		return types.FloatValue(v.GetNumberValue()), nil
	case types.KindString:
		return types.StringValue(v.GetStringValue()), nil
	case types.KindBytes:
		data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return types.Value{}, fmt.Errorf("bad base64 blob: %v", err)
		}
		return types.BytesValue(data), nil
	default:
		return types.Value{}, fmt.Errorf("unsupported column kind %s", kind)
	}
}
