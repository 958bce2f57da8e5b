package bigquery

import (
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
)

// tableSchema maps a record schema to BigQuery field schemas.
func tableSchema(sc *schema.Schema) (bq.Schema, error) {
	return fieldSchemas(sc.Fields)
}

func fieldSchemas(fields []schema.Field) (bq.Schema, error) {
	out := make(bq.Schema, 0, len(fields))
	for _, f := range fields {
		fs, err := fieldSchema(f)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

func fieldSchema(f schema.Field) (*bq.FieldSchema, error) {
	fs := &bq.FieldSchema{
		Name:        f.Name,
		Description: f.Description,
		Required:    f.Mode == schema.ModeRequired,
		Repeated:    f.Mode == schema.ModeRepeated,
	}
	switch f.Type {
	case schema.TypeString:
		fs.Type = bq.StringFieldType
	case schema.TypeInt64:
		fs.Type = bq.IntegerFieldType
	case schema.TypeFloat64:
		fs.Type = bq.FloatFieldType
	case schema.TypeBool:
		fs.Type = bq.BooleanFieldType
	case schema.TypeTimestamp:
		fs.Type = bq.TimestampFieldType
	case schema.TypeDate:
		fs.Type = bq.DateFieldType
	case schema.TypeJSON:
		fs.Type = bq.JSONFieldType
	case schema.TypeStruct:
		fs.Type = bq.RecordFieldType
		nested, err := fieldSchemas(f.Fields)
		if err != nil {
			return nil, err
		}
		fs.Schema = nested
	default:
		return nil, fmt.Errorf("bigquery: field %s: unsupported type %q", f.Name, f.Type)
	}
	return fs, nil
}

// rowSaver adapts a converted row to the streaming inserter.
type rowSaver struct {
	fields []schema.Field
	row    *model.Row
	dedupe bool
}

// Save implements bq.ValueSaver.
func (s rowSaver) Save() (map[string]bq.Value, string, error) {
	insertID := bq.NoDedupeID
	if s.dedupe && s.row.InsertID != "" {
		insertID = s.row.InsertID
	}
	return recordValue(s.fields, s.row.Values), insertID, nil
}

func recordValue(fields []schema.Field, values map[string]any) map[string]bq.Value {
	out := make(map[string]bq.Value, len(values))
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		out[f.Name] = fieldValue(f, v)
	}
	return out
}

func fieldValue(f schema.Field, v any) bq.Value {
	if v == nil {
		return nil
	}
	if f.Mode == schema.ModeRepeated {
		list, ok := v.([]any)
		if !ok {
			return v
		}
		elem := f
		elem.Mode = schema.ModeNullable
		out := make([]bq.Value, len(list))
		for i, e := range list {
			out[i] = fieldValue(elem, e)
		}
		return out
	}
	switch f.Type {
	case schema.TypeStruct:
		if m, ok := v.(map[string]any); ok {
			return recordValue(f.Fields, m)
		}
	case schema.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.DateOnly)
		}
	case schema.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC()
		}
	}
	return v
}
