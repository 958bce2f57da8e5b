package duckdb

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/sluice/internal/schema"
)

// column is one top-level destination column. Nested columns are bound as
// JSON text and cast to their declared type inside the INSERT.
type column struct {
	name    string
	sqlType string
	nested  bool
}

func columnsFor(sc *schema.Schema) ([]column, error) {
	cols := make([]column, 0, len(sc.Fields))
	for _, f := range sc.Fields {
		typ, err := sqlType(f)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{
			name:    f.Name,
			sqlType: typ,
			nested:  f.Type == schema.TypeStruct || f.Mode == schema.ModeRepeated,
		})
	}
	return cols, nil
}

func sqlType(f schema.Field) (string, error) {
	var base string
	switch f.Type {
	case schema.TypeString:
		base = "VARCHAR"
	case schema.TypeInt64:
		base = "BIGINT"
	case schema.TypeFloat64:
		base = "DOUBLE"
	case schema.TypeBool:
		base = "BOOLEAN"
	case schema.TypeTimestamp:
		base = "TIMESTAMP"
	case schema.TypeDate:
		base = "DATE"
	case schema.TypeJSON:
		base = "JSON"
	case schema.TypeStruct:
		parts := make([]string, 0, len(f.Fields))
		for _, child := range f.Fields {
			ct, err := sqlType(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, quoteIdent(child.Name)+" "+ct)
		}
		base = "STRUCT(" + strings.Join(parts, ", ") + ")"
	default:
		return "", fmt.Errorf("duckdb: no column type for %s", f.Type)
	}
	if f.Mode == schema.ModeRepeated {
		return base + "[]", nil
	}
	return base, nil
}

func createTableSQL(name string, sc *schema.Schema) (string, error) {
	defs := make([]string, 0, len(sc.Fields))
	for _, f := range sc.Fields {
		typ, err := sqlType(f)
		if err != nil {
			return "", err
		}
		def := quoteIdent(f.Name) + " " + typ
		if f.Mode == schema.ModeRequired {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(name), strings.Join(defs, ",\n\t")), nil
}

func insertSQL(name string, cols []column) string {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.name)
		if c.nested {
			params[i] = "CAST(CAST(? AS JSON) AS " + c.sqlType + ")"
		} else {
			params[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(names, ", "), strings.Join(params, ", "))
}
