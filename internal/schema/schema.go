// Package schema loads table schema descriptors and converts structured-text
// payloads into rows that conform to them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the column type of a schema field.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInt64     FieldType = "INT64"
	TypeFloat64   FieldType = "FLOAT64"
	TypeBool      FieldType = "BOOL"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeDate      FieldType = "DATE"
	TypeJSON      FieldType = "JSON"
	TypeStruct    FieldType = "STRUCT"
)

// Mode is the nullability/repetition of a field.
type Mode string

const (
	ModeNullable Mode = "NULLABLE"
	ModeRequired Mode = "REQUIRED"
	ModeRepeated Mode = "REPEATED"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field describes one column. Struct fields carry their children in Fields.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Mode        Mode      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []Field   `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Schema is an ordered list of top-level fields.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// Parse decodes a descriptor in the BigQuery JSON layout
// ({"fields":[{"name":..,"type":..,"mode":..}]}) or the equivalent YAML,
// normalizes type aliases, and validates it.
func Parse(data []byte) (*Schema, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("schema: descriptor is empty")
	}

	var s Schema
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if trimmed[0] == '[' {
			// A bare field list is accepted as well.
			if err := json.Unmarshal(trimmed, &s.Fields); err != nil {
				return nil, fmt.Errorf("schema: decode json: %w", err)
			}
		} else if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("schema: decode json: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("schema: decode yaml: %w", err)
	}

	if len(s.Fields) == 0 {
		return nil, errors.New("schema: descriptor declares no fields")
	}
	fields, err := normalizeFields(s.Fields, "")
	if err != nil {
		return nil, err
	}
	s.Fields = fields
	return &s, nil
}

func normalizeFields(fields []Field, prefix string) ([]Field, error) {
	out := make([]Field, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		path := joinPath(prefix, f.Name)
		if !identPattern.MatchString(f.Name) {
			return nil, fmt.Errorf("schema: invalid field name %q", path)
		}
		key := strings.ToLower(f.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", path)
		}
		seen[key] = struct{}{}

		typ, err := normalizeType(string(f.Type))
		if err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", path, err)
		}
		mode, err := normalizeMode(string(f.Mode))
		if err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", path, err)
		}
		f.Type = typ
		f.Mode = mode

		if typ == TypeStruct {
			if len(f.Fields) == 0 {
				return nil, fmt.Errorf("schema: struct field %q has no sub-fields", path)
			}
			children, err := normalizeFields(f.Fields, path)
			if err != nil {
				return nil, err
			}
			f.Fields = children
		} else if len(f.Fields) > 0 {
			return nil, fmt.Errorf("schema: non-struct field %q declares sub-fields", path)
		}
		out = append(out, f)
	}
	return out, nil
}

func normalizeType(raw string) (FieldType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "STRING":
		return TypeString, nil
	case "INT64", "INTEGER", "INT":
		return TypeInt64, nil
	case "FLOAT64", "FLOAT", "NUMERIC", "BIGNUMERIC":
		return TypeFloat64, nil
	case "BOOL", "BOOLEAN":
		return TypeBool, nil
	case "TIMESTAMP", "DATETIME":
		return TypeTimestamp, nil
	case "DATE":
		return TypeDate, nil
	case "JSON":
		return TypeJSON, nil
	case "STRUCT", "RECORD":
		return TypeStruct, nil
	case "":
		return "", errors.New("missing type")
	default:
		return "", fmt.Errorf("unsupported type %q", raw)
	}
}

func normalizeMode(raw string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "NULLABLE":
		return ModeNullable, nil
	case "REQUIRED":
		return ModeRequired, nil
	case "REPEATED":
		return ModeRepeated, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

// Lookup returns the top-level field with the given name.
func (s *Schema) Lookup(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns top-level field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
