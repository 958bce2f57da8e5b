package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldError reports a conversion failure at a dotted field path.
type FieldError struct {
	Path    string
	Message string
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("field %s: %s", e.Path, e.Message)
}

func fieldErr(path, format string, args ...any) error {
	return &FieldError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Option configures a Converter.
type Option func(*Converter)

// WithIgnoreUnknownValues drops payload keys the schema does not declare
// instead of failing the record.
func WithIgnoreUnknownValues(ignore bool) Option {
	return func(c *Converter) { c.ignoreUnknown = ignore }
}

// Converter turns JSON payloads into column values for one fixed schema.
// It is safe for concurrent use.
type Converter struct {
	schema        *Schema
	ignoreUnknown bool
}

func NewConverter(s *Schema, opts ...Option) *Converter {
	c := &Converter{schema: s}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the schema the converter targets.
func (c *Converter) Schema() *Schema { return c.schema }

// Convert parses payload and returns one value per top-level field. On any
// error no values are returned.
func (c *Converter) Convert(payload string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("malformed json: trailing data after top-level value")
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level value must be a json object, got %s", jsonKind(doc))
	}
	return c.convertObject(c.schema.Fields, obj, "")
}

func (c *Converter) convertObject(fields []Field, obj map[string]any, prefix string) (map[string]any, error) {
	if !c.ignoreUnknown {
		if err := checkUnknown(fields, obj, prefix); err != nil {
			return nil, err
		}
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		path := joinPath(prefix, f.Name)
		raw, present := obj[f.Name]
		if !present || raw == nil {
			if f.Mode == ModeRequired {
				return nil, fieldErr(path, "missing required value")
			}
			out[f.Name] = nil
			continue
		}

		if f.Mode == ModeRepeated {
			items, ok := raw.([]any)
			if !ok {
				return nil, fieldErr(path, "repeated field expects an array, got %s", jsonKind(raw))
			}
			converted := make([]any, 0, len(items))
			for i, item := range items {
				itemPath := fmt.Sprintf("%s[%d]", path, i)
				if item == nil {
					return nil, fieldErr(itemPath, "null element in repeated field")
				}
				v, err := c.convertValue(f, item, itemPath)
				if err != nil {
					return nil, err
				}
				converted = append(converted, v)
			}
			out[f.Name] = converted
			continue
		}

		v, err := c.convertValue(f, raw, path)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func checkUnknown(fields []Field, obj map[string]any, prefix string) error {
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.Name] = struct{}{}
	}
	var unknown []string
	for k := range obj {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fieldErr(joinPath(prefix, unknown[0]), "no such field in schema")
}

func (c *Converter) convertValue(f Field, raw any, path string) (any, error) {
	switch f.Type {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
	case TypeInt64:
		switch v := raw.(type) {
		case json.Number:
			return parseInt(v.String(), path)
		case string:
			return parseInt(strings.TrimSpace(v), path)
		}
	case TypeFloat64:
		switch v := raw.(type) {
		case json.Number:
			return parseFloat(v.String(), path)
		case string:
			return parseFloat(strings.TrimSpace(v), path)
		}
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fieldErr(path, "cannot parse %q as BOOL", v)
			}
			return b, nil
		}
	case TypeTimestamp:
		switch v := raw.(type) {
		case string:
			return parseTimestamp(v, path)
		case json.Number:
			return epochSeconds(v.String(), path)
		}
	case TypeDate:
		if v, ok := raw.(string); ok {
			d, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
			if err != nil {
				return nil, fieldErr(path, "cannot parse %q as DATE", v)
			}
			return d, nil
		}
	case TypeJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(raw); err != nil {
			return nil, fieldErr(path, "cannot encode JSON value: %v", err)
		}
		return strings.TrimRight(buf.String(), "\n"), nil
	case TypeStruct:
		if v, ok := raw.(map[string]any); ok {
			return c.convertObject(f.Fields, v, path)
		}
	default:
		return nil, fieldErr(path, "unsupported type %s", f.Type)
	}
	return nil, fieldErr(path, "expected %s, got %s", f.Type, jsonKind(raw))
}

func parseInt(s, path string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fieldErr(path, "cannot parse %q as INT64", s)
	}
	return n, nil
}

func parseFloat(s, path string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fieldErr(path, "cannot parse %q as FLOAT64", s)
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.DateTime,
}

func parseTimestamp(s, path string) (any, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := epochSeconds(s, path); err == nil {
		return ts, nil
	}
	return nil, fieldErr(path, "cannot parse %q as TIMESTAMP", s)
}

// TIMESTAMP bounds in unix seconds: 0001-01-01T00:00:00Z to
// 9999-12-31T23:59:59Z.
const (
	minEpochSeconds = -62135596800
	maxEpochSeconds = 253402300799
)

func epochSeconds(s, path string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fieldErr(path, "cannot parse %q as epoch seconds", s)
	}
	if f < minEpochSeconds || f >= maxEpochSeconds+1 {
		return nil, fieldErr(path, "epoch seconds %s out of TIMESTAMP range", s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
