package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, doc string) *Schema {
	t.Helper()
	s, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return s
}

func TestConvert_NestedRecord(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, bookSchemaJSON))
	got, err := c.Convert(`{"book_id":1,"title":"ABC","details":{"year":2023,"summary":"LOREM IPSUM"}}`)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if got["book_id"] != int64(1) || got["title"] != "ABC" {
		t.Fatalf("top-level values = %#v", got)
	}
	details, ok := got["details"].(map[string]any)
	if !ok {
		t.Fatalf("details = %T, want map", got["details"])
	}
	if details["year"] != int64(2023) || details["summary"] != "LOREM IPSUM" {
		t.Fatalf("details = %#v", details)
	}
}

func TestConvert_Coercions(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, `{"fields":[
		{"name":"n","type":"INT64"},
		{"name":"f","type":"FLOAT64"},
		{"name":"b","type":"BOOL"},
		{"name":"ts","type":"TIMESTAMP"},
		{"name":"epoch","type":"TIMESTAMP"},
		{"name":"d","type":"DATE"},
		{"name":"j","type":"JSON"},
		{"name":"tags","type":"STRING","mode":"REPEATED"},
		{"name":"missing","type":"STRING"}
	]}`))

	got, err := c.Convert(`{"n":"42","f":"1.5","b":"true","ts":"2024-03-01T10:00:00+02:00","epoch":1700000000,"d":"2024-03-01","j":{"k":[1,2]},"tags":["a","b"]}`)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	if got["n"] != int64(42) {
		t.Errorf("n = %#v", got["n"])
	}
	if got["f"] != 1.5 {
		t.Errorf("f = %#v", got["f"])
	}
	if got["b"] != true {
		t.Errorf("b = %#v", got["b"])
	}
	if ts := got["ts"].(time.Time); !ts.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("ts = %v", ts)
	}
	if ts := got["epoch"].(time.Time); ts.Unix() != 1700000000 {
		t.Errorf("epoch = %v", ts)
	}
	if d := got["d"].(time.Time); d.Format(time.DateOnly) != "2024-03-01" {
		t.Errorf("d = %v", d)
	}
	if got["j"] != `{"k":[1,2]}` {
		t.Errorf("j = %#v", got["j"])
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %#v", got["tags"])
	}
	if v, ok := got["missing"]; !ok || v != nil {
		t.Errorf("missing = %#v, present=%v; want explicit nil", v, ok)
	}
}

func TestConvert_Failures(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, bookSchemaJSON))

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "malformed", payload: `{"book_id":`, want: "malformed json"},
		{name: "trailing", payload: `{"book_id":1} {}`, want: "trailing data"},
		{name: "array top level", payload: `[1,2]`, want: "must be a json object"},
		{name: "missing required", payload: `{"title":"ABC"}`, want: "field book_id: missing required"},
		{name: "null required", payload: `{"book_id":null}`, want: "missing required"},
		{name: "type mismatch", payload: `{"book_id":"abc"}`, want: `cannot parse "abc" as INT64`},
		{name: "fractional int", payload: `{"book_id":1.5}`, want: "as INT64"},
		{name: "nested mismatch", payload: `{"book_id":1,"details":{"year":true}}`, want: "field details.year: expected INT64, got boolean"},
		{name: "struct not object", payload: `{"book_id":1,"details":"x"}`, want: "expected STRUCT"},
		{name: "unknown field", payload: `{"book_id":1,"isbn":"x"}`, want: "field isbn: no such field"},
		{name: "unknown nested", payload: `{"book_id":1,"details":{"pages":3}}`, want: "field details.pages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Convert(tt.payload)
			if err == nil {
				t.Fatalf("Convert(%q) = %#v, want error", tt.payload, got)
			}
			if got != nil {
				t.Fatalf("Convert() returned partial values %#v alongside error", got)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Convert() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestConvert_EpochOutOfRange(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, `{"fields":[{"name":"ts","type":"TIMESTAMP"}]}`))

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "huge number", payload: `{"ts":1e300}`, want: "out of TIMESTAMP range"},
		{name: "huge negative", payload: `{"ts":-1e19}`, want: "out of TIMESTAMP range"},
		{name: "past year 9999", payload: `{"ts":253402300800}`, want: "out of TIMESTAMP range"},
		{name: "huge string", payload: `{"ts":"1e300"}`, want: `cannot parse "1e300" as TIMESTAMP`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.Convert(tt.payload)
			if err == nil {
				t.Fatalf("Convert(%q) = %#v, want error", tt.payload, got)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Convert(%q) error = %v, want %q", tt.payload, err, tt.want)
			}
		})
	}

	got, err := c.Convert(`{"ts":253402300799}`)
	if err != nil {
		t.Fatalf("Convert(max) error = %v", err)
	}
	if ts := got["ts"].(time.Time); ts.Year() != 9999 {
		t.Fatalf("max timestamp = %v, want year 9999", ts)
	}
}

func TestConvert_FieldErrorIsTyped(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, bookSchemaJSON))
	_, err := c.Convert(`{"book_id":"x"}`)

	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("error %v is not a *FieldError", err)
	}
	if fe.Path != "book_id" {
		t.Fatalf("Path = %q, want book_id", fe.Path)
	}
}

func TestConvert_IgnoreUnknownValues(t *testing.T) {
	t.Parallel()

	c := NewConverter(mustParse(t, bookSchemaJSON), WithIgnoreUnknownValues(true))
	got, err := c.Convert(`{"book_id":7,"isbn":"x","details":{"year":1999,"pages":3}}`)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if _, ok := got["isbn"]; ok {
		t.Fatalf("unknown key leaked into row: %#v", got)
	}
	details := got["details"].(map[string]any)
	if _, ok := details["pages"]; ok {
		t.Fatalf("unknown nested key leaked into row: %#v", details)
	}
}
