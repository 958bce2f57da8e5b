package schema

import (
	"strings"
	"testing"
)

const bookSchemaJSON = `{
	"fields": [
		{"name": "book_id", "type": "INTEGER", "mode": "REQUIRED"},
		{"name": "title", "type": "STRING"},
		{"name": "details", "type": "RECORD", "fields": [
			{"name": "year", "type": "INT64"},
			{"name": "summary", "type": "STRING"}
		]}
	]
}`

func TestParse_JSONNormalizesAliases(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(bookSchemaJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := strings.Join(s.Names(), ","); got != "book_id,title,details" {
		t.Fatalf("Names() = %q", got)
	}

	id, _ := s.Lookup("book_id")
	if id.Type != TypeInt64 || id.Mode != ModeRequired {
		t.Fatalf("book_id = %+v, want INT64 REQUIRED", id)
	}
	title, _ := s.Lookup("title")
	if title.Mode != ModeNullable {
		t.Fatalf("title mode = %q, want NULLABLE default", title.Mode)
	}
	details, ok := s.Lookup("details")
	if !ok || details.Type != TypeStruct || len(details.Fields) != 2 {
		t.Fatalf("details = %+v", details)
	}
}

func TestParse_YAML(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(`
fields:
  - name: id
    type: int64
  - name: tags
    type: string
    mode: repeated
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tags, ok := s.Lookup("tags")
	if !ok || tags.Mode != ModeRepeated || tags.Type != TypeString {
		t.Fatalf("tags = %+v", tags)
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "empty", doc: "   ", want: "empty"},
		{name: "no fields", doc: `{"fields": []}`, want: "no fields"},
		{name: "bad type", doc: `{"fields":[{"name":"a","type":"GEOGRAPHY"}]}`, want: "unsupported type"},
		{name: "bad mode", doc: `{"fields":[{"name":"a","type":"STRING","mode":"OPTIONAL"}]}`, want: "unsupported mode"},
		{name: "duplicate", doc: `{"fields":[{"name":"a","type":"STRING"},{"name":"A","type":"STRING"}]}`, want: "duplicate"},
		{name: "bad name", doc: `{"fields":[{"name":"a-b","type":"STRING"}]}`, want: "invalid field name"},
		{name: "empty struct", doc: `{"fields":[{"name":"a","type":"STRUCT"}]}`, want: "no sub-fields"},
		{name: "scalar with children", doc: `{"fields":[{"name":"a","type":"STRING","fields":[{"name":"b","type":"STRING"}]}]}`, want: "declares sub-fields"},
		{name: "malformed", doc: `{"fields": [`, want: "decode json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.doc)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
