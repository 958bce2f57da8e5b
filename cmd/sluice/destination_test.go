package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/sluice/internal/duckdb"
	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
)

const booksSchema = `{"fields":[
	{"name":"book_id","type":"INT64","mode":"REQUIRED"},
	{"name":"title","type":"STRING"}
]}`

func TestOpenDestination_DuckDB(t *testing.T) {
	t.Parallel()

	sc, err := schema.Parse([]byte(booksSchema))
	if err != nil {
		t.Fatalf("schema.Parse: %v", err)
	}
	cfg := appConfig{
		DBPath:       filepath.Join(t.TempDir(), "sluice.duckdb"),
		QueryTimeout: 5 * time.Second,
		OutputTable:  "books",
		backend:      sink.BackendDuckDB,
		create:       sink.CreateIfNeeded,
		write:        sink.WriteAppend,
	}

	ctx := context.Background()
	dest, err := openDestination(ctx, cfg, sc, nil)
	if err != nil {
		t.Fatalf("openDestination: %v", err)
	}
	defer dest.Close()

	if dest.dlTable != "books"+model.DefaultDeadLetterSuffix {
		t.Fatalf("dlTable = %q", dest.dlTable)
	}
	if dest.reader == nil {
		t.Fatal("duckdb destination should expose dead letters for browsing")
	}

	rejected, err := dest.table.InsertBatch(ctx, []*model.Row{{
		InsertID: "id-1",
		Values:   map[string]any{"book_id": int64(1), "title": "Dune"},
	}})
	if err != nil || len(rejected) != 0 {
		t.Fatalf("InsertBatch = %v, %v", rejected, err)
	}

	dl := model.DeadLetter{
		Timestamp:    time.Now().UTC(),
		Stage:        model.StageConvert,
		Source:       "stdin",
		Payload:      "not,a,book",
		ErrorMessage: "bad row",
	}
	if err := dest.deadLetters.WriteDeadLetters(ctx, []model.DeadLetter{dl}); err != nil {
		t.Fatalf("WriteDeadLetters: %v", err)
	}
	got, err := dest.reader.RecentDeadLetters(ctx, dest.dlTable, duckdb.DeadLetterQuery{})
	if err != nil {
		t.Fatalf("RecentDeadLetters: %v", err)
	}
	if len(got) != 1 || got[0].Payload != "not,a,book" {
		t.Fatalf("dead letters = %+v", got)
	}
}

func TestOpenDestination_ConfiguredDeadLetterTable(t *testing.T) {
	t.Parallel()

	sc, _ := schema.Parse([]byte(booksSchema))
	cfg := appConfig{
		OutputTable:           "books",
		OutputDeadLetterTable: "rejects",
		backend:               sink.BackendDuckDB,
	}

	dest, err := openDestination(context.Background(), cfg, sc, nil)
	if err != nil {
		t.Fatalf("openDestination: %v", err)
	}
	defer dest.Close()

	if dest.dlTable != "rejects" {
		t.Fatalf("dlTable = %q, want rejects", dest.dlTable)
	}
}

func TestJournalPath(t *testing.T) {
	t.Parallel()

	got := journalPath("/var/lib/sluice", sink.BackendBigQuery, "acme:books.daily")
	if !strings.HasPrefix(got, "/var/lib/sluice/") {
		t.Fatalf("journalPath = %q", got)
	}
	if filepath.Base(got) != "bigquery-acme_books_daily.journal" {
		t.Fatalf("base = %q", filepath.Base(got))
	}
}
