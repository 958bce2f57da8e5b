package sink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/sluice/internal/journal"
	"github.com/tinytelemetry/sluice/internal/model"
)

// fakeTable commits rows in memory. Rows whose "bad" value is true are
// rejected; failTransient makes the next n calls fail with a transient error.
type fakeTable struct {
	mu            sync.Mutex
	committed     []*model.Row
	batches       int
	failTransient int
	failPermanent error
}

func (f *fakeTable) InsertBatch(_ context.Context, rows []*model.Row) ([]model.Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.failTransient > 0 {
		f.failTransient--
		return nil, Transient(errors.New("database is locked"))
	}
	if f.failPermanent != nil {
		return nil, f.failPermanent
	}
	var rejected []model.Rejection
	for _, r := range rows {
		if bad, _ := r.Values["bad"].(bool); bad {
			rejected = append(rejected, model.Rejection{Row: r, Reason: "invalid", Location: "bad", Message: "bad row"})
			continue
		}
		f.committed = append(f.committed, r)
	}
	return rejected, nil
}

func (f *fakeTable) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.committed))
	for i, r := range f.committed {
		out[i] = r.InsertID
	}
	return out
}

type countingObserver struct {
	mu        sync.Mutex
	committed int
	rejected  int
	retries   int
}

func (c *countingObserver) SinkRetried()         { c.mu.Lock(); c.retries++; c.mu.Unlock() }
func (c *countingObserver) RowsCommitted(n int)  { c.mu.Lock(); c.committed += n; c.mu.Unlock() }
func (c *countingObserver) RowRejected()         { c.mu.Lock(); c.rejected++; c.mu.Unlock() }
func (c *countingObserver) ObserveFlush(float64) {}

func row(id string, bad bool) *model.Row {
	env := model.Wrap(model.IngestEnvelope{Kind: model.SourceStdin, Source: "stdin", Line: `{"id":"` + id + `"}`})
	return &model.Row{InsertID: id, Values: map[string]any{"id": id, "bad": bad}, Envelope: env}
}

func runBuffer(t *testing.T, b *InsertBuffer, rows []*model.Row) ([]model.Rejection, error) {
	t.Helper()
	in := make(chan *model.Row, len(rows))
	for _, r := range rows {
		in <- r
	}
	close(in)

	rejects := make(chan model.Rejection, len(rows)+1)
	err := b.Run(context.Background(), in, rejects)
	close(rejects)

	var out []model.Rejection
	for rj := range rejects {
		out = append(out, rj)
	}
	return out, err
}

func TestInsertBuffer_CommitsAndRejectsEveryRow(t *testing.T) {
	t.Parallel()

	table := &fakeTable{}
	obs := &countingObserver{}
	b, err := NewInsertBuffer(table, InsertBufferConfig{BatchSize: 2, FlushInterval: time.Hour, Observer: obs})
	if err != nil {
		t.Fatalf("NewInsertBuffer: %v", err)
	}

	rejected, err := runBuffer(t, b, []*model.Row{row("a", false), row("b", true), row("c", false), row("d", false), row("e", true)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := table.ids(); len(got) != 3 {
		t.Fatalf("committed = %v, want 3 rows", got)
	}
	if len(rejected) != 2 || rejected[0].Row.InsertID != "b" || rejected[1].Row.InsertID != "e" {
		t.Fatalf("rejected = %+v", rejected)
	}
	if obs.committed != 3 || obs.rejected != 2 {
		t.Fatalf("observer committed=%d rejected=%d", obs.committed, obs.rejected)
	}
	if table.batches != 3 {
		t.Fatalf("batches = %d, want 3 (2+2+1)", table.batches)
	}
}

func TestInsertBuffer_FlushesOnInterval(t *testing.T) {
	t.Parallel()

	table := &fakeTable{}
	b, err := NewInsertBuffer(table, InsertBufferConfig{BatchSize: 100, FlushInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewInsertBuffer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan *model.Row)
	rejects := make(chan model.Rejection, 1)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, in, rejects) }()

	in <- row("a", false)
	deadline := time.After(2 * time.Second)
	for len(table.ids()) == 0 {
		select {
		case <-deadline:
			t.Fatal("row was not flushed by the interval ticker")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestInsertBuffer_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	table := &fakeTable{failTransient: 2}
	obs := &countingObserver{}
	b, _ := NewInsertBuffer(table, InsertBufferConfig{BatchSize: 10, Retry: fastPolicy, Observer: obs})

	rejected, err := runBuffer(t, b, []*model.Row{row("a", false)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rejected) != 0 || len(table.ids()) != 1 {
		t.Fatalf("rejected=%d committed=%d", len(rejected), len(table.ids()))
	}
	if obs.retries != 2 {
		t.Fatalf("retries = %d, want 2", obs.retries)
	}
}

func TestInsertBuffer_ExhaustedRetriesAreFatal(t *testing.T) {
	t.Parallel()

	table := &fakeTable{failTransient: 100}
	b, _ := NewInsertBuffer(table, InsertBufferConfig{BatchSize: 10, Retry: fastPolicy})

	_, err := runBuffer(t, b, []*model.Row{row("a", false)})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run err = %v, want ErrRetriesExhausted", err)
	}
}

func TestInsertBuffer_PermanentBatchErrorRejectsAllRows(t *testing.T) {
	t.Parallel()

	table := &fakeTable{failPermanent: errors.New("table has no column named id")}
	b, _ := NewInsertBuffer(table, InsertBufferConfig{BatchSize: 10})

	rejected, err := runBuffer(t, b, []*model.Row{row("a", false), row("b", false)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(rejected))
	}
	for _, rj := range rejected {
		if rj.Reason != "backendError" || rj.Message != "table has no column named id" {
			t.Fatalf("rejection = %+v", rj)
		}
	}
}

func TestInsertBuffer_JournalRequiresReconvert(t *testing.T) {
	t.Parallel()

	j, err := journal.Open(filepath.Join(t.TempDir(), "sink.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	if _, err := NewInsertBuffer(&fakeTable{}, InsertBufferConfig{Journal: j}); err == nil {
		t.Fatal("expected error for journal without reconvert")
	}
}

func TestInsertBuffer_ReplaysUncommittedJournalEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sink.journal")

	// First run: the table is down for good, so staged rows stay uncommitted.
	j1, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	reconvert := func(env model.Envelope) (map[string]any, error) {
		if env.Working == "unconvertible" {
			return nil, errors.New("schema changed")
		}
		return map[string]any{"payload": env.Working}, nil
	}
	down := &fakeTable{failTransient: 1000}
	b1, _ := NewInsertBuffer(down, InsertBufferConfig{BatchSize: 10, Retry: fastPolicy, Journal: j1, Reconvert: reconvert})

	r1 := row("id-1", false)
	r2 := row("id-2", false)
	r2.Envelope = r2.Envelope.WithWorking("unconvertible")
	if _, err := runBuffer(t, b1, []*model.Row{r1, r2}); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("first run err = %v, want exhausted", err)
	}
	_ = j1.Close()

	// Second run: staged rows are replayed before new input.
	j2, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open second: %v", err)
	}
	defer j2.Close()
	up := &fakeTable{}
	b2, _ := NewInsertBuffer(up, InsertBufferConfig{BatchSize: 10, Journal: j2, Reconvert: reconvert})

	rejected, err := runBuffer(t, b2, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := up.ids(); len(got) != 1 || got[0] != "id-1" {
		t.Fatalf("replayed commits = %v, want [id-1]", got)
	}
	if len(rejected) != 1 || rejected[0].Row.InsertID != "id-2" {
		t.Fatalf("replayed rejections = %+v", rejected)
	}
	if j2.Committed() != 2 {
		t.Fatalf("journal watermark = %d, want 2", j2.Committed())
	}
}
