package udf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinytelemetry/sluice/internal/model"
)

// memFetcher serves mutable in-memory sources.
type memFetcher struct {
	mu    sync.Mutex
	files map[string]string
	err   error
}

func newMemFetcher(loc, src string) *memFetcher {
	return &memFetcher{files: map[string]string{loc: src}}
}

func (m *memFetcher) set(loc, src string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[loc] = src
}

func (m *memFetcher) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memFetcher) Fetch(_ context.Context, loc string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	src, ok := m.files[loc]
	if !ok {
		return nil, fmt.Errorf("no such resource %s", loc)
	}
	return []byte(src), nil
}

type countingObserver struct {
	reloads, failures atomic.Int64
}

func (c *countingObserver) UDFReloaded()     { c.reloads.Add(1) }
func (c *countingObserver) UDFReloadFailed() { c.failures.Add(1) }

func fileEnvelope(line string) model.Envelope {
	return model.Wrap(model.IngestEnvelope{Kind: model.SourceFile, Source: "in.txt", ID: "in.txt:1", Line: line})
}

func jsConfig() Config {
	return Config{Engine: EngineJavaScript, Location: "transform.js", FunctionName: "transform"}
}

func TestParseEngine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Engine
		wantErr bool
	}{
		{in: "", want: EngineNone},
		{in: "none", want: EngineNone},
		{in: "JavaScript", want: EngineJavaScript},
		{in: "external", want: EngineExternal},
		{in: "python", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEngine(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseEngine(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseEngine(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestOpen_Passthrough(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Engine: EngineNone, Location: "ignored.js"},
		{Engine: EngineJavaScript, Location: ""},
	} {
		h, err := Open(context.Background(), cfg, newMemFetcher("x", ""))
		if err != nil {
			t.Fatalf("Open(%+v) error: %v", cfg, err)
		}
		out, err := h.Apply(context.Background(), fileEnvelope("raw"))
		if err != nil || out != "raw" {
			t.Fatalf("Apply = (%q, %v), want (raw, nil)", out, err)
		}
	}
}

func TestOpen_UnreachableSourceIsFatal(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), jsConfig(), newMemFetcher("other.js", ""))
	if err == nil {
		t.Fatal("expected error for unreachable udf source")
	}
}

func TestOpen_RequiresFunctionName(t *testing.T) {
	t.Parallel()

	cfg := jsConfig()
	cfg.FunctionName = ""
	if _, err := Open(context.Background(), cfg, newMemFetcher(cfg.Location, "")); err == nil {
		t.Fatal("expected error for missing function name")
	}
}

func TestHandle_BrokenInitialCompileFailsPerRecordUntilReload(t *testing.T) {
	t.Parallel()

	fetch := newMemFetcher("transform.js", "function transform(x) { return x +")
	obs := &countingObserver{}
	h, err := Open(context.Background(), jsConfig(), fetch, WithObserver(obs))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer h.Close()

	_, err = h.Apply(context.Background(), fileEnvelope("a"))
	var ce *CallError
	if !errors.As(err, &ce) || !strings.Contains(ce.Message, "failed to load") {
		t.Fatalf("Apply err = %v, want load CallError", err)
	}

	fetch.set("transform.js", "function transform(x) { return x + '!'; }")
	changed, err := h.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("Reload = (%v, %v), want (true, nil)", changed, err)
	}
	out, err := h.Apply(context.Background(), fileEnvelope("a"))
	if err != nil || out != "a!" {
		t.Fatalf("Apply after reload = (%q, %v)", out, err)
	}
	if obs.reloads.Load() != 1 {
		t.Fatalf("reloads = %d, want 1", obs.reloads.Load())
	}
}

func TestHandle_ReloadKeepsLastGoodVersion(t *testing.T) {
	t.Parallel()

	fetch := newMemFetcher("transform.js", "function transform(x) { return 'v1:' + x; }")
	obs := &countingObserver{}
	h, err := Open(context.Background(), jsConfig(), fetch, WithObserver(obs))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer h.Close()
	v1 := h.Version()

	// Unchanged content is not a reload.
	if changed, err := h.Reload(context.Background()); changed || err != nil {
		t.Fatalf("Reload unchanged = (%v, %v)", changed, err)
	}

	fetch.set("transform.js", "function transform(x) { return 'v2:' + ")
	if _, err := h.Reload(context.Background()); err == nil {
		t.Fatal("expected reload compile error")
	}
	fetch.fail(errors.New("network down"))
	if _, err := h.Reload(context.Background()); err == nil {
		t.Fatal("expected reload fetch error")
	}

	out, err := h.Apply(context.Background(), fileEnvelope("x"))
	if err != nil || out != "v1:x" {
		t.Fatalf("Apply = (%q, %v), want v1:x", out, err)
	}
	if h.Version() != v1 {
		t.Fatalf("version changed to %d after failed reloads", h.Version())
	}
	if obs.failures.Load() != 2 {
		t.Fatalf("reload failures = %d, want 2", obs.failures.Load())
	}
}

func TestHandle_RunPicksUpChanges(t *testing.T) {
	t.Parallel()

	fetch := newMemFetcher("transform.js", "function transform(x) { return 'old'; }")
	cfg := jsConfig()
	cfg.ReloadInterval = 5 * time.Millisecond
	h, err := Open(context.Background(), cfg, fetch)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	fetch.set("transform.js", "function transform(x) { return 'new'; }")
	deadline := time.After(2 * time.Second)
	for {
		out, err := h.Apply(context.Background(), fileEnvelope("x"))
		if err != nil {
			t.Fatalf("Apply error: %v", err)
		}
		if out == "new" {
			break
		}
		if out != "old" {
			t.Fatalf("Apply = %q, want old or new", out)
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestHandle_ReloadIsAtomicPerRecord(t *testing.T) {
	t.Parallel()

	// Both halves of the output come from the same version, so a record can
	// never observe a mix.
	src := func(tag string) string {
		return fmt.Sprintf("var tag = %q; function transform(x) { return tag + '-' + tag; }", tag)
	}
	fetch := newMemFetcher("transform.js", src("a"))
	h, err := Open(context.Background(), jsConfig(), fetch)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var bad atomic.Value
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				out, err := h.Apply(context.Background(), fileEnvelope("x"))
				if err != nil {
					bad.Store(err.Error())
					return
				}
				if out != "a-a" && out != "b-b" {
					bad.Store(out)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		tag := "a"
		if i%2 == 0 {
			tag = "b"
		}
		fetch.set("transform.js", src(tag))
		if _, err := h.Reload(context.Background()); err != nil {
			t.Fatalf("Reload error: %v", err)
		}
	}
	cancel()
	wg.Wait()

	if v := bad.Load(); v != nil {
		t.Fatalf("observed inconsistent output %v", v)
	}
}

func TestHandle_ApplyAfterClose(t *testing.T) {
	t.Parallel()

	h, err := Open(context.Background(), jsConfig(), newMemFetcher("transform.js", "function transform(x) { return x; }"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	h.Close()
	if _, err := h.Apply(context.Background(), fileEnvelope("x")); err == nil {
		t.Fatal("expected error after Close")
	}
}
