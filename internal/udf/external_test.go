package udf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tinytelemetry/sluice/internal/model"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a stand-in external UDF runner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(runHelper(os.Stdin, os.Stdout))
}

func runHelper(in io.Reader, out io.Writer) int {
	dec := msgpack.NewDecoder(in)
	enc := msgpack.NewEncoder(out)

	var hs Handshake
	if err := dec.Decode(&hs); err != nil {
		fmt.Fprintf(os.Stderr, "handshake: %v\n", err)
		return 2
	}
	if len(hs.RowSchema) != 3 || len(hs.FailsafeSchema) != 4 {
		_ = enc.Encode(&HandshakeAck{Error: "unexpected boundary schema"})
		return 0
	}
	if strings.Contains(hs.FunctionSource, "syntax error") {
		_ = enc.Encode(&HandshakeAck{Error: "SyntaxError: invalid syntax", StackTrace: "line 1"})
		return 0
	}
	if err := enc.Encode(&HandshakeAck{OK: true}); err != nil {
		return 2
	}

	for {
		var row ElementRow
		if err := dec.Decode(&row); err != nil {
			return 0
		}
		msg := ""
		if row.Message != nil {
			msg = *row.Message
		}
		reply := FailsafeRow{Original: msg}
		switch {
		case msg == "crash":
			fmt.Fprintln(os.Stderr, "Traceback: fatal crash")
			return 3
		case msg == "boom":
			e, st := "ValueError: boom", "Traceback (most recent call last)"
			reply.ErrorMessage, reply.StackTrace = &e, &st
		case msg == "whoami":
			id := "<none>"
			if row.MessageID != nil {
				id = *row.MessageID
			}
			reply.Transformed = fmt.Sprintf("%s|%s|%d", hs.FunctionName, id, len(row.Attributes))
		default:
			reply.Transformed = strings.ToUpper(msg)
		}
		if err := enc.Encode(&reply); err != nil {
			return 2
		}
	}
}

func externalConfig() Config {
	return Config{
		Engine:       EngineExternal,
		Location:     "transform.py",
		FunctionName: "transform",
		Command:      []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:          []string{"GO_WANT_HELPER_PROCESS=1"},
		CallTimeout:  5 * time.Second,
	}
}

func openExternal(t *testing.T, src string) *Handle {
	t.Helper()
	cfg := externalConfig()
	h, err := Open(context.Background(), cfg, newMemFetcher(cfg.Location, src))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestExternal_TransformsRecords(t *testing.T) {
	h := openExternal(t, "def transform(x): return x.upper()")

	for _, in := range []string{"abc", "hello world"} {
		out, err := h.Apply(context.Background(), fileEnvelope(in))
		if err != nil {
			t.Fatalf("Apply(%q) error: %v", in, err)
		}
		if out != strings.ToUpper(in) {
			t.Fatalf("Apply(%q) = %q", in, out)
		}
	}
}

func TestExternal_ErrorMessageIsFailure(t *testing.T) {
	h := openExternal(t, "def transform(x): raise ValueError(x)")

	_, err := h.Apply(context.Background(), fileEnvelope("boom"))
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Apply err = %v, want *CallError", err)
	}
	if ce.Message != "ValueError: boom" || !strings.Contains(ce.Stack, "Traceback") {
		t.Fatalf("CallError = %+v", ce)
	}

	// The process survives a per-record failure.
	if out, err := h.Apply(context.Background(), fileEnvelope("ok")); err != nil || out != "OK" {
		t.Fatalf("Apply after failure = (%q, %v)", out, err)
	}
}

func TestExternal_CrashRestartsOnNextCall(t *testing.T) {
	h := openExternal(t, "def transform(x): return x")

	_, err := h.Apply(context.Background(), fileEnvelope("crash"))
	var ce *CallError
	if !errors.As(err, &ce) || !strings.Contains(ce.Message, "external process failed") {
		t.Fatalf("Apply(crash) err = %v", err)
	}
	if out, err := h.Apply(context.Background(), fileEnvelope("again")); err != nil || out != "AGAIN" {
		t.Fatalf("Apply after crash = (%q, %v)", out, err)
	}
}

func TestExternal_HandshakeRejectionIsBrokenVersion(t *testing.T) {
	h := openExternal(t, "syntax error here")

	_, err := h.Apply(context.Background(), fileEnvelope("x"))
	if err == nil || !strings.Contains(err.Error(), "SyntaxError") {
		t.Fatalf("Apply err = %v, want SyntaxError load failure", err)
	}
}

func TestExternal_AttributedSourceCarriesIDAndAttributes(t *testing.T) {
	h := openExternal(t, "def transform(x): return x")

	env := model.Wrap(model.IngestEnvelope{
		Kind:       model.SourceOTLP,
		Source:     "otlp",
		ID:         "abc123",
		Line:       "whoami",
		Attributes: map[string]string{"service.name": "api", "host": "h1"},
	})
	out, err := h.Apply(context.Background(), env)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if out != "transform|abc123|2" {
		t.Fatalf("Apply = %q", out)
	}

	out, err = h.Apply(context.Background(), fileEnvelope("whoami"))
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if out != "transform|<none>|0" {
		t.Fatalf("plain source Apply = %q", out)
	}
}

func TestElementFor_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := elementFor(model.Envelope{Working: "x"})
	if err == nil {
		t.Fatal("expected error for unknown source kind")
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	t.Parallel()

	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defgh"))
	if got := tb.String(); got != "defgh" {
		t.Fatalf("tail = %q, want defgh", got)
	}
}
