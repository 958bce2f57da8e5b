package otlpserver

import (
	"context"
	"strings"
	"testing"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinytelemetry/sluice/internal/model"
)

func str(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func kv(k string, v *commonpb.AnyValue) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: v}
}

func TestNewServer_DefaultAddress(t *testing.T) {
	t.Parallel()

	if got := NewServer("").Addr(); got != DefaultAddr {
		t.Fatalf("Addr() = %q, want %q", got, DefaultAddr)
	}
}

func TestValueString(t *testing.T) {
	t.Parallel()

	kvlist := &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{
		Values: []*commonpb.KeyValue{kv("a", str("b"))},
	}}}
	tests := []struct {
		in   *commonpb.AnyValue
		want string
	}{
		{in: nil, want: ""},
		{in: str("hello"), want: "hello"},
		{in: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 42}}, want: "42"},
		{in: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}, want: "true"},
		{in: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 1.5}}, want: "1.5"},
	}
	for _, tt := range tests {
		if got := valueString(tt.in); got != tt.want {
			t.Errorf("valueString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := valueString(kvlist); !strings.Contains(got, "kvlistValue") || !strings.Contains(got, `"b"`) {
		t.Fatalf("structured body = %q", got)
	}
}

func TestServer_ExportEmitsOneRecordPerLogRecord(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	rec := &logspb.LogRecord{
		Body:         str(`{"book_id":1}`),
		SeverityText: "INFO",
		Attributes:   []*commonpb.KeyValue{kv("env", str("test"))},
	}
	req := &collogspb.ExportLogsServiceRequest{ResourceLogs: []*logspb.ResourceLogs{{
		Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kv("service.name", str("books"))}},
		ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{
			rec,
			{Body: str("second"), Attributes: []*commonpb.KeyValue{kv("log.record.uid", str("uid-2"))}},
		}}},
	}}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := collogspb.NewLogsServiceClient(conn)
	if _, err := client.Export(ctx, req); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var got []model.IngestEnvelope
	for len(got) < 2 {
		select {
		case env := <-s.Lines():
			got = append(got, env)
		case <-ctx.Done():
			t.Fatalf("timed out, got %d records", len(got))
		}
	}
	first := got[0]
	if first.Kind != model.SourceOTLP || first.Line != `{"book_id":1}` {
		t.Fatalf("first = %+v", first)
	}
	if first.Attributes["service.name"] != "books" || first.Attributes["env"] != "test" || first.Attributes["severity"] != "INFO" {
		t.Fatalf("attributes = %v", first.Attributes)
	}
	if first.ID == "" || first.ID != recordID(rec, first.Attributes) {
		t.Fatalf("id = %q is not deterministic", first.ID)
	}
	if got[1].ID != "uid-2" {
		t.Fatalf("second id = %q", got[1].ID)
	}
}

func TestServer_StopClosesLines(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if _, ok := <-s.Lines(); ok {
		t.Fatal("expected closed lines channel")
	}
}
