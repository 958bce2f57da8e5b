// Package otlpserver receives OTLP log exports over gRPC and turns every log
// record into one pipeline record.
package otlpserver

import (
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "otlpserver")

const (
	// DefaultAddr is the standard OTLP/gRPC port on loopback.
	DefaultAddr = "127.0.0.1:4317"

	// DefaultLineChannelSize is the default buffer size for received records.
	DefaultLineChannelSize = 100_000

	// DefaultMaxRecvSize is the default maximum size of one export request.
	DefaultMaxRecvSize = 16 << 20
)

// recordNamespace scopes record IDs derived from the record bytes.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/tinytelemetry/sluice/otlp-record"))

// ServerConfig holds tunable parameters for the receiver.
type ServerConfig struct {
	LineChannelSize int
	MaxRecvSize     int
}

// Server implements the OTLP LogsService.
type Server struct {
	collogspb.UnimplementedLogsServiceServer

	addr     string
	grpc     *grpc.Server
	listener net.Listener
	lineChan chan model.IngestEnvelope
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewServer creates a receiver. Default addr is DefaultAddr.
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	lineChannelSize := DefaultLineChannelSize
	maxRecv := DefaultMaxRecvSize
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxRecvSize > 0 {
			maxRecv = conf[0].MaxRecvSize
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:     addr,
		grpc:     grpc.NewServer(grpc.MaxRecvMsgSize(maxRecv)),
		lineChan: make(chan model.IngestEnvelope, lineChannelSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	collogspb.RegisterLogsServiceServer(s.grpc, s)
	return s
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		if err := s.grpc.Serve(listener); err != nil && s.ctx.Err() == nil {
			log.WithError(err).Error("grpc serve failed")
		}
	}()
	log.WithField("addr", listener.Addr().String()).Info("otlp receiver listening")
	return nil
}

// Export implements collogspb.LogsServiceServer.
func (s *Server) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, status.Error(codes.Unavailable, "receiver is shutting down")
	}

	now := time.Now()
	n := 0
	for _, rl := range req.GetResourceLogs() {
		resAttrs := rl.GetResource().GetAttributes()
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				env := envelopeFor(rec, resAttrs, now)
				select {
				case s.lineChan <- env:
					n++
				case <-ctx.Done():
					return nil, status.FromContextError(ctx.Err()).Err()
				case <-s.ctx.Done():
					return nil, status.Error(codes.Unavailable, "receiver is shutting down")
				}
			}
		}
	}
	log.WithField("records", n).Debug("export received")
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func envelopeFor(rec *logspb.LogRecord, resAttrs []*commonpb.KeyValue, now time.Time) model.IngestEnvelope {
	attrs := make(map[string]string, len(resAttrs)+len(rec.GetAttributes())+1)
	for _, kv := range resAttrs {
		attrs[kv.GetKey()] = valueString(kv.GetValue())
	}
	for _, kv := range rec.GetAttributes() {
		attrs[kv.GetKey()] = valueString(kv.GetValue())
	}
	if sev := severityName(rec.GetSeverityText(), rec.GetSeverityNumber()); sev != "" {
		attrs["severity"] = sev
	}
	return model.IngestEnvelope{
		Kind:       model.SourceOTLP,
		Source:     "otlp",
		ID:         recordID(rec, attrs),
		Line:       valueString(rec.GetBody()),
		Attributes: attrs,
		ReceivedAt: now,
	}
}

// recordID prefers an explicit log.record.uid and otherwise hashes the
// record so a re-sent export maps to the same ID.
func recordID(rec *logspb.LogRecord, attrs map[string]string) string {
	if uid := attrs["log.record.uid"]; uid != "" {
		return uid
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(rec)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(recordNamespace, b).String()
}

// valueString renders scalars in their plain form and structured values as
// protojson.
func valueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case nil:
		return ""
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(x.BytesValue)
	default:
		b, err := protojson.Marshal(v)
		if err != nil {
			return v.String()
		}
		return string(b)
	}
}

// Stop shuts the receiver down and closes Lines. In-flight exports fail
// with Unavailable.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.grpc.Stop()
		s.mu.Lock()
		s.closed = true
		close(s.lineChan)
		s.mu.Unlock()
	})
}

// Lines returns the channel of received records.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
