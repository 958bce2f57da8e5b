package logsource

import (
	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/otlpserver"
)

// OTLPSource wraps an otlpserver.Server as a LogSource.
type OTLPSource struct {
	server *otlpserver.Server
}

// NewOTLPSource creates an OTLPSource from an already-started OTLP receiver.
func NewOTLPSource(server *otlpserver.Server) *OTLPSource {
	return &OTLPSource{server: server}
}

func (o *OTLPSource) Lines() <-chan model.IngestEnvelope { return o.server.Lines() }
func (o *OTLPSource) Stop()                              { o.server.Stop() }
func (o *OTLPSource) Name() string                       { return "otlp" }
