// Package logsource provides the record sources that feed the pipeline.
package logsource

import (
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "logsource")

// Kind identifies an input source. It is the closed set declared in model.
type Kind = model.SourceKind

const (
	KindFile  = model.SourceFile
	KindStdin = model.SourceStdin
	KindTCP   = model.SourceTCP
	KindOTLP  = model.SourceOTLP
)

// ParseKind maps a configuration name to a Kind. Unknown names are an error.
func ParseKind(name string) (Kind, error) {
	return model.ParseSourceKind(name)
}

// LogSource is a unified interface for all record sources.
type LogSource interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of records
	Stop()                              // stop producing and close Lines
	Name() string                       // "file", "stdin", "tcp", "otlp"
}
