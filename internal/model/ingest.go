package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies the kind of input that produced a record.
// It is a closed set: every switch over it must handle each declared kind.
type SourceKind uint8

const (
	SourceUnknown SourceKind = iota
	SourceFile
	SourceStdin
	SourceTCP
	SourceOTLP
)

// String returns the configuration name of the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceStdin:
		return "stdin"
	case SourceTCP:
		return "tcp"
	case SourceOTLP:
		return "otlp"
	default:
		return "unknown"
	}
}

// Attributed reports whether records of this kind carry an identifier and
// attribute map alongside the text payload.
func (k SourceKind) Attributed() bool {
	switch k {
	case SourceOTLP:
		return true
	case SourceFile, SourceStdin, SourceTCP:
		return false
	default:
		panic(fmt.Sprintf("model: unhandled source kind %d", k))
	}
}

// ParseSourceKind maps a configuration name to a SourceKind.
func ParseSourceKind(name string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "file":
		return SourceFile, nil
	case "stdin":
		return SourceStdin, nil
	case "tcp":
		return SourceTCP, nil
	case "otlp":
		return SourceOTLP, nil
	default:
		return SourceUnknown, fmt.Errorf("unknown input kind %q (want file, stdin, tcp or otlp)", name)
	}
}

// IngestEnvelope carries one raw text record with source metadata.
// It is the transport contract between input sources and the pipeline.
type IngestEnvelope struct {
	Kind       SourceKind
	Source     string // source name, e.g. the file path or "tcp"
	ID         string // stable record identity when the source has one
	Line       string
	Attributes map[string]string
	ReceivedAt time.Time
}
