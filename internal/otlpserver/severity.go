package otlpserver

import (
	"strings"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

// severityName returns a short upper-case level for a record. Free-form
// severity text wins; otherwise the OTLP severity number range decides.
// Records with neither get "".
func severityName(text string, number logspb.SeverityNumber) string {
	if name := normalizeSeverity(text); name != "" {
		return name
	}
	switch n := int32(number); {
	case n <= 0:
		return ""
	case n <= 4:
		return "TRACE"
	case n <= 8:
		return "DEBUG"
	case n <= 12:
		return "INFO"
	case n <= 16:
		return "WARN"
	case n <= 20:
		return "ERROR"
	default:
		return "FATAL"
	}
}

func normalizeSeverity(severity string) string {
	normalized := strings.ToUpper(strings.TrimSpace(severity))

	switch normalized {
	case "":
		return ""
	case "TRACE", "TRAC", "TRC":
		return "TRACE"
	case "DEBUG", "DEBU", "DBG", "DEB":
		return "DEBUG"
	case "INFO", "INFORMATION", "INF":
		return "INFO"
	case "WARN", "WARNING", "WRNG", "WRN":
		return "WARN"
	case "ERROR", "ERR", "ERRO":
		return "ERROR"
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC":
		return "FATAL"
	}
	// OTLP short names carry a numeric suffix: INFO2, WARN4.
	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "INFO":
			return "INFO"
		case "WARN":
			return "WARN"
		case "ERRO":
			return "ERROR"
		case "DEBU":
			return "DEBUG"
		case "TRAC":
			return "TRACE"
		case "FATA", "CRIT":
			return "FATAL"
		}
	}
	// Unrecognised text is kept as sent.
	return severity
}
