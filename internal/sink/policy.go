// Package sink batches schema-bound rows into a destination table with
// bounded retries, optional staging, and per-row rejection reporting.
package sink

import (
	"fmt"
	"strings"
	"time"
)

// Backend selects the storage system behind a Table.
type Backend uint8

const (
	BackendDuckDB Backend = iota + 1
	BackendBigQuery
)

func (b Backend) String() string {
	switch b {
	case BackendDuckDB:
		return "duckdb"
	case BackendBigQuery:
		return "bigquery"
	default:
		return "unknown"
	}
}

func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "duckdb":
		return BackendDuckDB, nil
	case "bigquery", "bq":
		return BackendBigQuery, nil
	default:
		return 0, fmt.Errorf("unknown sink %q (want duckdb or bigquery)", name)
	}
}

// CreateDisposition controls whether a missing destination table is created.
type CreateDisposition string

const (
	CreateIfNeeded CreateDisposition = "CREATE_IF_NEEDED"
	CreateNever    CreateDisposition = "CREATE_NEVER"
)

func ParseCreateDisposition(s string) (CreateDisposition, error) {
	switch CreateDisposition(strings.ToUpper(strings.TrimSpace(s))) {
	case "", CreateIfNeeded:
		return CreateIfNeeded, nil
	case CreateNever:
		return CreateNever, nil
	default:
		return "", fmt.Errorf("unknown create disposition %q", s)
	}
}

// WriteDisposition controls what happens to existing rows at startup.
type WriteDisposition string

const (
	WriteAppend   WriteDisposition = "WRITE_APPEND"
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
)

func ParseWriteDisposition(s string) (WriteDisposition, error) {
	switch WriteDisposition(strings.ToUpper(strings.TrimSpace(s))) {
	case "", WriteAppend:
		return WriteAppend, nil
	case WriteEmpty:
		return WriteEmpty, nil
	case WriteTruncate:
		return WriteTruncate, nil
	default:
		return "", fmt.Errorf("unknown write disposition %q", s)
	}
}

// DeliveryMode selects the de-duplication guarantee.
type DeliveryMode uint8

const (
	ExactlyOnce DeliveryMode = iota
	AtLeastOnce
)

func (m DeliveryMode) String() string {
	if m == AtLeastOnce {
		return "at-least-once"
	}
	return "exactly-once"
}

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exactly-once", "exactly_once":
		return ExactlyOnce, nil
	case "at-least-once", "at_least_once":
		return AtLeastOnce, nil
	default:
		return 0, fmt.Errorf("unknown delivery mode %q (want exactly-once or at-least-once)", s)
	}
}

// TableConfig is what a backend needs to prepare the destination.
type TableConfig struct {
	Name     string
	Create   CreateDisposition
	Write    WriteDisposition
	Delivery DeliveryMode
}

// RetryPolicy bounds retries of transient sink errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero-valued fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}
