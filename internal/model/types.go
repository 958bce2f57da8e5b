package model

import "time"

// Stage names the pipeline stage a failure originated from.
type Stage string

const (
	StageUDF     Stage = "udf"
	StageConvert Stage = "convert"
	StageSink    Stage = "sink"
)

// Meta is the source metadata that travels with a record through every stage.
type Meta struct {
	Kind       SourceKind
	Source     string
	ID         string
	Attributes map[string]string
	ReceivedAt time.Time
}

// Envelope is the failsafe wrapper for one record. Original is fixed at
// creation; Working is replaced by each successful stage.
type Envelope struct {
	Original     string
	Working      string
	ErrorMessage string
	StackTrace   string
	Meta         Meta
}

// Wrap builds the initial envelope for a raw record.
func Wrap(in IngestEnvelope) Envelope {
	return Envelope{
		Original: in.Line,
		Working:  in.Line,
		Meta: Meta{
			Kind:       in.Kind,
			Source:     in.Source,
			ID:         in.ID,
			Attributes: in.Attributes,
			ReceivedAt: in.ReceivedAt,
		},
	}
}

// Failed reports whether the envelope carries an error.
func (e Envelope) Failed() bool {
	return e.ErrorMessage != ""
}

// WithWorking returns a copy with the working payload replaced and no error.
func (e Envelope) WithWorking(working string) Envelope {
	e.Working = working
	e.ErrorMessage = ""
	e.StackTrace = ""
	return e
}

// WithError returns a copy annotated with a failure. The payloads are untouched.
func (e Envelope) WithError(message, stack string) Envelope {
	if message == "" {
		message = "unknown error"
	}
	e.ErrorMessage = message
	e.StackTrace = stack
	return e
}

// Row is a schema-bound record ready for the sink.
type Row struct {
	InsertID string
	Values   map[string]any
	Envelope Envelope
}

// Rejection is a row the sink refused to commit.
type Rejection struct {
	Row      *Row
	Reason   string // machine-readable category, e.g. "invalid"
	Location string // column or field the error refers to, if known
	Message  string
}

// DeadLetter is one terminal record in the dead-letter destination.
type DeadLetter struct {
	Timestamp       time.Time
	Stage           Stage
	Source          string
	Payload         string
	OriginalPayload string
	ErrorMessage    string
	StackTrace      string
}
