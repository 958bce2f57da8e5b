package udf

import (
	"fmt"

	"github.com/tinytelemetry/sluice/internal/model"
)

// Wire types exchanged with an external UDF process. Frames are consecutive
// msgpack values on the child's stdin/stdout.

// BoundaryField declares one column of a boundary schema.
type BoundaryField struct {
	Name     string `msgpack:"name"`
	Type     string `msgpack:"type"`
	Optional bool   `msgpack:"optional"`
}

// ElementRowSchema is the shape of every record sent to the child.
var ElementRowSchema = []BoundaryField{
	{Name: "messageId", Type: "string", Optional: true},
	{Name: "message", Type: "string", Optional: true},
	{Name: "attributes", Type: "map<string,string>"},
}

// FailsafeRowSchema is the shape of every reply from the child.
var FailsafeRowSchema = []BoundaryField{
	{Name: "original", Type: "string"},
	{Name: "transformed", Type: "string"},
	{Name: "error_message", Type: "string", Optional: true},
	{Name: "stack_trace", Type: "string", Optional: true},
}

// Handshake is the first frame on a new child process. It registers both
// boundary schemas and the function to run before any record flows.
type Handshake struct {
	Protocol       int             `msgpack:"protocol"`
	FunctionName   string          `msgpack:"function_name"`
	FunctionSource string          `msgpack:"function_source"`
	RowSchema      []BoundaryField `msgpack:"row_schema"`
	FailsafeSchema []BoundaryField `msgpack:"failsafe_schema"`
}

// HandshakeAck is the child's answer to a Handshake.
type HandshakeAck struct {
	OK         bool   `msgpack:"ok"`
	Error      string `msgpack:"error,omitempty"`
	StackTrace string `msgpack:"stack_trace,omitempty"`
}

const protocolVersion = 1

// ElementRow is one input record.
type ElementRow struct {
	MessageID  *string           `msgpack:"messageId,omitempty"`
	Message    *string           `msgpack:"message,omitempty"`
	Attributes map[string]string `msgpack:"attributes"`
}

// FailsafeRow is the child's result for one ElementRow. A non-empty
// ErrorMessage marks a transform failure.
type FailsafeRow struct {
	Original     string  `msgpack:"original"`
	Transformed  string  `msgpack:"transformed"`
	ErrorMessage *string `msgpack:"error_message,omitempty"`
	StackTrace   *string `msgpack:"stack_trace,omitempty"`
}

func (r FailsafeRow) failed() bool {
	return r.ErrorMessage != nil && *r.ErrorMessage != ""
}

// elementFor maps an envelope to its wire row. Attributed sources carry the
// record id and attributes; plain-text sources carry only the message.
func elementFor(env model.Envelope) (ElementRow, error) {
	msg := env.Working
	switch env.Meta.Kind {
	case model.SourceOTLP:
		row := ElementRow{Message: &msg, Attributes: env.Meta.Attributes}
		if env.Meta.ID != "" {
			id := env.Meta.ID
			row.MessageID = &id
		}
		if row.Attributes == nil {
			row.Attributes = map[string]string{}
		}
		return row, nil
	case model.SourceFile, model.SourceStdin, model.SourceTCP:
		return ElementRow{Message: &msg, Attributes: map[string]string{}}, nil
	default:
		return ElementRow{}, fmt.Errorf("no element mapping for source kind %s", env.Meta.Kind)
	}
}
