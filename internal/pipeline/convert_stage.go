package pipeline

import (
	"github.com/google/uuid"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
)

// insertIDNamespace scopes deterministic insert IDs.
var insertIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/tinytelemetry/sluice/insert-id"))

// InsertID derives the de-duplication ID for an envelope. Records with a
// stable source identity always map to the same ID.
func InsertID(env model.Envelope) string {
	if env.Meta.ID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(insertIDNamespace, []byte(env.Meta.Source+"\x00"+env.Meta.ID)).String()
}

// ConvertObserver receives conversion counters.
type ConvertObserver interface {
	ConvertSucceeded()
	ConvertFailed()
}

// ConvertStage turns the working payload into a schema-bound row.
type ConvertStage struct {
	conv *schema.Converter
	obs  ConvertObserver
}

func NewConvertStage(conv *schema.Converter, obs ConvertObserver) *ConvertStage {
	return &ConvertStage{conv: conv, obs: obs}
}

// Process converts env.Working. A failing record yields no row; its Failure
// keeps the working payload produced by the transform.
func (s *ConvertStage) Process(env model.Envelope) Outcome[*model.Row] {
	values, err := s.conv.Convert(env.Working)
	if err != nil {
		s.obs.ConvertFailed()
		return Failure{Envelope: env.WithError(err.Error(), ""), Stage: model.StageConvert}
	}
	s.obs.ConvertSucceeded()
	return Success[*model.Row]{Value: &model.Row{
		InsertID: InsertID(env),
		Values:   values,
		Envelope: env,
	}}
}

