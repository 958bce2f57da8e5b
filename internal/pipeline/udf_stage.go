package pipeline

import (
	"context"
	"errors"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/udf"
)

// Transformer applies the user function. *udf.Handle satisfies it.
type Transformer interface {
	Apply(ctx context.Context, env model.Envelope) (string, error)
}

// UDFObserver receives transform counters.
type UDFObserver interface {
	UDFSucceeded()
	UDFFailed()
}

// UDFStage runs the user function over one envelope.
type UDFStage struct {
	fn  Transformer
	obs UDFObserver
}

func NewUDFStage(fn Transformer, obs UDFObserver) *UDFStage {
	return &UDFStage{fn: fn, obs: obs}
}

// Process returns Success with the working payload replaced, or a Failure
// carrying the untouched envelope with the error and stack.
func (s *UDFStage) Process(ctx context.Context, env model.Envelope) Outcome[model.Envelope] {
	if s.fn == nil {
		s.obs.UDFSucceeded()
		return Success[model.Envelope]{Value: env}
	}
	out, err := s.fn.Apply(ctx, env)
	if err != nil {
		s.obs.UDFFailed()
		var ce *udf.CallError
		if errors.As(err, &ce) {
			return Failure{Envelope: env.WithError(ce.Message, ce.Stack), Stage: model.StageUDF}
		}
		return Failure{Envelope: env.WithError(err.Error(), ""), Stage: model.StageUDF}
	}
	s.obs.UDFSucceeded()
	return Success[model.Envelope]{Value: env.WithWorking(out)}
}
