// Package pipeline wires the transform, conversion, sink and dead-letter
// stages into one failsafe run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/sluice/internal/model"
)

// Outcome is the result of one stage for one record: either Success[T] or
// Failure. No other implementations exist.
type Outcome[T any] interface {
	outcome()
}

// Success carries a stage's output.
type Success[T any] struct {
	Value T
}

func (Success[T]) outcome() {}

// Failure carries the envelope annotated with the error and the stage that
// produced it.
type Failure struct {
	Envelope model.Envelope
	Stage    model.Stage
}

func (Failure) outcome() {}

// Split routes each outcome from in to ok or failed until in is closed,
// then closes both outputs.
func Split[T any](ctx context.Context, in <-chan Outcome[T], ok chan<- T, failed chan<- Failure) error {
	defer close(ok)
	defer close(failed)
	for o := range in {
		switch v := o.(type) {
		case Success[T]:
			if err := send(ctx, ok, v.Value); err != nil {
				return err
			}
		case Failure:
			if err := send(ctx, failed, v); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("pipeline: unexpected outcome %T", o))
		}
	}
	return nil
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
