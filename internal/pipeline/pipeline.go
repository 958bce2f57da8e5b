package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
)

var log = logrus.WithField("component", "pipeline")

// Observer receives stage counters. metrics.Pipeline satisfies it.
type Observer interface {
	UDFObserver
	ConvertObserver
	DeadLetterObserver
	RecordIn(source string)
}

type nopObserver struct{}

func (nopObserver) RecordIn(string)     {}
func (nopObserver) UDFSucceeded()       {}
func (nopObserver) UDFFailed()          {}
func (nopObserver) ConvertSucceeded()   {}
func (nopObserver) ConvertFailed()      {}
func (nopObserver) SinkRetried()        {}
func (nopObserver) DeadLettered(string) {}

// Sink consumes converted rows and reports every refused row on rejects.
// *sink.InsertBuffer satisfies it.
type Sink interface {
	Run(ctx context.Context, in <-chan *model.Row, rejects chan<- model.Rejection) error
}

// Config wires the stages of one pipeline.
type Config struct {
	Workers     int
	Transform   Transformer // nil passes records through unchanged
	Converter   *schema.Converter
	Sink        Sink
	DeadLetters DeadLetterWriter

	DeadLetterBatchSize     int
	DeadLetterFlushInterval time.Duration
	DeadLetterRetry         sink.RetryPolicy

	Observer Observer
}

// Pipeline moves records from a source through transform, conversion and
// sink, and routes every failure to the dead-letter writer.
type Pipeline struct {
	workers int
	udf     *UDFStage
	convert *ConvertStage
	sink    Sink
	merger  *Merger
	obs     Observer
}

func New(conf Config) (*Pipeline, error) {
	switch {
	case conf.Converter == nil:
		return nil, errors.New("pipeline: converter is required")
	case conf.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	case conf.DeadLetters == nil:
		return nil, errors.New("pipeline: dead-letter writer is required")
	}
	obs := conf.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	workers := conf.Workers
	if workers <= 0 {
		workers = model.DefaultWorkers
	}
	return &Pipeline{
		workers: workers,
		udf:     NewUDFStage(conf.Transform, obs),
		convert: NewConvertStage(conf.Converter, obs),
		sink:    conf.Sink,
		merger: NewMerger(conf.DeadLetters, MergerConfig{
			BatchSize:     conf.DeadLetterBatchSize,
			FlushInterval: conf.DeadLetterFlushInterval,
			Retry:         conf.DeadLetterRetry,
			Observer:      obs,
		}),
		obs: obs,
	}, nil
}

// Run processes records from in until it is closed and everything has been
// committed or dead-lettered, or until ctx is cancelled. Cancellation drops
// in-flight records and returns nil. A sink or dead-letter write that cannot
// be committed is returned as an error.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.IngestEnvelope) error {
	g, gctx := errgroup.WithContext(ctx)

	transformed := make(chan Outcome[model.Envelope], p.workers)
	envs := make(chan model.Envelope, p.workers)
	udfFailed := make(chan Failure, p.workers)
	converted := make(chan Outcome[*model.Row], p.workers)
	rows := make(chan *model.Row, p.workers)
	convFailed := make(chan Failure, p.workers)
	rejects := make(chan model.Rejection, p.workers)

	g.Go(func() error {
		defer close(transformed)
		return p.fanOut(gctx, func(ctx context.Context) error {
			for {
				var rec model.IngestEnvelope
				select {
				case <-ctx.Done():
					return ctx.Err()
				case r, ok := <-in:
					if !ok {
						return nil
					}
					rec = r
				}
				p.obs.RecordIn(rec.Kind.String())
				out := p.udf.Process(ctx, model.Wrap(rec))
				if err := send(ctx, transformed, out); err != nil {
					return err
				}
			}
		})
	})
	g.Go(func() error { return Split[model.Envelope](gctx, transformed, envs, udfFailed) })

	g.Go(func() error {
		defer close(converted)
		return p.fanOut(gctx, func(ctx context.Context) error {
			for env := range envs {
				if err := send(ctx, converted, p.convert.Process(env)); err != nil {
					return err
				}
			}
			return nil
		})
	})
	g.Go(func() error { return Split[*model.Row](gctx, converted, rows, convFailed) })

	g.Go(func() error {
		defer close(rejects)
		return p.sink.Run(gctx, rows, rejects)
	})

	g.Go(func() error { return p.merger.Run(gctx, udfFailed, convFailed, rejects) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// fanOut runs work on p.workers goroutines and waits for all of them.
func (p *Pipeline) fanOut(ctx context.Context, work func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return work(gctx) })
	}
	return g.Wait()
}
