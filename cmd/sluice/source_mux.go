package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sluice/internal/logsource"
	"github.com/tinytelemetry/sluice/internal/model"
)

// DefaultMuxBuffer is the default channel buffer size for the source multiplexer.
const DefaultMuxBuffer = 50_000

// InputStats counts what one input handed to the pipeline.
type InputStats struct {
	Name      string
	Forwarded uint64
	Skipped   uint64
}

type muxInput struct {
	src       NamedLogSource
	kind      model.SourceKind
	forwarded atomic.Uint64
	skipped   atomic.Uint64
}

// SourceMultiplexer merges the configured inputs into the one record stream
// the pipeline reads. Records leave tagged with their input's kind and name
// and a receipt time. Stop is abrupt: buffered records are dropped.
type SourceMultiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	inputs  []*muxInput
	records chan model.IngestEnvelope
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSourceMultiplexer(parent context.Context, sources []NamedLogSource, buffer int) *SourceMultiplexer {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	inputs := make([]*muxInput, 0, len(sources))
	for _, src := range sources {
		kind, err := logsource.ParseKind(src.Name())
		if err != nil {
			kind = model.SourceUnknown
		}
		inputs = append(inputs, &muxInput{src: src, kind: kind})
	}

	ctx, cancel := context.WithCancel(parent)
	return &SourceMultiplexer{
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		inputs:  inputs,
		records: make(chan model.IngestEnvelope, buffer),
		done:    make(chan struct{}),
	}
}

// Start begins forwarding. The output closes once every input has closed.
func (m *SourceMultiplexer) Start() {
	m.startOnce.Do(func() {
		var g errgroup.Group
		for _, in := range m.inputs {
			g.Go(func() error {
				m.forward(in)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(m.records)
			close(m.done)
		}()
	})
}

// Stop cancels forwarding, stops every input and waits for the output to close.
func (m *SourceMultiplexer) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		for _, in := range m.inputs {
			in.src.Stop()
		}
		m.Start()
		<-m.done
	})
}

func (m *SourceMultiplexer) HasSources() bool {
	return len(m.inputs) > 0
}

// Names lists the inputs in start order.
func (m *SourceMultiplexer) Names() []string {
	names := make([]string, 0, len(m.inputs))
	for _, in := range m.inputs {
		names = append(names, in.src.Name())
	}
	return names
}

// Stats reports per-input counts in start order.
func (m *SourceMultiplexer) Stats() []InputStats {
	out := make([]InputStats, 0, len(m.inputs))
	for _, in := range m.inputs {
		out = append(out, InputStats{
			Name:      in.src.Name(),
			Forwarded: in.forwarded.Load(),
			Skipped:   in.skipped.Load(),
		})
	}
	return out
}

func (m *SourceMultiplexer) Records() <-chan model.IngestEnvelope {
	return m.records
}

func (m *SourceMultiplexer) forward(in *muxInput) {
	lines := in.src.Lines()
	for {
		select {
		case <-m.ctx.Done():
			return
		case rec, ok := <-lines:
			if !ok {
				log.WithFields(logrus.Fields{
					"input":     in.src.Name(),
					"forwarded": in.forwarded.Load(),
				}).Debug("input closed")
				return
			}
			if !m.tag(in, &rec) {
				in.skipped.Add(1)
				continue
			}
			select {
			case m.records <- rec:
				in.forwarded.Add(1)
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// tag fills in what the source left unset and refuses empty records.
func (m *SourceMultiplexer) tag(in *muxInput, rec *model.IngestEnvelope) bool {
	if rec.Line == "" {
		return false
	}
	if rec.Kind == model.SourceUnknown {
		rec.Kind = in.kind
	}
	if rec.Source == "" {
		rec.Source = in.src.Name()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = m.now()
	}
	return true
}
