package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sluice/internal/journal"
	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "sink")

// DefaultFlushQueueSize is the number of batches that can be queued for flushing.
const DefaultFlushQueueSize = 64

// Table is a prepared destination. InsertBatch commits every row it does not
// return as a rejection; each Rejection.Row is one of the rows passed in.
// A returned error means nothing was committed.
type Table interface {
	InsertBatch(ctx context.Context, rows []*model.Row) ([]model.Rejection, error)
}

// Observer receives sink counters. metrics.Pipeline satisfies it.
type Observer interface {
	RetryObserver
	RowsCommitted(n int)
	RowRejected()
	ObserveFlush(seconds float64)
}

type nopObserver struct{}

func (nopObserver) SinkRetried()         {}
func (nopObserver) RowsCommitted(int)    {}
func (nopObserver) RowRejected()         {}
func (nopObserver) ObserveFlush(float64) {}

// ReconvertFunc rebuilds column values from a journaled envelope's Working payload.
type ReconvertFunc func(env model.Envelope) (map[string]any, error)

type durableJournal interface {
	AppendBatch(rows []*model.Row) ([]uint64, error)
	Commit(seqs ...uint64) error
	Replay(fn func(seq uint64, insertID string, env model.Envelope) error) error
}

// stagedRow pairs a row with its journal sequence; seq is 0 until journaled.
type stagedRow struct {
	seq uint64
	row *model.Row
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Retry          RetryPolicy
	Journal        *journal.Journal
	Reconvert      ReconvertFunc
	Observer       Observer
}

// InsertBuffer batches rows and flushes them to a Table from a separate
// worker so slow commits never stall intake until the flush queue is full.
type InsertBuffer struct {
	table         Table
	maxBatch      int
	flushInterval time.Duration
	queueSize     int
	retry         RetryPolicy
	journal       durableJournal
	reconvert     ReconvertFunc
	obs           Observer
}

func NewInsertBuffer(table Table, conf InsertBufferConfig) (*InsertBuffer, error) {
	if table == nil {
		return nil, errors.New("sink: nil table")
	}
	b := &InsertBuffer{
		table:         table,
		maxBatch:      500,
		flushInterval: time.Second,
		queueSize:     DefaultFlushQueueSize,
		retry:         conf.Retry.withDefaults(),
		reconvert:     conf.Reconvert,
		obs:           nopObserver{},
	}
	if conf.BatchSize > 0 {
		b.maxBatch = conf.BatchSize
	}
	if conf.FlushInterval > 0 {
		b.flushInterval = conf.FlushInterval
	}
	if conf.FlushQueueSize > 0 {
		b.queueSize = conf.FlushQueueSize
	}
	if conf.Observer != nil {
		b.obs = conf.Observer
	}
	if conf.Journal != nil {
		if conf.Reconvert == nil {
			return nil, errors.New("sink: a staging journal requires a reconvert function")
		}
		b.journal = conf.Journal
	}
	return b, nil
}

// Run stages rows from in, flushes them in batches, and reports refused rows
// on rejects. It returns nil when in is closed and everything is flushed, or
// when ctx is cancelled. A flush that exhausts its retries is returned as an
// error.
func (b *InsertBuffer) Run(ctx context.Context, in <-chan *model.Row, rejects chan<- model.Rejection) error {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []stagedRow, b.queueSize)

	g.Go(func() error {
		for batch := range batches {
			if err := b.flushBatch(gctx, batch, rejects); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(batches)
		return b.collect(gctx, in, batches, rejects)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (b *InsertBuffer) collect(ctx context.Context, in <-chan *model.Row, batches chan<- []stagedRow, rejects chan<- model.Rejection) error {
	pending := make([]stagedRow, 0, b.maxBatch)
	send := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := b.stage(ctx, pending); err != nil {
			return err
		}
		select {
		case batches <- pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		pending = make([]stagedRow, 0, b.maxBatch)
		return nil
	}

	if b.journal != nil {
		replayed, err := b.replay(ctx, rejects, func(s stagedRow) error {
			pending = append(pending, s)
			if len(pending) >= b.maxBatch {
				return send()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if replayed > 0 {
			log.WithField("rows", replayed).Info("replaying staged rows from journal")
		}
	}

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		case row, ok := <-in:
			if !ok {
				return send()
			}
			pending = append(pending, stagedRow{row: row})
			if len(pending) >= b.maxBatch {
				if err := send(); err != nil {
					return err
				}
			}
		}
	}
}

// stage journals the rows of batch that carry no sequence yet, in one
// append, retrying until it succeeds or ctx ends. Replayed rows already have
// their sequence and are left alone.
func (b *InsertBuffer) stage(ctx context.Context, batch []stagedRow) error {
	if b.journal == nil {
		return nil
	}
	var idx []int
	var rows []*model.Row
	for i, s := range batch {
		if s.seq == 0 {
			idx = append(idx, i)
			rows = append(rows, s.row)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	for {
		seqs, err := b.journal.AppendBatch(rows)
		if err == nil {
			for n, i := range idx {
				batch[i].seq = seqs[n]
			}
			return nil
		}
		log.WithError(err).WithField("rows", len(rows)).Warn("journal append failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (b *InsertBuffer) replay(ctx context.Context, rejects chan<- model.Rejection, add func(stagedRow) error) (int, error) {
	n := 0
	err := b.journal.Replay(func(seq uint64, insertID string, env model.Envelope) error {
		n++
		values, err := b.reconvert(env)
		row := &model.Row{InsertID: insertID, Values: values, Envelope: env}
		if err != nil {
			return b.reject(ctx, rejects, stagedRow{seq: seq, row: row}, model.Rejection{
				Row:     row,
				Reason:  "invalid",
				Message: fmt.Sprintf("replayed row no longer converts: %v", err),
			})
		}
		return add(stagedRow{seq: seq, row: row})
	})
	return n, err
}

func (b *InsertBuffer) flushBatch(ctx context.Context, batch []stagedRow, rejects chan<- model.Rejection) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]*model.Row, len(batch))
	bySeq := make(map[*model.Row]uint64, len(batch))
	for i, s := range batch {
		rows[i] = s.row
		bySeq[s.row] = s.seq
	}

	start := time.Now()
	var rejected []model.Rejection
	err := Retry(ctx, b.retry, b.obs, func() error {
		var ierr error
		rejected, ierr = b.table.InsertBatch(ctx, rows)
		return ierr
	})
	b.obs.ObserveFlush(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrRetriesExhausted) {
			return fmt.Errorf("sink: flush %d rows: %w", len(rows), err)
		}
		// Permanent whole-batch failure: no row was committed, so every row
		// becomes a rejection.
		log.WithError(err).WithField("rows", len(rows)).Error("batch refused by sink")
		rejected = make([]model.Rejection, len(rows))
		for i, r := range rows {
			rejected[i] = model.Rejection{Row: r, Reason: "backendError", Message: err.Error()}
		}
	}

	b.obs.RowsCommitted(len(rows) - len(rejected))
	refused := make(map[*model.Row]struct{}, len(rejected))
	for _, rj := range rejected {
		refused[rj.Row] = struct{}{}
		if err := b.reject(ctx, rejects, stagedRow{seq: bySeq[rj.Row], row: rj.Row}, rj); err != nil {
			return err
		}
	}

	if b.journal != nil {
		seqs := make([]uint64, 0, len(batch))
		for _, s := range batch {
			if _, ok := refused[s.row]; !ok {
				seqs = append(seqs, s.seq)
			}
		}
		if err := b.journal.Commit(seqs...); err != nil {
			return fmt.Errorf("sink: journal commit: %w", err)
		}
	}
	return nil
}

// reject forwards one refused row and marks its journal entry finished.
func (b *InsertBuffer) reject(ctx context.Context, rejects chan<- model.Rejection, s stagedRow, rj model.Rejection) error {
	b.obs.RowRejected()
	select {
	case rejects <- rj:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.journal != nil && s.seq > 0 {
		if err := b.journal.Commit(s.seq); err != nil {
			return fmt.Errorf("sink: journal commit: %w", err)
		}
	}
	return nil
}
