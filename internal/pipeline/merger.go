package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/sink"
)

// DeadLetterWriter persists dead-letter records. Both sink backends provide one.
type DeadLetterWriter interface {
	WriteDeadLetters(ctx context.Context, records []model.DeadLetter) error
}

// DeadLetterTable returns the configured dead-letter table, or the
// destination table name with the default suffix.
func DeadLetterTable(destination, configured string) string {
	if configured != "" {
		return configured
	}
	return destination + model.DefaultDeadLetterSuffix
}

// FromFailure builds the dead letter for a transform or conversion failure.
func FromFailure(f Failure, now time.Time) model.DeadLetter {
	payload := f.Envelope.Working
	if f.Stage == model.StageUDF {
		payload = f.Envelope.Original
	}
	return model.DeadLetter{
		Timestamp:       now.UTC(),
		Stage:           f.Stage,
		Source:          sourceName(f.Envelope.Meta),
		Payload:         payload,
		OriginalPayload: f.Envelope.Original,
		ErrorMessage:    f.Envelope.ErrorMessage,
		StackTrace:      f.Envelope.StackTrace,
	}
}

type rejectionDetail struct {
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// FromRejection builds the dead letter for a row the sink refused. The
// payload is the row as JSON; when it cannot be encoded the row is rendered
// with fmt instead so the record is still dead-lettered.
func FromRejection(rj model.Rejection, now time.Time) model.DeadLetter {
	env := rj.Row.Envelope
	payload := env.Working
	if rj.Row.Values != nil {
		if b, err := json.Marshal(rj.Row.Values); err == nil {
			payload = string(b)
		} else {
			log.WithError(err).WithField("id", env.Meta.ID).Warn("rejected row is not JSON encodable")
			payload = fmt.Sprintf("%v", rj.Row.Values)
		}
	}
	detail := rejectionDetail{Reason: rj.Reason, Message: rj.Message, Location: rj.Location}
	errText := fmt.Sprintf("reason=%s location=%s message=%s", rj.Reason, rj.Location, rj.Message)
	if b, err := json.Marshal(detail); err == nil {
		errText = string(b)
	}
	return model.DeadLetter{
		Timestamp:       now.UTC(),
		Stage:           model.StageSink,
		Source:          sourceName(env.Meta),
		Payload:         payload,
		OriginalPayload: env.Original,
		ErrorMessage:    errText,
	}
}

func sourceName(m model.Meta) string {
	if m.Source != "" {
		return m.Source
	}
	return m.Kind.String()
}

// DeadLetterObserver receives dead-letter counters.
type DeadLetterObserver interface {
	sink.RetryObserver
	DeadLettered(stage string)
}

// MergerConfig holds tunable parameters for the merger.
type MergerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Retry         sink.RetryPolicy
	Observer      DeadLetterObserver
	Now           func() time.Time
}

// Merger fans the three failure channels into one dead-letter writer.
type Merger struct {
	w             DeadLetterWriter
	batchSize     int
	flushInterval time.Duration
	retry         sink.RetryPolicy
	obs           DeadLetterObserver
	now           func() time.Time
}

func NewMerger(w DeadLetterWriter, conf MergerConfig) *Merger {
	m := &Merger{
		w:             w,
		batchSize:     100,
		flushInterval: time.Second,
		retry:         conf.Retry,
		obs:           conf.Observer,
		now:           conf.Now,
	}
	if conf.BatchSize > 0 {
		m.batchSize = conf.BatchSize
	}
	if conf.FlushInterval > 0 {
		m.flushInterval = conf.FlushInterval
	}
	if m.obs == nil {
		m.obs = nopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Run writes a dead letter for every failure and rejection until all three
// inputs are closed. A batch that cannot be written is returned as an error.
func (m *Merger) Run(ctx context.Context, udfFailed, convFailed <-chan Failure, rejects <-chan model.Rejection) error {
	pending := make([]model.DeadLetter, 0, m.batchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := sink.Retry(ctx, m.retry, m.obs, func() error {
			return m.w.WriteDeadLetters(ctx, pending)
		}); err != nil {
			return fmt.Errorf("pipeline: write %d dead letters: %w", len(pending), err)
		}
		for _, dl := range pending {
			m.obs.DeadLettered(string(dl.Stage))
		}
		log.WithField("records", len(pending)).Debug("dead letters written")
		pending = make([]model.DeadLetter, 0, m.batchSize)
		return nil
	}
	add := func(dl model.DeadLetter) error {
		log.WithFields(logrus.Fields{
			"stage":  dl.Stage,
			"source": dl.Source,
			"error":  dl.ErrorMessage,
		}).Debug("record dead-lettered")
		pending = append(pending, dl)
		if len(pending) >= m.batchSize {
			return flush()
		}
		return nil
	}

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for udfFailed != nil || convFailed != nil || rejects != nil {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err = flush()
		case f, ok := <-udfFailed:
			if !ok {
				udfFailed = nil
				continue
			}
			err = add(FromFailure(f, m.now()))
		case f, ok := <-convFailed:
			if !ok {
				convFailed = nil
				continue
			}
			err = add(FromFailure(f, m.now()))
		case rj, ok := <-rejects:
			if !ok {
				rejects = nil
				continue
			}
			err = add(FromRejection(rj, m.now()))
		}
		if err != nil {
			return err
		}
	}
	return flush()
}
