package bigquery

import (
	"context"
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"

	"github.com/tinytelemetry/sluice/internal/model"
)

type deadLetterRow struct {
	Timestamp       time.Time     `bigquery:"timestamp"`
	Stage           string        `bigquery:"stage"`
	Source          bq.NullString `bigquery:"source"`
	Payload         bq.NullString `bigquery:"payload"`
	OriginalPayload bq.NullString `bigquery:"original_payload"`
	ErrorMessage    bq.NullString `bigquery:"error_message"`
	StackTrace      bq.NullString `bigquery:"stacktrace"`
}

func nullString(s string) bq.NullString {
	return bq.NullString{StringVal: s, Valid: s != ""}
}

// DeadLetterTable streams dead-letter records into a fixed-schema table.
type DeadLetterTable struct {
	ref      TableRef
	inserter *bq.Inserter
}

// OpenDeadLetterTable creates the dead-letter table if it does not exist.
func (c *Client) OpenDeadLetterTable(ctx context.Context, spec string) (*DeadLetterTable, error) {
	ref, err := ParseTableSpec(spec, c.project)
	if err != nil {
		return nil, err
	}
	t := c.table(ref)
	if _, err := t.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("bigquery: dead-letter table %s metadata: %w", ref, err)
		}
		sc, err := bq.InferSchema(deadLetterRow{})
		if err != nil {
			return nil, err
		}
		sc[0].Required = true
		sc[1].Required = true
		if err := t.Create(ctx, &bq.TableMetadata{Schema: sc}); err != nil {
			return nil, fmt.Errorf("bigquery: create dead-letter table %s: %w", ref, err)
		}
		log.WithField("table", ref.String()).Info("created dead-letter table")
	}
	return &DeadLetterTable{ref: ref, inserter: t.Inserter()}, nil
}

// Name returns the fully qualified table spec.
func (d *DeadLetterTable) Name() string { return d.ref.String() }

// WriteDeadLetters streams records in one request. Any refused row fails
// the whole write.
func (d *DeadLetterTable) WriteDeadLetters(ctx context.Context, records []model.DeadLetter) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]*deadLetterRow, len(records))
	for i, r := range records {
		rows[i] = &deadLetterRow{
			Timestamp:       r.Timestamp.UTC(),
			Stage:           string(r.Stage),
			Source:          nullString(r.Source),
			Payload:         nullString(r.Payload),
			OriginalPayload: nullString(r.OriginalPayload),
			ErrorMessage:    nullString(r.ErrorMessage),
			StackTrace:      nullString(r.StackTrace),
		}
	}
	if err := d.inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("bigquery: write dead letters to %s: %w", d.ref, classify(err))
	}
	return nil
}
