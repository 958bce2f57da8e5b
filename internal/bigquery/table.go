package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	bq "cloud.google.com/go/bigquery"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
)

// Table streams rows into one destination table. It implements sink.Table.
type Table struct {
	ref      TableRef
	fields   []schema.Field
	inserter *bq.Inserter
	dedupe   bool
}

// OpenTable resolves cfg.Name against the client's project, applies the
// create and write dispositions, and returns a streaming writer.
func (c *Client) OpenTable(ctx context.Context, cfg sink.TableConfig, sc *schema.Schema) (*Table, error) {
	ref, err := ParseTableSpec(cfg.Name, c.project)
	if err != nil {
		return nil, err
	}
	bqSchema, err := tableSchema(sc)
	if err != nil {
		return nil, err
	}
	t := c.table(ref)
	fields := log.WithField("table", ref.String())

	md, err := t.Metadata(ctx)
	switch {
	case isNotFound(err) && cfg.Create == sink.CreateNever:
		return nil, fmt.Errorf("bigquery: table %s does not exist and create disposition is %s", ref, cfg.Create)
	case isNotFound(err):
		if err := t.Create(ctx, &bq.TableMetadata{Schema: bqSchema}); err != nil {
			return nil, fmt.Errorf("bigquery: create table %s: %w", ref, err)
		}
		fields.Info("created destination table")
	case err != nil:
		return nil, fmt.Errorf("bigquery: table %s metadata: %w", ref, err)
	case cfg.Write == sink.WriteEmpty:
		n := md.NumRows
		if md.StreamingBuffer != nil {
			n += md.StreamingBuffer.EstimatedRows
		}
		if n > 0 {
			return nil, fmt.Errorf("bigquery: table %s is not empty (%d rows) and write disposition is %s", ref, n, cfg.Write)
		}
	case cfg.Write == sink.WriteTruncate:
		if err := recreate(ctx, t, md); err != nil {
			return nil, fmt.Errorf("bigquery: truncate %s: %w", ref, err)
		}
		fields.Warn("truncated destination table by recreating it; streamed rows may be delayed")
	}

	ins := t.Inserter()
	ins.SkipInvalidRows = true
	return &Table{
		ref:      ref,
		fields:   sc.Fields,
		inserter: ins,
		dedupe:   cfg.Delivery == sink.ExactlyOnce,
	}, nil
}

// recreate drops and recreates a table with its existing schema. Streaming
// inserts cannot be combined with TRUNCATE DML on recently streamed tables.
func recreate(ctx context.Context, t *bq.Table, md *bq.TableMetadata) error {
	if err := t.Delete(ctx); err != nil && !isNotFound(err) {
		return err
	}
	return t.Create(ctx, &bq.TableMetadata{
		Schema:      md.Schema,
		Description: md.Description,
		Labels:      md.Labels,
	})
}

// Name returns the fully qualified table spec.
func (t *Table) Name() string { return t.ref.String() }

// InsertBatch streams rows in one request. Rows the service refuses are
// returned as rejections; other rows in the request are committed.
func (t *Table) InsertBatch(ctx context.Context, rows []*model.Row) ([]model.Rejection, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	savers := make([]*rowSaver, len(rows))
	for i, r := range rows {
		savers[i] = &rowSaver{fields: t.fields, row: r, dedupe: t.dedupe}
	}

	err := t.inserter.Put(ctx, savers)
	if err == nil {
		return nil, nil
	}
	rejected, transient, ok := rejectionsFrom(err, rows)
	if !ok {
		return nil, classify(err)
	}
	if transient != nil {
		// The whole request is retried; de-duplication covers rows that landed.
		return nil, transient
	}
	log.WithFields(logrus.Fields{
		"table":    t.ref.String(),
		"rejected": len(rejected),
		"batch":    len(rows),
	}).Debug("rows rejected by streaming insert")
	return rejected, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
