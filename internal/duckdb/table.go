package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
)

// Table is a prepared destination table. It implements sink.Table.
type Table struct {
	store     *Store
	name      string
	cols      []column
	insertSQL string
	ledger    bool
}

// OpenTable applies the create and write dispositions and returns a writer
// for the table. Dispositions are applied once, here.
func (s *Store) OpenTable(ctx context.Context, cfg sink.TableConfig, sc *schema.Schema) (*Table, error) {
	if err := validateIdent(cfg.Name); err != nil {
		return nil, err
	}
	cols, err := columnsFor(sc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.TableExists(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	switch {
	case !exists && cfg.Create == sink.CreateNever:
		return nil, fmt.Errorf("duckdb: table %s does not exist and create disposition is %s", cfg.Name, cfg.Create)
	case !exists:
		ddl, err := createTableSQL(cfg.Name, sc)
		if err != nil {
			return nil, err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("duckdb: create table %s: %w", cfg.Name, err)
		}
		log.WithField("table", cfg.Name).Info("created destination table")
	case cfg.Write == sink.WriteEmpty:
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(cfg.Name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("duckdb: count %s: %w", cfg.Name, err)
		}
		if n > 0 {
			return nil, fmt.Errorf("duckdb: table %s is not empty (%d rows) and write disposition is %s", cfg.Name, n, cfg.Write)
		}
	case cfg.Write == sink.WriteTruncate:
		if err := s.truncate(ctx, cfg.Name); err != nil {
			return nil, err
		}
		log.WithField("table", cfg.Name).Info("truncated destination table")
	}

	return &Table{
		store:     s,
		name:      cfg.Name,
		cols:      cols,
		insertSQL: insertSQL(cfg.Name, cols),
		ledger:    cfg.Delivery == sink.ExactlyOnce,
	}, nil
}

func (s *Store) truncate(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(name)); err != nil {
		return fmt.Errorf("duckdb: truncate %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+ledgerTable+" WHERE table_name = ?", name); err != nil {
		return fmt.Errorf("duckdb: clear ledger for %s: %w", name, err)
	}
	return tx.Commit()
}

// Name returns the destination table name.
func (t *Table) Name() string { return t.name }

// InsertBatch appends rows in a single transaction. If the batch fails for a
// non-transient reason it is retried row by row so only the offending rows
// are rejected.
func (t *Table) InsertBatch(ctx context.Context, rows []*model.Row) ([]model.Rejection, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.store.QueryTimeout)
	defer cancel()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	err := t.insertTx(ctx, rows)
	if err == nil {
		return nil, nil
	}
	if err = classify(err); sink.IsTransient(err) {
		return nil, err
	}

	// Batch failed; retry row by row to isolate the rejects.
	var rejected []model.Rejection
	for _, r := range rows {
		rerr := t.insertTx(ctx, []*model.Row{r})
		if rerr == nil {
			continue
		}
		if rerr = classify(rerr); sink.IsTransient(rerr) {
			// Rows before this one are committed; the ledger makes the retry
			// of the whole batch skip them.
			return nil, rerr
		}
		rejected = append(rejected, rejectionFor(r, rerr))
	}
	if len(rejected) > 0 {
		log.WithFields(logrus.Fields{
			"table":    t.name,
			"rejected": len(rejected),
			"rows":     len(rows),
		}).Warn("batch partially rejected")
	}
	return rejected, nil
}

func (t *Table) insertTx(ctx context.Context, rows []*model.Row) error {
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	skip := map[string]struct{}{}
	if t.ledger {
		if skip, err = committedIDs(ctx, tx, t.name, rows); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, t.insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var ledgerStmt *sql.Stmt
	if t.ledger {
		if ledgerStmt, err = tx.PrepareContext(ctx, "INSERT INTO "+ledgerTable+" (table_name, insert_id) VALUES (?, ?)"); err != nil {
			return err
		}
		defer ledgerStmt.Close()
	}

	for _, r := range rows {
		if _, dup := skip[r.InsertID]; dup && r.InsertID != "" {
			continue
		}
		args, err := t.bind(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return &rowError{err: err}
		}
		if ledgerStmt != nil && r.InsertID != "" {
			if _, err := ledgerStmt.ExecContext(ctx, t.name, r.InsertID); err != nil {
				return fmt.Errorf("ledger insert: %w", err)
			}
			skip[r.InsertID] = struct{}{}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func committedIDs(ctx context.Context, tx *sql.Tx, table string, rows []*model.Row) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	args := []any{table}
	marks := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.InsertID == "" {
			continue
		}
		args = append(args, r.InsertID)
		marks = append(marks, "?")
	}
	if len(marks) == 0 {
		return out, nil
	}

	q := "SELECT insert_id FROM " + ledgerTable + " WHERE table_name = ? AND insert_id IN (" + strings.Join(marks, ", ") + ")"
	res, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	defer res.Close()
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, res.Err()
}

// bind orders row values by column. Nested values are encoded as JSON.
func (t *Table) bind(r *model.Row) ([]any, error) {
	args := make([]any, len(t.cols))
	for i, c := range t.cols {
		v := r.Values[c.name]
		if v == nil {
			args[i] = nil
			continue
		}
		if c.nested {
			data, err := json.Marshal(jsonSafe(v))
			if err != nil {
				return nil, &rowError{err: fmt.Errorf("encode %s: %w", c.name, err), location: c.name}
			}
			args[i] = string(data)
			continue
		}
		args[i] = v
	}
	return args, nil
}

// jsonSafe renders times in a form DuckDB casts back to TIMESTAMP/DATE.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999")
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = jsonSafe(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = jsonSafe(vv)
		}
		return out
	default:
		return v
	}
}

// rowError marks a failure caused by one row's content.
type rowError struct {
	err      error
	location string
}

func (e *rowError) Error() string { return e.err.Error() }
func (e *rowError) Unwrap() error { return e.err }

var transientMarkers = []string{
	"conflict",
	"database is locked",
	"could not set lock",
	"connection is closed",
	"io error",
}

// classify marks DuckDB errors that may succeed on retry.
func classify(err error) error {
	if err == nil || sink.IsTransient(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return sink.Transient(err)
		}
	}
	return err
}

func rejectionFor(r *model.Row, err error) model.Rejection {
	rj := model.Rejection{Row: r, Reason: "invalid", Message: err.Error()}
	var re *rowError
	if errors.As(err, &re) {
		rj.Location = re.location
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		rj.Reason = "constraint"
	case strings.Contains(msg, "conversion"), strings.Contains(msg, "could not convert"), strings.Contains(msg, "cast"):
		rj.Reason = "invalid"
	case re == nil:
		rj.Reason = "backendError"
	}
	return rj
}
