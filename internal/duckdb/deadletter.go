package duckdb

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/sluice/internal/model"
)

// DeadLetterTable appends dead-letter records to a fixed-schema table.
type DeadLetterTable struct {
	store *Store
	name  string
}

// OpenDeadLetterTable creates the dead-letter table if needed.
func (s *Store) OpenDeadLetterTable(ctx context.Context, name string) (*DeadLetterTable, error) {
	if err := validateIdent(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ddl := `CREATE TABLE IF NOT EXISTS ` + quoteIdent(name) + ` (
		timestamp        TIMESTAMP NOT NULL,
		stage            VARCHAR NOT NULL,
		source           VARCHAR,
		payload          VARCHAR,
		original_payload VARCHAR,
		error_message    VARCHAR,
		stacktrace       VARCHAR
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("duckdb: create dead-letter table %s: %w", name, err)
	}
	return &DeadLetterTable{store: s, name: name}, nil
}

// Name returns the dead-letter table name.
func (d *DeadLetterTable) Name() string { return d.name }

// WriteDeadLetters appends records in one transaction.
func (d *DeadLetterTable) WriteDeadLetters(ctx context.Context, records []model.DeadLetter) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.store.QueryTimeout)
	defer cancel()

	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+quoteIdent(d.name)+
		` (timestamp, stage, source, payload, original_payload, error_message, stacktrace) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(err)
	}
	defer stmt.Close()

	for _, r := range records {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			ts.UTC(), string(r.Stage), r.Source, r.Payload, r.OriginalPayload, r.ErrorMessage, r.StackTrace,
		); err != nil {
			return classify(fmt.Errorf("dead-letter insert: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

// DeadLetterQuery filters RecentDeadLetters.
type DeadLetterQuery struct {
	Stage string
	Since time.Time
	Limit int
}

// RecentDeadLetters returns the newest dead letters first.
func (s *Store) RecentDeadLetters(ctx context.Context, table string, q DeadLetterQuery) ([]model.DeadLetter, error) {
	if err := validateIdent(table); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT timestamp, stage, source, payload, original_payload, error_message, stacktrace FROM ` + quoteIdent(table) + ` WHERE 1=1`
	var args []any
	if q.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, q.Stage)
	}
	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: query dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var r model.DeadLetter
		var stage string
		var source, payload, original, message, stacktrace *string
		if err := rows.Scan(&r.Timestamp, &stage, &source, &payload, &original, &message, &stacktrace); err != nil {
			return nil, err
		}
		r.Stage = model.Stage(stage)
		r.Source = deref(source)
		r.Payload = deref(payload)
		r.OriginalPayload = deref(original)
		r.ErrorMessage = deref(message)
		r.StackTrace = deref(stacktrace)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteDeadLettersBefore removes dead letters older than cutoff.
func (s *Store) DeleteDeadLettersBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	if err := validateIdent(table); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(table)+` WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete dead letters: %w", err)
	}
	return res.RowsAffected()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
