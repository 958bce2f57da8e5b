package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

const snapshotAlias = "sluice_snapshot"

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo writes a consistent copy of the database to dstPath. The copy
// runs inside one DuckDB transaction, so concurrent inserts are neither
// blocked nor half-visible. dstPath is replaced atomically.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) error {
	if s.DBPath() == "" {
		return ErrInMemoryStore
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	tmp := dstPath + ".tmp"
	_ = os.Remove(tmp)

	start := time.Now()
	if err := s.copyDatabase(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	log.WithField("path", dstPath).WithField("took", time.Since(start)).Debug("snapshot written")
	return nil
}

// copyDatabase attaches path as a fresh database and copies every schema
// object and row into it. All statements share one connection.
func (s *Store) copyDatabase(ctx context.Context, path string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("snapshot conn: %w", err)
	}
	defer conn.Close()

	var current string
	if err := conn.QueryRowContext(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return fmt.Errorf("snapshot: current database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "ATTACH "+quoteLiteral(path)+" AS "+snapshotAlias); err != nil {
		return fmt.Errorf("snapshot: attach: %w", err)
	}
	copyErr := execCopy(ctx, conn, current)

	// Detach even when the copy failed or ctx expired, or the alias leaks.
	detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(detachCtx, "DETACH "+snapshotAlias); err != nil && copyErr == nil {
		return fmt.Errorf("snapshot: detach: %w", err)
	}
	return copyErr
}

func execCopy(ctx context.Context, conn *sql.Conn, source string) error {
	if _, err := conn.ExecContext(ctx, "COPY FROM DATABASE "+quoteIdent(source)+" TO "+snapshotAlias); err != nil {
		return fmt.Errorf("snapshot: copy: %w", err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
