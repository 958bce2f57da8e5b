// Package duckdb is the embedded sink backend: destination tables, the
// dead-letter table, the insert-id ledger, and file snapshots.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/duckdb/migrate"
)

var log = logrus.WithField("component", "duckdb")

const ledgerTable = "_sluice_insert_ledger"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store manages the DuckDB database connection.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	snapMu       sync.Mutex // one snapshot at a time; they share an alias
	dbPath       string
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		// Ensure parent directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := migrate.Apply(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TableExists reports whether a table exists in the main schema.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ?`,
		name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("duckdb: lookup table %s: %w", name, err)
	}
	return n > 0, nil
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(ctx context.Context, name string) (int64, error) {
	if err := validateIdent(name); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count %s: %w", name, err)
	}
	return n, nil
}

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("duckdb: invalid table name %q", name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
