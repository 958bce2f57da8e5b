// Package migrate creates the loader's bookkeeping tables inside a DuckDB
// database. User tables are never touched here; their shape comes from the
// schema descriptor.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "migrate")

//go:embed migrations/*.sql
var migrations embed.FS

// VersionTable records applied migrations.
const VersionTable = "_sluice_migrations"

type step struct {
	version int
	name    string
	sql     string
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded steps: %w", err)
	}

	var out []step
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s: want NNN_name.sql", e.Name())
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: %s: bad version: %w", e.Name(), err)
		}
		if other, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", ver, other, e.Name())
		}
		seen[ver] = e.Name()
		data, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		out = append(out, step{version: ver, name: e.Name(), sql: string(data)})
	}

	slices.SortFunc(out, func(a, b step) int { return a.version - b.version })
	return out, nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+VersionTable+` (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create %s: %w", VersionTable, err)
	}
	return nil
}

// Current returns the highest applied version, 0 for a fresh database.
func Current(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT max(version) FROM "+VersionTable).Scan(&v); err != nil {
		return 0, fmt.Errorf("migrate: read version: %w", err)
	}
	return int(v.Int64), nil
}

// Pending lists the step names newer than the applied version.
func Pending(ctx context.Context, db *sql.DB) ([]string, error) {
	current, err := Current(ctx, db)
	if err != nil {
		return nil, err
	}
	all, err := steps()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range all {
		if s.version > current {
			names = append(names, s.name)
		}
	}
	return names, nil
}

// Apply runs every pending step, each in its own transaction together with
// its version row. It returns the number of steps applied.
func Apply(ctx context.Context, db *sql.DB) (int, error) {
	current, err := Current(ctx, db)
	if err != nil {
		return 0, err
	}
	all, err := steps()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := applyStep(ctx, db, s); err != nil {
			return applied, err
		}
		log.WithField("step", s.name).Debug("applied")
		applied++
	}
	return applied, nil
}

func applyStep(ctx context.Context, db *sql.DB, s step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", s.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.sql); err != nil {
		return fmt.Errorf("migrate: %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO "+VersionTable+" (version, name) VALUES (?, ?)", s.version, s.name); err != nil {
		return fmt.Errorf("migrate: record %s: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", s.name, err)
	}
	return nil
}
