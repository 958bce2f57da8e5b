package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tinytelemetry/sluice/internal/backup"
	"github.com/tinytelemetry/sluice/internal/bigquery"
	"github.com/tinytelemetry/sluice/internal/duckdb"
	"github.com/tinytelemetry/sluice/internal/httpserver"
	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/objstore"
	"github.com/tinytelemetry/sluice/internal/pipeline"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
)

// destination is the prepared sink backend: output table, dead-letter table,
// and whatever housekeeping the backend runs alongside them.
type destination struct {
	table       sink.Table
	deadLetters pipeline.DeadLetterWriter
	dlTable     string
	location    string
	reader      httpserver.DeadLetterReader // duckdb only
	closers     []func()
}

func (d *destination) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (c appConfig) s3Config() objstore.Config {
	return objstore.Config{
		Endpoint:     c.S3Endpoint,
		Region:       c.S3Region,
		AccessKey:    c.S3AccessKey,
		SecretKey:    c.S3SecretKey,
		SessionToken: c.S3SessionToken,
		UseSSL:       c.S3UseSSL,
	}
}

func (c appConfig) tableConfig() sink.TableConfig {
	return sink.TableConfig{
		Name:     c.OutputTable,
		Create:   c.create,
		Write:    c.write,
		Delivery: c.delivery,
	}
}

func openDestination(ctx context.Context, cfg appConfig, sc *schema.Schema, obs backup.Observer) (*destination, error) {
	switch cfg.backend {
	case sink.BackendBigQuery:
		return openBigQuery(ctx, cfg, sc)
	default:
		return openDuckDB(ctx, cfg, sc, obs)
	}
}

func openDuckDB(ctx context.Context, cfg appConfig, sc *schema.Schema, obs backup.Observer) (*destination, error) {
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	d := &destination{location: cfg.DBPath}
	d.closers = append(d.closers, func() { _ = store.Close() })

	table, err := store.OpenTable(ctx, cfg.tableConfig(), sc)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open table %s: %w", cfg.OutputTable, err)
	}
	d.table = table

	d.dlTable = pipeline.DeadLetterTable(cfg.OutputTable, cfg.OutputDeadLetterTable)
	dl, err := store.OpenDeadLetterTable(ctx, d.dlTable)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open dead-letter table %s: %w", d.dlTable, err)
	}
	d.deadLetters = dl
	d.reader = store

	if cleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		Table:     d.dlTable,
		Retention: cfg.DeadLetterRetention,
		Interval:  cfg.DeadLetterRetentionInterval,
	}); cleaner != nil {
		d.closers = append(d.closers, cleaner.Stop)
	}

	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:   cfg.BackupEnabled,
		Interval:  cfg.BackupInterval,
		LocalDir:  cfg.BackupLocalDir,
		KeepLast:  cfg.BackupKeepLast,
		BucketURL: cfg.BackupBucketURL,
		Label:     cfg.OutputTable,
		S3:        cfg.s3Config(),
		Observer:  obs,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		d.closers = append(d.closers, backupManager.Stop)
	}
	return d, nil
}

func openBigQuery(ctx context.Context, cfg appConfig, sc *schema.Schema) (*destination, error) {
	client, err := bigquery.NewClient(ctx, cfg.BigQueryProject)
	if err != nil {
		return nil, err
	}
	d := &destination{location: "bigquery:" + cfg.BigQueryProject}
	d.closers = append(d.closers, func() { _ = client.Close() })

	table, err := client.OpenTable(ctx, cfg.tableConfig(), sc)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open table %s: %w", cfg.OutputTable, err)
	}
	d.table = table

	spec := cfg.OutputDeadLetterTable
	if spec == "" {
		spec = bigquery.DeadLetterTableName(cfg.OutputTable, model.DefaultDeadLetterSuffix)
	}
	dl, err := client.OpenDeadLetterTable(ctx, spec)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open dead-letter table %s: %w", spec, err)
	}
	d.deadLetters = dl
	d.dlTable = dl.Name()
	return d, nil
}

// journalPath names the staging journal after the destination table so two
// loaders sharing a staging dir never replay each other's rows.
func journalPath(dir string, backend sink.Backend, table string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, table)
	return filepath.Join(dir, backend.String()+"-"+name+".journal")
}
