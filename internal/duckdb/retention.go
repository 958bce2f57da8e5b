package duckdb

import (
	"context"
	"sync"
	"time"
)

// RetentionConfig holds configuration for the dead-letter retention cleaner.
type RetentionConfig struct {
	Table     string
	Retention time.Duration
	Interval  time.Duration
}

// RetentionCleaner periodically deletes dead letters older than the
// configured retention period.
type RetentionCleaner struct {
	store     *Store
	table     string
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewRetentionCleaner starts a cleaner. Returns nil when retention is 0 (disabled).
func NewRetentionCleaner(store *Store, conf RetentionConfig) *RetentionCleaner {
	if conf.Retention <= 0 || conf.Table == "" {
		return nil
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}

	rc := &RetentionCleaner{
		store:     store,
		table:     conf.Table,
		retention: conf.Retention,
		interval:  conf.Interval,
		done:      make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-rc.retention)

	rows, err := rc.store.DeleteDeadLettersBefore(context.Background(), rc.table, cutoff)
	if err != nil {
		log.WithError(err).WithField("table", rc.table).Warn("retention cleanup failed")
		return
	}
	if rows > 0 {
		log.WithField("table", rc.table).WithField("rows", rows).Infof("retention cleanup deleted dead letters older than %s", rc.retention)
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
