// Package backup takes periodic DuckDB snapshots, keeps the newest few on
// local disk and optionally uploads each one to S3.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "backup")

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24
	finalTimeout    = 30 * time.Second

	filePrefix = "sluice-"
	fileSuffix = ".duckdb"
	timeLayout = "20060102-150405.000"
)

// Manager snapshots the store at startup, on every interval tick and once
// more on Stop, so the newest snapshot covers everything the pipeline wrote.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader
	obs      Observer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager validates cfg and starts the loop. It returns nil when backups
// are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, errors.New("backup: db-path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, errors.New("backup: local-dir is required when backup is enabled")
	}
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(cfg.BucketURL, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := newManager(store, cfg, uploader)
	if err := m.RunOnce(m.ctx); err != nil {
		log.WithError(err).Warn("startup snapshot failed")
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func newManager(store Snapshotter, cfg Config, uploader Uploader) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	var obs Observer = nopObserver{}
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		obs:      obs,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				log.WithError(err).Warn("periodic snapshot failed")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// pattern matches this manager's snapshot files.
func (m *Manager) pattern() string {
	return filepath.Join(m.cfg.LocalDir, m.fileStem()+"*"+fileSuffix)
}

func (m *Manager) fileStem() string {
	if m.cfg.Label == "" {
		return filePrefix
	}
	return filePrefix + sanitizeLabel(m.cfg.Label) + "-"
}

// RunOnce creates one local snapshot, uploads it when configured, and prunes
// old local copies. A failed upload keeps the local snapshot.
func (m *Manager) RunOnce(ctx context.Context) error {
	localPath := filepath.Join(m.cfg.LocalDir, m.fileStem()+m.now().UTC().Format(timeLayout)+fileSuffix)

	if err := m.store.SnapshotTo(ctx, localPath); err != nil {
		m.obs.ObserveSnapshot(StatusFailed)
		return fmt.Errorf("snapshot: %w", err)
	}
	m.obs.ObserveSnapshot(StatusCreated)
	fields := log.WithField("path", localPath)
	fields.Info("created snapshot")

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, localPath); err != nil {
			m.obs.ObserveSnapshot(StatusFailed)
			return fmt.Errorf("upload: %w", err)
		}
		m.obs.ObserveSnapshot(StatusUploaded)
		fields.Info("uploaded snapshot")
	}

	if err := prune(m.pattern(), m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local backups: %w", err)
	}
	return nil
}

// Stop cancels any in-flight snapshot or upload, ends the loop and takes a
// final snapshot. Callers stop the pipeline first.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), finalTimeout)
		defer cancel()
		if err := m.RunOnce(ctx); err != nil {
			log.WithError(err).Warn("final snapshot failed")
		}
	})
}

func prune(pattern string, keepLast int) error {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	// The timestamp is the only varying part, so lexical order is chronological.
	slices.Sort(matches)
	for _, old := range matches[:len(matches)-keepLast] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, label)
}
