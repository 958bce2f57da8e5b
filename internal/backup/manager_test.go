package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(ctx context.Context, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, f.data, 0o644)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveSnapshot(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[status]++
}

func (o *countingObserver) get(status string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[status]
}

// tickingClock returns strictly increasing times so snapshot names differ.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/sluice.duckdb", data: []byte("x")}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{dbPath: "", data: []byte("x")}, Config{
		Enabled:  true,
		LocalDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestNewManager_SnapshotsAtStartupAndStop(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	obs := &countingObserver{}
	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/sluice.duckdb", data: []byte("x")}, Config{
		Enabled:  true,
		Interval: time.Hour,
		LocalDir: localDir,
		Label:    "books",
		Observer: obs,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	m.Stop()
	m.Stop()

	files, _ := filepath.Glob(filepath.Join(localDir, "sluice-books-*.duckdb"))
	if len(files) != 2 {
		t.Fatalf("backup files = %v, want startup and final snapshot", files)
	}
	if got := obs.get(StatusCreated); got != 2 {
		t.Fatalf("created = %d, want 2", got)
	}
}

func TestRunOnce_PrunesOnlyOwnLabel(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	other := filepath.Join(localDir, "sluice-authors-20240101-000000.000.duckdb")
	if err := os.WriteFile(other, []byte("other"), 0o644); err != nil {
		t.Fatalf("write other snapshot: %v", err)
	}

	m := newManager(&fakeSnapshotter{
		dbPath: "/tmp/sluice.duckdb",
		data:   []byte("snapshot"),
	}, Config{
		Enabled:  true,
		LocalDir: localDir,
		KeepLast: 2,
		Label:    "my.books",
	}, nil)
	m.now = tickingClock()

	for i := 0; i < 3; i++ {
		if err := m.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(localDir, "sluice-my_books-*.duckdb"))
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("backup files = %d, want 2", len(files))
	}
	if filepath.Base(files[0]) != "sluice-my_books-20240101-000002.000.duckdb" {
		t.Fatalf("oldest kept = %s, want the second snapshot", filepath.Base(files[0]))
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("other label's snapshot was pruned: %v", err)
	}
}

type failingUploader struct{}

func (failingUploader) UploadFile(context.Context, string) error { return errors.New("denied") }

func TestRunOnce_UploadFailureKeepsLocalCopy(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	obs := &countingObserver{}
	m := newManager(&fakeSnapshotter{dbPath: "/tmp/sluice.duckdb", data: []byte("s")}, Config{
		LocalDir: localDir,
		Observer: obs,
	}, failingUploader{})

	if err := m.RunOnce(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	files, _ := filepath.Glob(filepath.Join(localDir, "sluice-*.duckdb"))
	if len(files) != 1 {
		t.Fatalf("local files = %v, want the snapshot kept", files)
	}
	if obs.get(StatusCreated) != 1 || obs.get(StatusFailed) != 1 || obs.get(StatusUploaded) != 0 {
		t.Fatalf("observer counts = %v", obs.counts)
	}
}

// blockingUploader blocks its first upload until cancelled.
type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _ string) error {
	first := false
	u.once.Do(func() {
		first = true
		close(u.started)
	})
	if !first {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	t.Parallel()

	uploader := &blockingUploader{started: make(chan struct{})}
	m := newManager(&fakeSnapshotter{
		dbPath: "/tmp/sluice.duckdb",
		data:   []byte("snapshot"),
	}, Config{
		Enabled:  true,
		Interval: 5 * time.Millisecond,
		LocalDir: t.TempDir(),
		KeepLast: 2,
	}, uploader)

	m.wg.Add(1)
	go m.loop()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}
