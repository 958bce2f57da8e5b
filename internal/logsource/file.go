package logsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

// DefaultFileBuffer is the default channel buffer size for file records.
const DefaultFileBuffer = 10_000

// FileConfig holds tunable parameters for the file watcher.
type FileConfig struct {
	Pattern      string
	PollInterval time.Duration
	BufferSize   int
	MaxLineSize  int
}

// FileSource polls a glob pattern and emits every line of each newly
// matched file exactly once. A file is read only after its size and mtime
// held still for one poll interval. It never terminates on its own.
type FileSource struct {
	pattern     string
	interval    time.Duration
	maxLineSize int
	ch          chan model.IngestEnvelope
	cancel      context.CancelFunc
	once        sync.Once

	mu       sync.Mutex
	seen     map[string]struct{}
	observed map[string]fileState
	// progress is the last line number emitted from a file whose read failed.
	progress map[string]int
}

type fileState struct {
	size    int64
	modTime time.Time
}

func (a fileState) same(b fileState) bool {
	return a.size == b.size && a.modTime.Equal(b.modTime)
}

// NewFileSource validates the pattern and starts polling.
func NewFileSource(ctx context.Context, conf FileConfig) (*FileSource, error) {
	if conf.Pattern == "" {
		return nil, fmt.Errorf("logsource: file pattern is required")
	}
	if _, err := filepath.Match(conf.Pattern, ""); err != nil {
		return nil, fmt.Errorf("logsource: invalid file pattern %q: %w", conf.Pattern, err)
	}
	interval := conf.PollInterval
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}
	bufferSize := DefaultFileBuffer
	if conf.BufferSize > 0 {
		bufferSize = conf.BufferSize
	}
	maxLineSize := DefaultStdinMaxLineSize
	if conf.MaxLineSize > 0 {
		maxLineSize = conf.MaxLineSize
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &FileSource{
		pattern:     conf.Pattern,
		interval:    interval,
		maxLineSize: maxLineSize,
		ch:          make(chan model.IngestEnvelope, bufferSize),
		cancel:      cancel,
		seen:        make(map[string]struct{}),
		observed:    make(map[string]fileState),
		progress:    make(map[string]int),
	}
	go s.watch(ctx)
	return s, nil
}

func (s *FileSource) watch(ctx context.Context) {
	defer close(s.ch)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll emits every matched file that is ready. It only returns an error when
// ctx is done.
func (s *FileSource) poll(ctx context.Context) error {
	matches, err := filepath.Glob(s.pattern)
	if err != nil {
		log.WithError(err).WithField("pattern", s.pattern).Error("glob failed")
		return nil
	}
	sort.Strings(matches)
	s.forgetMissing(matches)

	for _, path := range matches {
		if !s.ready(path) {
			continue
		}
		from := s.resumeAt(path)
		last, n, err := s.emitFile(ctx, path, from)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		fields := log.WithFields(logrus.Fields{"path": path, "lines": n})
		if err != nil {
			s.markPartial(path, last)
			fields.WithError(err).Warn("failed to read matched file, retrying next poll")
			continue
		}
		s.markSeen(path)
		fields.Info("file emitted")
	}
	return nil
}

// ready reports whether path is an unseen, non-empty regular file whose size
// and mtime match the previous poll.
func (s *FileSource) ready(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	cur := fileState{size: info.Size(), modTime: info.ModTime()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[path]; ok {
		return false
	}
	prev, ok := s.observed[path]
	s.observed[path] = cur
	return ok && cur.size > 0 && prev.same(cur)
}

func (s *FileSource) forgetMissing(matches []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.observed) == 0 {
		return
	}
	present := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		present[m] = struct{}{}
	}
	for path := range s.observed {
		if _, ok := present[path]; !ok {
			delete(s.observed, path)
		}
	}
}

func (s *FileSource) resumeAt(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[path]
}

func (s *FileSource) markPartial(path string, last int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last > s.progress[path] {
		s.progress[path] = last
	}
}

func (s *FileSource) markSeen(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[path] = struct{}{}
	delete(s.observed, path)
	delete(s.progress, path)
}

// emitFile sends the lines of path numbered after from. It returns the last
// line number sent and how many records were sent.
func (s *FileSource) emitFile(ctx context.Context, path string, from int) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return from, 0, err
	}
	defer f.Close()

	last, n := from, 0
	err = scanLines(f, s.maxLineSize, func(lineNo int, line string) bool {
		if lineNo <= from {
			return true
		}
		env := model.IngestEnvelope{
			Kind:       KindFile,
			Source:     path,
			ID:         path + ":" + strconv.Itoa(lineNo),
			Line:       line,
			ReceivedAt: time.Now(),
		}
		select {
		case s.ch <- env:
			last = lineNo
			n++
			return true
		case <-ctx.Done():
			return false
		}
	}, func(lineNo, size int) {
		log.WithFields(logrus.Fields{"path": path, "line": lineNo, "bytes": size, "max": s.maxLineSize}).
			Warn("skipping oversized line")
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return last, n, ctxErr
	}
	return last, n, err
}

func (s *FileSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *FileSource) Stop()                              { s.once.Do(s.cancel) }
func (s *FileSource) Name() string                       { return "file" }
