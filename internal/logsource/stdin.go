package logsource

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// StdinSource reads records from stdin, one per line.
type StdinSource struct {
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
	once   sync.Once
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	// The blocking scan runs on its own goroutine so Stop is noticed
	// without waiting for the next line.
	results := make(chan string)
	go func() {
		defer close(results)
		err := scanLines(r, maxLineSize, func(_ int, line string) bool {
			select {
			case results <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}, func(lineNo, size int) {
			log.WithFields(logrus.Fields{"line": lineNo, "bytes": size, "max": maxLineSize}).Warn("skipping oversized stdin line")
		})
		if err != nil {
			log.WithError(err).Error("stdin read failed, stopping stdin source")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-results:
			if !ok {
				return
			}
			env := model.IngestEnvelope{
				Kind:       KindStdin,
				Source:     s.Name(),
				Line:       line,
				ReceivedAt: time.Now(),
			}
			select {
			case s.ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinSource) Stop()                              { s.once.Do(s.cancel) }
func (s *StdinSource) Name() string                       { return "stdin" }
