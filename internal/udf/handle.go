package udf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/resource"
)

// Observer receives reload outcomes. metrics.Pipeline satisfies it.
type Observer interface {
	UDFReloaded()
	UDFReloadFailed()
}

type nopObserver struct{}

func (nopObserver) UDFReloaded()     {}
func (nopObserver) UDFReloadFailed() {}

// snapshot is one immutable compiled version. A broken snapshot carries the
// compile error instead of a function and fails every call with it.
type snapshot struct {
	version int64
	digest  [sha256.Size]byte
	fn      Function
	broken  error

	// mu guards fn against being closed while calls are in flight.
	mu     sync.RWMutex
	closed bool
}

func (s *snapshot) retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.fn != nil {
		if err := s.fn.Close(); err != nil {
			log.WithError(err).WithField("version", s.version).Warn("close retired udf version")
		}
	}
}

// Handle is the stage-facing entry point. It is safe for concurrent use.
type Handle struct {
	cfg      Config
	fetch    resource.Fetcher
	compile  compileFunc
	observer Observer

	cur      atomic.Pointer[snapshot]
	versions atomic.Int64
	reloadMu sync.Mutex
}

// Option configures a Handle.
type Option func(*Handle)

func WithObserver(o Observer) Option {
	return func(h *Handle) {
		if o != nil {
			h.observer = o
		}
	}
}

// Open fetches and compiles the configured function. An unreachable source is
// an error. A source that fails to compile is not: the handle starts with a
// broken version and every call fails with the compile error until a reload
// succeeds.
func Open(ctx context.Context, cfg Config, fetch resource.Fetcher, opts ...Option) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Handle{cfg: cfg, fetch: fetch, observer: nopObserver{}}
	for _, opt := range opts {
		opt(h)
	}
	if cfg.Passthrough() {
		return h, nil
	}

	compile, err := compilerFor(cfg.Engine)
	if err != nil {
		return nil, err
	}
	h.compile = compile

	src, err := fetch.Fetch(ctx, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("udf: load %s: %w", cfg.Location, err)
	}
	snap := h.build(ctx, src)
	if snap.broken != nil {
		log.WithError(snap.broken).WithField("location", cfg.Location).
			Error("udf failed to compile; records will be dead-lettered until a reload succeeds")
	} else {
		log.WithFields(logrus.Fields{
			"engine":   cfg.Engine.String(),
			"function": cfg.FunctionName,
			"location": cfg.Location,
		}).Info("udf loaded")
	}
	h.cur.Store(snap)
	return h, nil
}

func (h *Handle) build(ctx context.Context, src []byte) *snapshot {
	snap := &snapshot{
		version: h.versions.Add(1),
		digest:  sha256.Sum256(src),
	}
	fn, err := h.compile(ctx, h.cfg, src)
	if err != nil {
		snap.broken = err
		return snap
	}
	snap.fn = fn
	return snap
}

// Passthrough reports whether Apply returns its input unchanged.
func (h *Handle) Passthrough() bool { return h.cfg.Passthrough() }

// Version returns the version number of the active snapshot, zero for
// pass-through handles.
func (h *Handle) Version() int64 {
	if s := h.cur.Load(); s != nil {
		return s.version
	}
	return 0
}

// Apply transforms the working payload of env. Errors are per-record and are
// always *CallError.
func (h *Handle) Apply(ctx context.Context, env model.Envelope) (string, error) {
	if h.cfg.Passthrough() {
		return env.Working, nil
	}

	for {
		snap := h.cur.Load()
		snap.mu.RLock()
		if snap.closed {
			snap.mu.RUnlock()
			if h.cur.Load() == snap {
				return "", callErrorf("", "udf %s is closed", h.cfg.FunctionName)
			}
			// Swapped and retired between Load and RLock; pick up the new one.
			continue
		}
		out, err := h.call(ctx, snap, env)
		snap.mu.RUnlock()
		return out, err
	}
}

func (h *Handle) call(ctx context.Context, snap *snapshot, env model.Envelope) (string, error) {
	var (
		out string
		err error
	)
	if snap.broken != nil {
		err = callErrorf(snap.broken.Error(), "udf %s failed to load: %v", h.cfg.FunctionName, snap.broken)
	} else {
		out, err = snap.fn.Call(ctx, env)
		var ce *CallError
		if err != nil && !errors.As(err, &ce) {
			err = callErrorf("", "%v", err)
		}
	}

	if h.cfg.Logging {
		entry := log.WithFields(logrus.Fields{
			"function": h.cfg.FunctionName,
			"version":  snap.version,
			"source":   env.Meta.Source,
			"id":       env.Meta.ID,
		})
		if err != nil {
			entry.WithError(err).Debug("udf invocation failed")
		} else {
			entry.Debug("udf invocation succeeded")
		}
	}
	return out, err
}

// Reload re-fetches the source and swaps in a new version when the content
// changed. On failure the current version stays active.
func (h *Handle) Reload(ctx context.Context) (bool, error) {
	if h.cfg.Passthrough() {
		return false, nil
	}
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	src, err := h.fetch.Fetch(ctx, h.cfg.Location)
	if err != nil {
		h.observer.UDFReloadFailed()
		return false, fmt.Errorf("udf: reload fetch: %w", err)
	}
	old := h.cur.Load()
	digest := sha256.Sum256(src)
	if bytes.Equal(digest[:], old.digest[:]) && old.broken == nil {
		return false, nil
	}

	next := h.build(ctx, src)
	if next.broken != nil {
		if bytes.Equal(digest[:], old.digest[:]) {
			// Same source that is already known broken.
			return false, nil
		}
		h.observer.UDFReloadFailed()
		if old.broken != nil {
			// Nothing good to keep; surface the newest compile error.
			h.cur.Store(next)
			go old.retire()
		}
		return false, fmt.Errorf("udf: reload compile: %w", next.broken)
	}

	h.cur.Store(next)
	go old.retire()
	h.observer.UDFReloaded()
	log.WithFields(logrus.Fields{
		"function": h.cfg.FunctionName,
		"version":  next.version,
	}).Info("udf reloaded")
	return true, nil
}

// Run polls for source changes until ctx is done. It returns immediately when
// hot reload is disabled.
func (h *Handle) Run(ctx context.Context) error {
	if h.cfg.Passthrough() || h.cfg.ReloadInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(h.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.Reload(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("udf reload failed; keeping current version")
			}
		}
	}
}

// Close releases the active version.
func (h *Handle) Close() error {
	if s := h.cur.Load(); s != nil {
		s.retire()
	}
	return nil
}
