package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "journal")

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// entry is one staged row. Only the envelope and insert id are stored; the
// column values are re-derived from Payload on replay.
type entry struct {
	Seq        uint64            `json:"seq"`
	InsertID   string            `json:"insert_id"`
	Kind       string            `json:"kind"`
	Source     string            `json:"source"`
	ID         string            `json:"id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Original   string            `json:"original"`
	Payload    string            `json:"payload"`
}

func (e entry) envelope() model.Envelope {
	kind, err := model.ParseSourceKind(e.Kind)
	if err != nil {
		kind = model.SourceUnknown
	}
	return model.Envelope{
		Original: e.Original,
		Working:  e.Payload,
		Meta: model.Meta{
			Kind:       kind,
			Source:     e.Source,
			ID:         e.ID,
			Attributes: e.Attributes,
			ReceivedAt: e.ReceivedAt,
		},
	}
}

// Journal is a durable append-only log of rows accepted by the sink but not
// yet committed. It stores one JSON entry per line and tracks commit progress
// in a sidecar file.
//
// Rows may be committed out of order. The persisted watermark only advances
// over a contiguous prefix, so a crash can replay rows that were committed
// after a gap; insert ids make that replay idempotent.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
	ahead      map[uint64]struct{}
}

// Open creates or opens a journal at path. On startup it compacts committed
// entries and ignores a partially written trailing line.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compactCommitted(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	next := maxSeq + 1
	if committed+1 > next {
		next = committed + 1
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    next,
		committed:  committed,
		ahead:      make(map[uint64]struct{}),
	}, nil
}

// Append persists one row and returns its sequence number.
func (j *Journal) Append(row *model.Row) (uint64, error) {
	seqs, err := j.AppendBatch([]*model.Row{row})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch persists rows with a single write and fsync and returns their
// sequence numbers in order. On failure nothing is kept: a partial write is
// truncated away and the sequence numbers are reused.
func (j *Journal) AppendBatch(rows []*model.Row) ([]uint64, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil, errors.New("journal: closed")
	}

	seqs := make([]uint64, len(rows))
	var buf []byte
	for i, row := range rows {
		if row == nil {
			return nil, errors.New("journal: nil row")
		}
		seqs[i] = j.nextSeq + uint64(i)
		line, err := json.Marshal(newEntry(seqs[i], row))
		if err != nil {
			return nil, fmt.Errorf("journal: marshal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	info, err := j.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("journal: stat: %w", err)
	}
	if _, err := j.file.Write(buf); err != nil {
		j.rollback(info.Size())
		return nil, fmt.Errorf("journal: write entries: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		j.rollback(info.Size())
		return nil, fmt.Errorf("journal: sync entries: %w", err)
	}
	j.nextSeq += uint64(len(rows))
	return seqs, nil
}

// rollback drops anything written past size. Errors are logged only; a
// leftover partial line is skipped by Replay anyway.
func (j *Journal) rollback(size int64) {
	if err := j.file.Truncate(size); err != nil {
		log.WithError(err).Warn("journal: truncate after failed append")
	}
}

func newEntry(seq uint64, row *model.Row) entry {
	env := row.Envelope
	return entry{
		Seq:        seq,
		InsertID:   row.InsertID,
		Kind:       env.Meta.Kind.String(),
		Source:     env.Meta.Source,
		ID:         env.Meta.ID,
		Attributes: cloneAttributes(env.Meta.Attributes),
		ReceivedAt: env.Meta.ReceivedAt,
		Original:   env.Original,
		Payload:    env.Working,
	}
}

// Commit marks the given entries as finished. The persisted watermark moves
// to the highest sequence below which every entry is finished.
func (j *Journal) Commit(seqs ...uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, seq := range seqs {
		if seq > j.committed {
			j.ahead[seq] = struct{}{}
		}
	}
	next := j.committed
	for {
		if _, ok := j.ahead[next+1]; !ok {
			break
		}
		delete(j.ahead, next+1)
		next++
	}
	if next == j.committed {
		return nil
	}
	j.committed = next
	return writeCommitted(j.commitPath, next)
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted entry in sequence order. The envelope's
// Working payload is the text the row was converted from.
func (j *Journal) Replay(fn func(seq uint64, insertID string, env model.Envelope) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path := j.path
	committed := j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: replay read: %w", err)
		}
		if len(line) == 0 {
			if errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		if !strings.HasSuffix(string(line), "\n") {
			// Ignore a potentially partial trailing line.
			return nil
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			// Stop at first malformed line and keep replay deterministic.
			return nil
		}
		if e.Seq <= committed {
			if errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		if rerr := fn(e.Seq, e.InsertID, e.envelope()); rerr != nil {
			return rerr
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func cloneAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	payload := []byte(strconv.FormatUint(seq, 10) + "\n")
	if err := os.WriteFile(tmp, payload, defaultFileMode); err != nil {
		return fmt.Errorf("journal: write commit tmp: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_RDWR, defaultFileMode)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: sync commit tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: close commit tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename commit file: %w", err)
	}
	return nil
}

func compactCommitted(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}

	reader := bufio.NewReader(src)
	var maxSeq uint64

	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
			return 0, fmt.Errorf("journal: compact read: %w", rerr)
		}
		if len(line) == 0 {
			if errors.Is(rerr, io.EOF) {
				break
			}
			continue
		}
		if !strings.HasSuffix(string(line), "\n") {
			// Ignore potentially partial trailing line.
			break
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			break
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if e.Seq > committed {
			if _, werr := dst.Write(line); werr != nil {
				_ = dst.Close()
				_ = os.Remove(tmpPath)
				return 0, fmt.Errorf("journal: compact write: %w", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
	}

	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact sync: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, nil
}
