package udf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tinytelemetry/sluice/internal/model"
)

const (
	defaultCallTimeout = 30 * time.Second
	stopGrace          = 2 * time.Second
	stderrTailBytes    = 4096
)

// externalFunction drives a long-lived child process. Calls are serialized;
// a child that dies or misbehaves is torn down and restarted on the next call.
type externalFunction struct {
	cfg    Config
	source []byte

	mu   sync.Mutex
	proc *childProcess
}

type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *msgpack.Encoder
	dec    *msgpack.Decoder
	stderr *tailBuffer
	exited chan struct{}
}

func startExternal(ctx context.Context, cfg Config, source []byte) (Function, error) {
	f := &externalFunction{cfg: cfg, source: source}
	proc, err := f.spawn(ctx)
	if err != nil {
		return nil, err
	}
	f.proc = proc
	return f, nil
}

func (f *externalFunction) spawn(ctx context.Context) (*childProcess, error) {
	cmd := exec.Command(f.cfg.Command[0], f.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), f.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("external udf: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("external udf: stdout pipe: %w", err)
	}
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("external udf: start %s: %w", f.cfg.Command[0], err)
	}
	p := &childProcess{
		cmd:    cmd,
		stdin:  stdin,
		enc:    msgpack.NewEncoder(stdin),
		dec:    msgpack.NewDecoder(stdout),
		stderr: tail,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	hs := Handshake{
		Protocol:       protocolVersion,
		FunctionName:   f.cfg.FunctionName,
		FunctionSource: string(f.source),
		RowSchema:      ElementRowSchema,
		FailsafeSchema: FailsafeRowSchema,
	}
	var ack HandshakeAck
	err = p.roundTrip(ctx, f.timeout(), func() error {
		if err := p.enc.Encode(&hs); err != nil {
			return err
		}
		return p.dec.Decode(&ack)
	})
	if err != nil {
		p.stop()
		return nil, fmt.Errorf("external udf: handshake: %w%s", err, p.stderr.suffix())
	}
	if !ack.OK {
		p.stop()
		msg := ack.Error
		if msg == "" {
			msg = "rejected without a message"
		}
		return nil, fmt.Errorf("external udf: register %s: %s", f.cfg.FunctionName, msg)
	}
	log.WithField("pid", cmd.Process.Pid).WithField("function", f.cfg.FunctionName).Debug("external udf started")
	return p, nil
}

func (f *externalFunction) timeout() time.Duration {
	if f.cfg.CallTimeout > 0 {
		return f.cfg.CallTimeout
	}
	return defaultCallTimeout
}

func (f *externalFunction) Call(ctx context.Context, in model.Envelope) (string, error) {
	elem, err := elementFor(in)
	if err != nil {
		return "", callErrorf("", "udf %s: %v", f.cfg.FunctionName, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.proc == nil {
		proc, err := f.spawn(ctx)
		if err != nil {
			return "", callErrorf("", "udf %s: restart: %v", f.cfg.FunctionName, err)
		}
		f.proc = proc
	}

	var reply FailsafeRow
	err = f.proc.roundTrip(ctx, f.timeout(), func() error {
		if err := f.proc.enc.Encode(&elem); err != nil {
			return err
		}
		return f.proc.dec.Decode(&reply)
	})
	if err != nil {
		stack := f.proc.stderr.String()
		f.proc.stop()
		f.proc = nil
		return "", callErrorf(stack, "udf %s: external process failed: %v", f.cfg.FunctionName, err)
	}

	if reply.failed() {
		stack := ""
		if reply.StackTrace != nil {
			stack = *reply.StackTrace
		}
		return "", callErrorf(stack, "%s", *reply.ErrorMessage)
	}
	return reply.Transformed, nil
}

func (f *externalFunction) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proc != nil {
		f.proc.stop()
		f.proc = nil
	}
	return nil
}

var errChildExited = errors.New("process exited")

// roundTrip runs one request/response exchange, bounded by ctx and timeout.
// On any error the caller must stop the process: the stream is out of sync.
func (p *childProcess) roundTrip(ctx context.Context, timeout time.Duration, exchange func() error) error {
	done := make(chan error, 1)
	go func() { done <- exchange() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errChildExited
		}
		return err
	case <-ctx.Done():
		p.kill()
		<-done
		return ctx.Err()
	case <-timer.C:
		p.kill()
		<-done
		return fmt.Errorf("no reply within %s", timeout)
	}
}

func (p *childProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// stop closes stdin so a well-behaved child exits on its own, then kills it
// after a grace period.
func (p *childProcess) stop() {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		p.kill()
		<-p.exited
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = bytes.Clone(t.buf[over:])
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func (t *tailBuffer) suffix() string {
	if s := t.String(); s != "" {
		return ": " + s
	}
	return ""
}
