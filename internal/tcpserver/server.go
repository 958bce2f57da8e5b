// Package tcpserver accepts newline-delimited records over TCP.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "tcpserver")

const (
	// DefaultLineChannelSize is the default buffer size for the incoming log line channel.
	DefaultLineChannelSize = 100_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single log line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
}

// Server listens for newline-delimited records over TCP. Each connection
// gets a sequence number; records are identified as "<remote>#<conn>:<line>".
type Server struct {
	listener    net.Listener
	addr        string
	lineChan    chan model.IngestEnvelope
	maxLineSize int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	conns       atomic.Uint64
	stopOnce    sync.Once
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lineChan:    make(chan model.IngestEnvelope, lineChannelSize),
		maxLineSize: maxLineSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn, s.conns.Add(1))
		}
	}()

	return nil
}

func (s *Server) handleConnection(conn net.Conn, seq uint64) {
	defer s.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	prefix := remote + "#" + strconv.FormatUint(seq, 10) + ":"
	fields := log.WithField("remote", remote)
	fields.Debug("connection accepted")

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, s.maxLineSize)
	scanner.Buffer(buf, s.maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		env := model.IngestEnvelope{
			Kind:       model.SourceTCP,
			Source:     "tcp",
			ID:         prefix + strconv.Itoa(lineNo),
			Line:       line,
			ReceivedAt: time.Now(),
		}
		select {
		case s.lineChan <- env:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			fields.WithField("max_bytes", s.maxLineSize).Warn("dropped connection due to oversized line")
			return
		}
		fields.WithError(err).Warn("scanner error")
	}
}

// Stop gracefully shuts down the TCP server.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		close(s.lineChan)
	})
	return nil
}

// Lines returns the channel of received log lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
