// Package httpserver serves the operational HTTP API: health, pipeline
// counters, recent dead letters and Prometheus metrics.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/duckdb"
	"github.com/tinytelemetry/sluice/internal/metrics"
	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "httpserver")

// StatsSource provides a point-in-time copy of the pipeline counters.
type StatsSource interface {
	Snapshot() metrics.Stats
}

// DeadLetterReader is the narrow store contract for browsing dead letters.
type DeadLetterReader interface {
	RecentDeadLetters(ctx context.Context, table string, q duckdb.DeadLetterQuery) ([]model.DeadLetter, error)
}

// Config wires the server to the running pipeline.
type Config struct {
	Addr            string
	Stats           StatsSource
	Metrics         http.Handler
	DeadLetters     DeadLetterReader // nil when the backend cannot be queried
	DeadLetterTable string
	UDFVersion      func() int64
}

// Server provides the HTTP ops API.
type Server struct {
	addr      string
	conf      Config
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(conf Config) *Server {
	addr := conf.Addr
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		conf:      conf,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/dead-letters", s.handleDeadLetters)
	if s.conf.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.conf.Metrics))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http serve failed")
		}
	}()
	log.WithField("addr", s.addr).Info("http api listening")
	return nil
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.conf.UDFVersion != nil {
		body["udf_version"] = s.conf.UDFVersion()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	if s.conf.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not available"})
		return
	}
	c.JSON(http.StatusOK, s.conf.Stats.Snapshot())
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	if s.conf.DeadLetters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "dead-letter browsing requires the duckdb sink"})
		return
	}

	q := duckdb.DeadLetterQuery{Stage: c.Query("stage")}
	switch model.Stage(q.Stage) {
	case "", model.StageUDF, model.StageConvert, model.StageSink:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage must be udf, convert or sink"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return
		}
		q.Since = ts
	}

	records, err := s.conf.DeadLetters.RecentDeadLetters(c.Request.Context(), s.conf.DeadLetterTable, q)
	if err != nil {
		log.WithError(err).Warn("dead-letter query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read dead letters"})
		return
	}

	rows := make([]gin.H, 0, len(records))
	for _, r := range records {
		rows = append(rows, gin.H{
			"timestamp":        r.Timestamp,
			"stage":            r.Stage,
			"source":           r.Source,
			"payload":          r.Payload,
			"original_payload": r.OriginalPayload,
			"error_message":    r.ErrorMessage,
			"stacktrace":       r.StackTrace,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"table":   s.conf.DeadLetterTable,
		"records": rows,
		"count":   len(rows),
	})
}
