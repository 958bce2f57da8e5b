package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/sluice/internal/httpserver"
	"github.com/tinytelemetry/sluice/internal/journal"
	"github.com/tinytelemetry/sluice/internal/metrics"
	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/pipeline"
	"github.com/tinytelemetry/sluice/internal/resource"
	"github.com/tinytelemetry/sluice/internal/schema"
	"github.com/tinytelemetry/sluice/internal/sink"
	"github.com/tinytelemetry/sluice/internal/udf"
)

// runServer loads the schema and UDF, prepares the destination, and runs the
// pipeline until the inputs close or the process is signalled.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger(cfg.LogLevel)
	defer cleanupLogger()

	// Set up context and signal handling before anything blocks on the network.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	loader := resource.NewLoader(cfg.s3Config())

	raw, err := loader.Fetch(ctx, cfg.SchemaPath)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	sc, err := schema.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse schema %s: %w", cfg.SchemaPath, err)
	}
	conv := schema.NewConverter(sc, schema.WithIgnoreUnknownValues(cfg.IgnoreUnknownValues))

	stats := metrics.New()

	handle, err := udf.Open(ctx, udf.Config{
		Engine:         cfg.engine,
		Location:       cfg.UDFPath,
		FunctionName:   cfg.UDFFunctionName,
		ReloadInterval: cfg.UDFReloadInterval,
		Logging:        cfg.UDFLogging,
		Command:        cfg.UDFCommand,
		CallTimeout:    cfg.UDFCallTimeout,
	}, loader, udf.WithObserver(stats))
	if err != nil {
		return fmt.Errorf("load udf: %w", err)
	}
	defer handle.Close()

	dest, err := openDestination(ctx, cfg, sc, stats)
	if err != nil {
		return err
	}
	defer dest.Close()

	retry := sink.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}

	// Open the staging journal for crash-safe replay of accepted rows.
	var staging *journal.Journal
	if strings.TrimSpace(cfg.StagingDir) != "" {
		staging, err = journal.Open(journalPath(cfg.StagingDir, cfg.backend, cfg.OutputTable))
		if err != nil {
			return fmt.Errorf("failed to open staging journal: %w", err)
		}
		defer staging.Close()
	}

	insertBuffer, err := sink.NewInsertBuffer(dest.table, sink.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
		Retry:          retry,
		Journal:        staging,
		Reconvert: func(env model.Envelope) (map[string]any, error) {
			return conv.Convert(env.Working)
		},
		Observer: stats,
	})
	if err != nil {
		return err
	}

	var transform pipeline.Transformer
	if !handle.Passthrough() {
		transform = handle
	}
	p, err := pipeline.New(pipeline.Config{
		Workers:                 cfg.Workers,
		Transform:               transform,
		Converter:               conv,
		Sink:                    insertBuffer,
		DeadLetters:             dest.deadLetters,
		DeadLetterBatchSize:     defaultDeadLetterBatchSize,
		DeadLetterFlushInterval: defaultDeadLetterFlushEvery,
		DeadLetterRetry:         retry,
		Observer:                stats,
	})
	if err != nil {
		return err
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(httpserver.Config{
			Addr:            cfg.APIAddr,
			Stats:           stats,
			Metrics:         stats.Handler(),
			DeadLetters:     dest.reader,
			DeadLetterTable: dest.dlTable,
			UDFVersion:      handle.Version,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	plugins := buildInputPlugins(InputPluginConfig{
		Kinds:        cfg.inputKinds,
		FilePattern:  cfg.InputFilePattern,
		PollInterval: cfg.PollInterval,
		TCPAddr:      cfg.TCPAddr,
		OTLPAddr:     cfg.OTLPAddr,
	})
	sources, err := startSources(ctx, plugins)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no input available (stdin is a terminal?)")
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()
	defer mux.Stop()

	printStartupBanner(cfg, mux.Names(), dest, handle)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return handle.Run(gctx)
	})

	g.Go(func() error {
		err := p.Run(gctx, mux.Records())
		// Inputs exhausted or pipeline failed; stop the reload loop either way.
		cancel()
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("pipeline stopped")
		return fmt.Errorf("pipeline: %w", err)
	}

	s := stats.Snapshot()
	log.WithFields(logrus.Fields{
		"records_in":     s.RecordsIn,
		"sink_committed": s.SinkCommitted,
		"dead_letters":   s.DeadLetters,
	}).Info("pipeline finished")
	for _, in := range mux.Stats() {
		log.WithFields(logrus.Fields{
			"input":     in.Name,
			"forwarded": in.Forwarded,
			"skipped":   in.Skipped,
		}).Info("input summary")
	}
	return nil
}

func printStartupBanner(cfg appConfig, inputs []string, dest *destination, handle *udf.Handle) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╦  ╦ ╦╦╔═╗╔═╗
    ╚═╗║  ║ ║║║  ║╣
    ╚═╝╩═╝╚═╝╩╚═╝╚═╝`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Inputs"), "")
	for _, name := range inputs {
		addr := ""
		switch name {
		case "tcp":
			addr = cfg.TCPAddr
		case "otlp":
			addr = cfg.OTLPAddr
		case "file":
			addr = shortenPath(cfg.InputFilePattern)
		}
		lines = append(lines, fmt.Sprintf("    %s  %-13s %s", check, name, cyan.Render(addr)))
	}
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API      %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API      %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Pipeline"), "")
	if handle.Passthrough() {
		lines = append(lines, fmt.Sprintf("    %s  UDF           %s", dot, dim.Render("passthrough")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  UDF           %s", check,
			dim.Render(fmt.Sprintf("%s %s (v%d)", cfg.engine, shortenPath(cfg.UDFPath), handle.Version()))))
	}
	lines = append(lines, fmt.Sprintf("    %s  Schema        %s", check, dim.Render(shortenPath(cfg.SchemaPath))))
	lines = append(lines, fmt.Sprintf("    %s  Workers       %s", check, dim.Render(fmt.Sprint(cfg.Workers))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-13s %s", check, cfg.backend, dim.Render(shortenPath(dest.location))))
	lines = append(lines, fmt.Sprintf("    %s  Table         %s", check, dim.Render(cfg.OutputTable+" ("+cfg.delivery.String()+")")))
	lines = append(lines, fmt.Sprintf("    %s  Dead letters  %s", check, dim.Render(dest.dlTable)))
	if cfg.StagingDir != "" {
		lines = append(lines, fmt.Sprintf("    %s  Staging       %s", check, dim.Render(shortenPath(cfg.StagingDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Staging       %s", dot, dim.Render("disabled")))
	}
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots     %s", check, dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots     %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File   %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File   %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
