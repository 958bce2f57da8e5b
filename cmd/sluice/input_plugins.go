package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tinytelemetry/sluice/internal/logsource"
	"github.com/tinytelemetry/sluice/internal/otlpserver"
	"github.com/tinytelemetry/sluice/internal/tcpserver"
)

// NamedLogSource aliases the shared source abstraction to keep app-layer APIs explicit.
type NamedLogSource = logsource.LogSource

// InputSourcePlugin is a small plugin primitive for wiring record inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedLogSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	Kinds []logsource.Kind

	FilePattern  string
	PollInterval time.Duration
	TCPAddr      string
	OTLPAddr     string
}

func (c InputPluginConfig) enabled(kind logsource.Kind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 4)
	plugins = append(plugins, fileInputPlugin{
		pattern:      cfg.FilePattern,
		pollInterval: cfg.PollInterval,
		enabled:      cfg.enabled(logsource.KindFile),
	})
	plugins = append(plugins, tcpInputPlugin{
		addr:    cfg.TCPAddr,
		enabled: cfg.enabled(logsource.KindTCP),
	})
	plugins = append(plugins, otlpInputPlugin{
		addr:    cfg.OTLPAddr,
		enabled: cfg.enabled(logsource.KindOTLP),
	})
	plugins = append(plugins, stdinInputPlugin{
		enabled: cfg.enabled(logsource.KindStdin),
	})
	return plugins
}

type fileInputPlugin struct {
	pattern      string
	pollInterval time.Duration
	enabled      bool
}

func (p fileInputPlugin) Name() string { return "file" }

func (p fileInputPlugin) Enabled() bool { return p.enabled }

func (p fileInputPlugin) Build(ctx context.Context) (NamedLogSource, error) {
	src, err := logsource.NewFileSource(ctx, logsource.FileConfig{
		Pattern:      p.pattern,
		PollInterval: p.pollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("start file watcher: %w", err)
	}
	return src, nil
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedLogSource, error) {
	server := tcpserver.NewServer(p.addr)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type otlpInputPlugin struct {
	addr    string
	enabled bool
}

func (p otlpInputPlugin) Name() string { return "otlp" }

func (p otlpInputPlugin) Enabled() bool { return p.enabled }

func (p otlpInputPlugin) Build(_ context.Context) (NamedLogSource, error) {
	server := otlpserver.NewServer(p.addr)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start otlp receiver: %w", err)
	}
	return logsource.NewOTLPSource(server), nil
}

type stdinInputPlugin struct {
	enabled bool
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled also requires stdin to be a pipe or file rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	if !p.enabled {
		return false
	}
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedLogSource, error) {
	return logsource.NewStdinSource(ctx), nil
}

// startSources builds every enabled plugin. Input configuration errors are
// fatal, unlike the per-record errors handled downstream.
func startSources(ctx context.Context, plugins []InputSourcePlugin) ([]NamedLogSource, error) {
	sources := make([]NamedLogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			for _, started := range sources {
				started.Stop()
			}
			return nil, fmt.Errorf("input %s: %w", plugin.Name(), err)
		}
		log.WithField("input", plugin.Name()).Info("input started")
		sources = append(sources, src)
	}
	return sources, nil
}
