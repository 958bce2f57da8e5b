package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/sluice/internal/logsource"
	"github.com/tinytelemetry/sluice/internal/sink"
	"github.com/tinytelemetry/sluice/internal/udf"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/sluice/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Sluice - Failsafe Text-to-Table Loader\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "sluice")

	v := viper.New()
	v.SetEnvPrefix("SLUICE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("input-kind", "stdin")
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("otlp-addr", defaultOTLPAddr)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("sink", "duckdb")
	v.SetDefault("db-path", filepath.Join(dataDir, "sluice.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("ignore-unknown-values", false)
	v.SetDefault("create-disposition", string(sink.CreateIfNeeded))
	v.SetDefault("write-disposition", string(sink.WriteAppend))
	v.SetDefault("delivery-mode", sink.ExactlyOnce.String())
	v.SetDefault("staging-dir", filepath.Join(dataDir, "staging"))
	v.SetDefault("retry-max-attempts", sink.DefaultRetryPolicy.MaxAttempts)
	v.SetDefault("retry-initial-interval", sink.DefaultRetryPolicy.InitialInterval)
	v.SetDefault("retry-max-interval", sink.DefaultRetryPolicy.MaxInterval)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", defaultInsertFlushQueue)
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("udf-engine", "none")
	v.SetDefault("udf-call-timeout", defaultUDFCallTimeout)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("deadletter-retention", 0)
	v.SetDefault("deadletter-retention-interval", defaultRetentionInterval)
	v.SetDefault("s3-use-ssl", true)
	v.SetDefault("log-level", "info")

	// Keys without a default still need registering so env-only settings
	// reach Unmarshal.
	for _, key := range []string{
		"input-file-pattern", "tcp-addr", "bigquery-project", "output-table",
		"output-deadletter-table", "schema-path", "udf-path", "udf-function-name",
		"api-addr", "backup-bucket-url", "s3-endpoint", "s3-region",
		"s3-access-key", "s3-secret-key", "s3-session-token",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("udf-reload-interval", 0)
	v.SetDefault("udf-logging", false)
	v.SetDefault("udf-command", []string{})

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "sluice", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("invalid workers: %d", cfg.Workers)
	}
	if cfg.InsertBatchSize <= 0 {
		return cfg, fmt.Errorf("invalid insert-batch-size: %d", cfg.InsertBatchSize)
	}
	if cfg.RetryMaxAttempts <= 0 {
		return cfg, fmt.Errorf("invalid retry-max-attempts: %d", cfg.RetryMaxAttempts)
	}
	if cfg.DeadLetterRetention < 0 {
		return cfg, fmt.Errorf("invalid deadletter-retention: %s", cfg.DeadLetterRetention)
	}

	if cfg.inputKinds, err = parseInputKinds(cfg.InputKind); err != nil {
		return cfg, err
	}
	if cfg.backend, err = sink.ParseBackend(cfg.Sink); err != nil {
		return cfg, err
	}
	if cfg.create, err = sink.ParseCreateDisposition(cfg.CreateDisposition); err != nil {
		return cfg, err
	}
	if cfg.write, err = sink.ParseWriteDisposition(cfg.WriteDisposition); err != nil {
		return cfg, err
	}
	if cfg.delivery, err = sink.ParseDeliveryMode(cfg.DeliveryMode); err != nil {
		return cfg, err
	}
	if cfg.engine, err = udf.ParseEngine(cfg.UDFEngine); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.OutputTable) == "" {
		return cfg, errors.New("output-table is required")
	}
	if strings.TrimSpace(cfg.SchemaPath) == "" {
		return cfg, errors.New("schema-path is required")
	}
	if cfg.backend == sink.BackendBigQuery && cfg.BigQueryProject == "" {
		return cfg, errors.New("bigquery-project is required when sink is bigquery")
	}
	if cfg.engine == udf.EngineExternal && len(cfg.UDFCommand) == 0 {
		return cfg, errors.New("udf-command is required when udf-engine is external")
	}
	if cfg.engine == udf.EngineJavaScript && (cfg.UDFPath == "" || cfg.UDFFunctionName == "") {
		return cfg, errors.New("udf-path and udf-function-name are required when udf-engine is javascript")
	}
	if cfg.hasInput(logsource.KindFile) && strings.TrimSpace(cfg.InputFilePattern) == "" {
		return cfg, errors.New("input-file-pattern is required when input-kind includes file")
	}
	if cfg.hasInput(logsource.KindFile) {
		if _, err := filepath.Match(cfg.InputFilePattern, ""); err != nil {
			return cfg, fmt.Errorf("invalid input-file-pattern %q: %w", cfg.InputFilePattern, err)
		}
	}

	if cfg.BackupEnabled {
		if cfg.backend != sink.BackendDuckDB {
			return cfg, errors.New("backup-enabled requires sink duckdb")
		}
		if cfg.BackupInterval <= 0 {
			return cfg, fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if cfg.BackupBucketURL != "" && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
			return cfg, errors.New("s3-access-key and s3-secret-key are required when backup-bucket-url is set")
		}
	}

	// Expand ~ in local paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.StagingDir = expandHome(home, cfg.StagingDir)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)
	cfg.SchemaPath = expandHome(home, cfg.SchemaPath)
	cfg.UDFPath = expandHome(home, cfg.UDFPath)
	cfg.InputFilePattern = expandHome(home, cfg.InputFilePattern)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

// parseInputKinds accepts a comma-separated list of source kinds.
func parseInputKinds(raw string) ([]logsource.Kind, error) {
	var kinds []logsource.Kind
	seen := make(map[logsource.Kind]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind, err := logsource.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid input-kind: %w", err)
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, errors.New("input-kind is required")
	}
	return kinds, nil
}

func (c appConfig) hasInput(kind logsource.Kind) bool {
	for _, k := range c.inputKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
