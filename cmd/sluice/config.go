package main

import (
	"time"

	"github.com/tinytelemetry/sluice/internal/logsource"
	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/sink"
	"github.com/tinytelemetry/sluice/internal/udf"
)

const (
	defaultBindHost             = "127.0.0.1"
	defaultTCPPort              = 4000
	defaultAPIPort              = 3000
	defaultOTLPAddr             = "127.0.0.1:4317"
	defaultMuxBufferSize        = DefaultMuxBuffer
	defaultPollInterval         = model.DefaultPollInterval
	defaultWorkers              = model.DefaultWorkers
	defaultQueryTimeout         = 30 * time.Second
	defaultInsertBatchSize      = 500
	defaultInsertFlushInterval  = time.Second
	defaultInsertFlushQueue     = sink.DefaultFlushQueueSize
	defaultUDFCallTimeout       = 30 * time.Second
	defaultBackupInterval       = 6 * time.Hour
	defaultBackupKeepLast       = 24
	defaultRetentionInterval    = time.Hour
	defaultDeadLetterBatchSize  = 100
	defaultDeadLetterFlushEvery = time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	InputKind        string        `mapstructure:"input-kind"`
	InputFilePattern string        `mapstructure:"input-file-pattern"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	Host             string        `mapstructure:"host"`
	TCPPort          int           `mapstructure:"tcp-port"`
	TCPAddr          string        `mapstructure:"tcp-addr"`
	OTLPAddr         string        `mapstructure:"otlp-addr"`
	MuxBufferSize    int           `mapstructure:"mux-buffer-size"`

	Sink                  string        `mapstructure:"sink"`
	DBPath                string        `mapstructure:"db-path"`
	QueryTimeout          time.Duration `mapstructure:"query-timeout"`
	BigQueryProject       string        `mapstructure:"bigquery-project"`
	OutputTable           string        `mapstructure:"output-table"`
	OutputDeadLetterTable string        `mapstructure:"output-deadletter-table"`
	SchemaPath            string        `mapstructure:"schema-path"`
	IgnoreUnknownValues   bool          `mapstructure:"ignore-unknown-values"`
	CreateDisposition     string        `mapstructure:"create-disposition"`
	WriteDisposition      string        `mapstructure:"write-disposition"`
	DeliveryMode          string        `mapstructure:"delivery-mode"`
	StagingDir            string        `mapstructure:"staging-dir"`
	RetryMaxAttempts      int           `mapstructure:"retry-max-attempts"`
	RetryInitialInterval  time.Duration `mapstructure:"retry-initial-interval"`
	RetryMaxInterval      time.Duration `mapstructure:"retry-max-interval"`
	InsertBatchSize       int           `mapstructure:"insert-batch-size"`
	InsertFlushInterval   time.Duration `mapstructure:"insert-flush-interval"`
	InsertFlushQueue      int           `mapstructure:"insert-flush-queue-size"`
	Workers               int           `mapstructure:"workers"`

	UDFEngine         string        `mapstructure:"udf-engine"`
	UDFPath           string        `mapstructure:"udf-path"`
	UDFFunctionName   string        `mapstructure:"udf-function-name"`
	UDFReloadInterval time.Duration `mapstructure:"udf-reload-interval"`
	UDFLogging        bool          `mapstructure:"udf-logging"`
	UDFCommand        []string      `mapstructure:"udf-command"`
	UDFCallTimeout    time.Duration `mapstructure:"udf-call-timeout"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	BackupEnabled   bool          `mapstructure:"backup-enabled"`
	BackupInterval  time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir  string        `mapstructure:"backup-local-dir"`
	BackupKeepLast  int           `mapstructure:"backup-keep-last"`
	BackupBucketURL string        `mapstructure:"backup-bucket-url"`

	DeadLetterRetention         time.Duration `mapstructure:"deadletter-retention"`
	DeadLetterRetentionInterval time.Duration `mapstructure:"deadletter-retention-interval"`

	S3Endpoint     string `mapstructure:"s3-endpoint"`
	S3Region       string `mapstructure:"s3-region"`
	S3AccessKey    string `mapstructure:"s3-access-key"`
	S3SecretKey    string `mapstructure:"s3-secret-key"`
	S3SessionToken string `mapstructure:"s3-session-token"`
	S3UseSSL       bool   `mapstructure:"s3-use-ssl"`

	LogLevel   string `mapstructure:"log-level"`
	ConfigPath string `mapstructure:"-"` // not from config file

	// Parsed forms of the string settings above, filled by loadConfig.
	inputKinds []logsource.Kind
	backend    sink.Backend
	create     sink.CreateDisposition
	write      sink.WriteDisposition
	delivery   sink.DeliveryMode
	engine     udf.Engine
}
