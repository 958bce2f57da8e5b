package model

import "time"

// Shared defaults used by the server binary and the pipeline packages.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultDeadLetterSuffix = "_error_records"
	DefaultWorkers          = 4
)
