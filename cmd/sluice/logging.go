package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "sluice")

// configureRuntimeLogger routes logrus output to the state-dir log file,
// falling back to stderr. The returned func closes the file.
func configureRuntimeLogger(level string) func() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	home, err := os.UserHomeDir()
	if err != nil {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "sluice")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "sluice.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	logrus.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}
