// Package udf runs user-defined text transforms. A Handle owns the current
// compiled version of the function and swaps in new versions when the source
// changes.
package udf

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/sluice/internal/model"
)

var log = logrus.WithField("component", "udf")

// Engine selects how the function source is executed.
type Engine uint8

const (
	EngineNone Engine = iota
	EngineJavaScript
	EngineExternal
)

func (e Engine) String() string {
	switch e {
	case EngineNone:
		return "none"
	case EngineJavaScript:
		return "javascript"
	case EngineExternal:
		return "external"
	default:
		return fmt.Sprintf("engine(%d)", uint8(e))
	}
}

// ParseEngine maps a configuration name to an Engine. An empty name is none.
func ParseEngine(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return EngineNone, nil
	case "javascript", "js":
		return EngineJavaScript, nil
	case "external":
		return EngineExternal, nil
	default:
		return EngineNone, fmt.Errorf("unknown udf engine %q (want none, javascript or external)", name)
	}
}

// Config describes one UDF.
type Config struct {
	Engine         Engine
	Location       string // file path, http(s) URL or s3:// URL of the source
	FunctionName   string
	ReloadInterval time.Duration // zero disables hot reload
	Logging        bool          // log every invocation at debug level

	// External engine only.
	Command     []string
	Env         []string
	CallTimeout time.Duration
}

// Passthrough reports whether the configuration disables transformation.
func (c Config) Passthrough() bool {
	return c.Engine == EngineNone || strings.TrimSpace(c.Location) == ""
}

func (c Config) validate() error {
	if c.Passthrough() {
		return nil
	}
	if strings.TrimSpace(c.FunctionName) == "" {
		return fmt.Errorf("udf: function name is required for engine %s", c.Engine)
	}
	switch c.Engine {
	case EngineJavaScript:
		return nil
	case EngineExternal:
		if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
			return fmt.Errorf("udf: external engine requires a command")
		}
		return nil
	default:
		return fmt.Errorf("udf: unhandled engine %s", c.Engine)
	}
}

// Function is one compiled, immutable version of the user function.
type Function interface {
	Call(ctx context.Context, in model.Envelope) (string, error)
	Close() error
}

// CallError is a per-record transform failure. Message is what ends up in the
// dead-letter error column; Stack is the best available diagnostic trace.
type CallError struct {
	Message string
	Stack   string
}

func (e *CallError) Error() string { return e.Message }

func callErrorf(stack, format string, args ...any) *CallError {
	return &CallError{Message: fmt.Sprintf(format, args...), Stack: stack}
}

type compileFunc func(ctx context.Context, cfg Config, source []byte) (Function, error)

func compilerFor(e Engine) (compileFunc, error) {
	switch e {
	case EngineJavaScript:
		return compileJavaScript, nil
	case EngineExternal:
		return startExternal, nil
	case EngineNone:
		return nil, fmt.Errorf("udf: engine none has no compiler")
	default:
		return nil, fmt.Errorf("udf: unhandled engine %s", e)
	}
}
