// Package logging configures structured logging for eatguard.
//
// Loggers filter per component: "info,dispatcher=trace" logs everything
// at info and above, plus the dispatcher's per-fault trace records.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "EATGUARD_LOG"

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses a format string. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures New.
type Options struct {
	// CLISpec is the spec from the command line (highest precedence).
	CLISpec string
	// EnvSpec is the spec from EATGUARD_LOG.
	EnvSpec string
	// ConfigSpec is the spec from the config file (lowest precedence).
	ConfigSpec string
	Format     Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New returns a logger with component filtering and op_id extraction.
// Precedence: CLISpec > EnvSpec > ConfigSpec > info.
func New(opts Options) (*slog.Logger, error) {
	var specStr string
	switch {
	case opts.CLISpec != "":
		specStr = opts.CLISpec
	case opts.EnvSpec != "":
		specStr = opts.EnvSpec
	case opts.ConfigSpec != "":
		specStr = opts.ConfigSpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	// The filtering handler decides; the inner handler accepts everything.
	handlerOpts := &slog.HandlerOptions{Level: LevelTrace.ToSlog(), ReplaceAttr: replaceLevel}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	return slog.New(opIDHandler{NewFilteringHandler(inner, &spec)}), nil
}

// FromEnv returns a logger configured from EATGUARD_LOG.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
