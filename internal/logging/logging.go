// Package logging configures the structured application logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// FormatText renders human-readable key=value lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per line.
	FormatJSON = "json"
)

// New builds a logger writing to out at the given level and format. Empty
// values fall back to info and text.
func New(level string, format string, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)

	parsed := logrus.InfoLevel
	if strings.TrimSpace(level) != "" {
		var err error
		parsed, err = logrus.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	logger.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return logger, nil
}

// Discard returns a logger that drops every entry.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WarnSink adapts a logger to the warn callbacks taken by lower-level packages.
func WarnSink(logger logrus.FieldLogger) func(string) {
	if logger == nil {
		return nil
	}
	return func(message string) {
		logger.Warn(message)
	}
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return Discard()
	}
	return logger
}
