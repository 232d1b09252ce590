// Package log provides the process logger: a logrus backed Logger with a
// pattern or JSON formatter, writing to stderr and optionally to a rotated
// file, a Loki endpoint and a Kafka topic.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/arnet/internal/config"
)

var (
	outputsMu sync.Mutex
	outputs   *MultiWriter
)

// Init configures the process logger from cfg. It can be called again to
// apply a new configuration: the logrus instance is updated in place and the
// previous outputs are closed once nothing writes to them.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	var f logrus.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = DefaultTimeFormat
		}
		f = &formatter{pattern: pattern, time: timeFormat}
	case "json":
		f = &logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat}
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	w := NewMultiWriter().Add(os.Stderr)

	if cfg.Outputs.File.Enabled {
		if _, err := w.AddFileAppender(cfg.Outputs.File); err != nil {
			w.Close()
			return fmt.Errorf("failed to create file output: %w", err)
		}
	}

	if cfg.Outputs.Loki.Enabled {
		lw, err := createLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			w.Close()
			return fmt.Errorf("failed to create loki output: %w", err)
		}
		w.Add(lw)
	}

	if cfg.Outputs.Kafka.Enabled {
		kw, err := NewKafkaWriter(cfg.Outputs.Kafka)
		if err != nil {
			w.Close()
			return fmt.Errorf("failed to create kafka output: %w", err)
		}
		w.Add(kw)
	}

	std.SetFormatter(f)
	std.SetReportCaller(cfg.ReportCaller)
	std.SetOutput(w)
	std.SetLevel(level)

	outputsMu.Lock()
	prev := outputs
	outputs = w
	outputsMu.Unlock()

	SetLogger(NewLogrus(std))
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Flush points the process logger back at stderr and closes the configured
// outputs, pushing any buffered lines.
func Flush() {
	outputsMu.Lock()
	prev := outputs
	outputs = nil
	outputsMu.Unlock()

	if prev != nil {
		std.SetOutput(os.Stderr)
		prev.Close()
	}
}

func parseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown level: %s", levelStr)
	}
}

func createLokiWriter(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}
	return NewLokiWriter(LokiConfig{
		Endpoint:      lc.Endpoint,
		Labels:        lc.Labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.BatchTimeout,
	})
}
