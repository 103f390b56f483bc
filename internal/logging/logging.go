// Package logging configures the process logger.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds a logrus logger writing to stdout. Unknown levels fall back to
// info.
func New(service, level string, enableJSON bool) *logrus.Entry {
	return NewWithOutput(service, level, enableJSON, os.Stdout)
}

func NewWithOutput(service, level string, enableJSON bool, out io.Writer) *logrus.Entry {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if enableJSON {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}
	logger.SetOutput(out)

	return logger.WithField("service", service)
}

// Discard returns a logger that drops everything. Used by tests and as the
// default for components built without a logger.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WithContext adds trace_id and span_id when ctx carries a sampled span.
func WithContext(ctx context.Context, log logrus.FieldLogger) logrus.FieldLogger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return log
	}
	return log.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}

func WithComponent(log logrus.FieldLogger, component string) logrus.FieldLogger {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", component)
}
