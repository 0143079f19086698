package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"finadvisor-pipeline/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

// Logger wraps logrus with key/value helpers and the service/stage/pipeline
// log shapes used across the services package.
type Logger struct {
	base *logrus.Logger
}

func New(cfg config.LogConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	base.SetLevel(level)

	switch cfg.Format {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	switch cfg.Output {
	case "stderr":
		base.SetOutput(os.Stderr)
	case "file":
		base.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	default:
		base.SetOutput(os.Stdout)
	}

	return &Logger{base: base}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{base: base}
}

// NewWithWriter is used by tests that assert on log output.
func NewWithWriter(w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)
	return &Logger{base: base}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base.WithError(err)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

func (l *Logger) Writer() *io.PipeWriter {
	return l.base.Writer()
}

// LogService records one call into an external dependency.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.base.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Debug("service call completed")
}

// LogPipeline records a pipeline lifecycle event.
func (l *Logger) LogPipeline(pipelineID, event string, duration time.Duration, err error) {
	entry := l.base.WithFields(Fields{
		"pipeline_id": pipelineID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("pipeline event")
		return
	}
	entry.Info("pipeline event")
}

// LogStage records the completion of one pipeline stage.
func (l *Logger) LogStage(pipelineID, stage, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.base.WithFields(Fields{
		"pipeline_id": pipelineID,
		"stage":       stage,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if err != nil {
		entry.WithError(err).Warn("stage failed")
		return
	}
	entry.Info("stage completed")
}

func (l *Logger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := make(Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		fields["_extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return l.base.WithFields(fields)
}
