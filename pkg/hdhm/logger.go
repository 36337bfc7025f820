package hdhm

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/sirupsen/logrus"
)

// DefaultLogger writes one JSON object per message.
type DefaultLogger struct {
	mu     *sync.Mutex
	level  common.LogLevel
	logger *log.Logger
	fields map[string]interface{}
}

// NewDefaultLogger creates an info level logger writing to stderr.
func NewDefaultLogger() common.Logger {
	return NewDefaultLoggerWithLevel(common.LogLevelInfo)
}

// NewDefaultLoggerWithLevel creates a logger with a specific log level.
func NewDefaultLoggerWithLevel(level common.LogLevel) common.Logger {
	return newDefaultLogger(os.Stderr, level)
}

func newDefaultLogger(w io.Writer, level common.LogLevel) *DefaultLogger {
	return &DefaultLogger{
		mu:     &sync.Mutex{},
		level:  level,
		logger: log.New(w, "", 0),
		fields: make(map[string]interface{}),
	}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelDebug {
		l.log("DEBUG", msg, fields...)
	}
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelInfo {
		l.log("INFO", msg, fields...)
	}
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelWarn {
		l.log("WARN", msg, fields...)
	}
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	if l.level <= common.LogLevelError {
		l.log("ERROR", msg, fields...)
	}
}

func (l *DefaultLogger) log(level, msg string, fields ...interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   msg,
	}
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			entry[key] = fieldValue(fields[i+1])
		}
	}
	for k, v := range l.fields {
		if _, exists := entry[k]; !exists {
			entry[k] = v
		}
	}

	data, err := json.Marshal(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.logger.Printf(`{"level":"ERROR","message":"failed to marshal log entry","error":%q}`, err.Error())
		return
	}
	l.logger.Println(string(data))
}

// fieldValue keeps errors readable in JSON output.
func fieldValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// WithFields returns a logger with additional persistent fields.
func (l *DefaultLogger) WithFields(fields map[string]interface{}) common.Logger {
	n := &DefaultLogger{
		mu:     l.mu,
		level:  l.level,
		logger: l.logger,
		fields: make(map[string]interface{}, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		n.fields[k] = v
	}
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// LogrusLogger adapts a logrus logger or entry to common.Logger.
type LogrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger wraps l. A nil l uses the logrus standard logger.
func NewLogrusLogger(l logrus.FieldLogger) common.Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: l}
}

func (l *LogrusLogger) with(fields []interface{}) logrus.FieldLogger {
	if len(fields) < 2 {
		return l.entry
	}
	f := make(logrus.Fields, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint(fields[i])
		}
		f[key] = fields[i+1]
	}
	return l.entry.WithFields(f)
}

func (l *LogrusLogger) Debug(msg string, fields ...interface{}) { l.with(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...interface{})  { l.with(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...interface{})  { l.with(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...interface{}) { l.with(fields).Error(msg) }

// LoggerWithContext wraps a logger with contextual information.
type LoggerWithContext struct {
	logger common.Logger
	fields map[string]interface{}
}

// WithContext adds contextual fields to a logger. A nil logger discards.
func WithContext(logger common.Logger, fields map[string]interface{}) common.Logger {
	logger = common.LoggerOrNull(logger)
	if _, ok := logger.(*common.NullLogger); ok {
		return logger
	}

	if lwc, ok := logger.(*LoggerWithContext); ok {
		merged := make(map[string]interface{}, len(lwc.fields)+len(fields))
		for k, v := range lwc.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &LoggerWithContext{logger: lwc.logger, fields: merged}
	}
	return &LoggerWithContext{logger: logger, fields: fields}
}

func (l *LoggerWithContext) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) mergeFields(fields ...interface{}) []interface{} {
	result := make([]interface{}, 0, len(fields)+len(l.fields)*2)
	for k, v := range l.fields {
		result = append(result, k, v)
	}
	return append(result, fields...)
}

// LogError logs err with context.
func LogError(logger common.Logger, msg string, err error, fields ...interface{}) {
	allFields := append([]interface{}{"error", err.Error()}, fields...)
	logger.Error(msg, allFields...)
}

// LogLatency logs how long an operation took, as a warning past one second.
func LogLatency(logger common.Logger, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)
	allFields := append([]interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	if duration > time.Second {
		logger.Warn(fmt.Sprintf("slow operation: %s", operation), allFields...)
	} else {
		logger.Debug(fmt.Sprintf("operation completed: %s", operation), allFields...)
	}
}
