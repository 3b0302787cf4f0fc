package logx

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging for all perimeter components
type Logger struct {
	entry   *logrus.Entry
	mu      sync.RWMutex
	verbose bool
}

// NewLogger creates a logger for the given component at the given level
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry:   base.WithField("component", component),
		verbose: strings.EqualFold(level, "trace"),
	}
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry.Logger.SetLevel(parseLevel(level))
	l.verbose = strings.EqualFold(level, "trace")
}

// WithComponent returns a child logger tagged with a sub-component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:   l.entry.WithField("component", component),
		verbose: l.verbose,
	}
}

// Trace logs at trace level with alternating key/value fields
func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

// Debug logs at debug level with alternating key/value fields
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

// Info logs at info level with alternating key/value fields
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

// Warn logs at warn level with alternating key/value fields
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

// Error logs at error level with alternating key/value fields
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogVerbose logs a named event with a field map, only when verbose logging is on
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.mu.RLock()
	verbose := l.verbose
	l.mu.RUnlock()
	if !verbose {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).Info(event)
}

// LogDebugVerbose logs a named event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// toFields converts alternating key/value pairs to logrus fields. A single
// map argument is used as the field set directly.
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			return logrus.Fields(m)
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
