// Package log provides the shared logger used across the TensorGrid
// backend. It wraps logrus with a context-scoped entry so request- and
// session-bound fields travel with the context.
package log

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// F wraps a map of log fields.
type F map[string]interface{}

// Log levels, re-exported so callers don't need to import logrus directly.
const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel
	TraceLevel = logrus.TraceLevel
)

// Entry is the logging object used throughout the codebase. It embeds a
// logrus entry, so every leveled printf-style method is available on it.
type Entry struct {
	logrus.Entry

	isTesting bool
}

// DefaultLogger is the logger used by the package-level functions and by
// Ctx when the context carries no logger.
var DefaultLogger = New()

// New creates a new logger writing to stderr at info level.
func New() *Entry {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &Entry{Entry: *logrus.NewEntry(l)}
}

// SetLevel sets the minimum level that will be emitted by this logger.
func (e *Entry) SetLevel(level logrus.Level) {
	e.Logger.SetLevel(level)
}

// Level returns the minimum level that will be emitted by this logger.
func (e *Entry) Level() logrus.Level {
	return e.Logger.GetLevel()
}

// SetOutput redirects the logger output.
func (e *Entry) SetOutput(w io.Writer) {
	e.Logger.SetOutput(w)
}

// AddHook attaches a logrus hook to the underlying logger.
func (e *Entry) AddHook(hook logrus.Hook) {
	e.Logger.AddHook(hook)
}

// WithField creates a child entry annotated with the provided field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{Entry: *e.Entry.WithField(key, value), isTesting: e.isTesting}
}

// WithFields creates a child entry annotated with the provided fields.
func (e *Entry) WithFields(fields F) *Entry {
	return &Entry{Entry: *e.Entry.WithFields(logrus.Fields(fields)), isTesting: e.isTesting}
}

// WithError creates a child entry annotated with the provided error.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: *e.Entry.WithError(err), isTesting: e.isTesting}
}

type contextKey int

const loggerContextKey contextKey = iota

// Set installs the provided logger on the context.
func Set(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, loggerContextKey, e)
}

// Ctx returns the logger bound to the context, falling back to
// DefaultLogger when none was set.
func Ctx(ctx context.Context) *Entry {
	if e, ok := ctx.Value(loggerContextKey).(*Entry); ok {
		return e
	}
	return DefaultLogger
}

// Package-level forwarders to DefaultLogger.

func SetLevel(level logrus.Level) { DefaultLogger.SetLevel(level) }

func WithField(key string, value interface{}) *Entry { return DefaultLogger.WithField(key, value) }

func WithFields(fields F) *Entry { return DefaultLogger.WithFields(fields) }

func WithError(err error) *Entry { return DefaultLogger.WithError(err) }

func Debug(args ...interface{}) { DefaultLogger.Debug(args...) }

func Debugf(format string, args ...interface{}) { DefaultLogger.Debugf(format, args...) }

func Info(args ...interface{}) { DefaultLogger.Info(args...) }

func Infof(format string, args ...interface{}) { DefaultLogger.Infof(format, args...) }

func Warn(args ...interface{}) { DefaultLogger.Warn(args...) }

func Warnf(format string, args ...interface{}) { DefaultLogger.Warnf(format, args...) }

func Error(args ...interface{}) { DefaultLogger.Error(args...) }

func Errorf(format string, args ...interface{}) { DefaultLogger.Errorf(format, args...) }

func Fatal(args ...interface{}) { DefaultLogger.Fatal(args...) }

func Fatalf(format string, args ...interface{}) { DefaultLogger.Fatalf(format, args...) }
