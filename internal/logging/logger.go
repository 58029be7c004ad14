// Package logging provides the leveled, prefix-forking Logger facade used
// throughout sowback, backed by logrus so that --log-format json produces
// real structured output.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Level is ordered from least to most verbose so that "enabled if
// logLevel <= configured" reads naturally.
type Level int

const (
	LevelUnknown Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"unknown", "error", "warning", "info", "debug", "trace"}

func (l Level) String() string {
	if l < LevelUnknown || l > LevelTrace {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel converts a string (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), nil
		}
	}
	return LevelUnknown, fmt.Errorf("unknown log level: %q", s)
}

var toLogrus = map[Level]logrus.Level{
	LevelError:   logrus.ErrorLevel,
	LevelWarning: logrus.WarnLevel,
	LevelInfo:    logrus.InfoLevel,
	LevelDebug:   logrus.DebugLevel,
	LevelTrace:   logrus.TraceLevel,
}

// Format selects the logrus formatter.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat converts "text"/"json" into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Logger is the leveled, prefix-forking logging interface used by every
// sowback component: ILogf/DLogf/WLogf/ELogf for leveled lines, Errorf
// returning a prefixed error, and Fork to create a child logger with an
// extended prefix.
type Logger interface {
	GetLogLevel() Level
	SetLogLevel(level Level)

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	// Error returns an error object carrying the logger's prefix, without
	// emitting a log line.
	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error

	// ELogError logs at ERROR level and returns a prefixed error for the
	// same text, so callers can `return l.ELogError(...)` in one line.
	ELogError(args ...interface{}) error
	ELogErrorf(f string, args ...interface{}) error

	Sprint(args ...interface{}) string
	Sprintf(f string, args ...interface{}) string
	Prefix() string

	// Fork creates a child Logger with an additional prefix segment.
	Fork(prefix string, args ...interface{}) Logger
}

// entryLogger implements Logger over a shared *logrus.Logger, carrying its
// own prefix and level filter so Fork() is cheap (no new output backend).
type entryLogger struct {
	backend  *logrus.Logger
	prefix   string
	prefixC  string
	logLevel Level
}

// New creates a root Logger writing to w in the given format, filtered to
// logLevel.
func New(w io.Writer, format Format, logLevel Level) Logger {
	backend := logrus.New()
	backend.SetOutput(w)
	backend.SetLevel(logrus.TraceLevel) // filtering is done by entryLogger itself
	switch format {
	case FormatJSON:
		backend.SetFormatter(&logrus.JSONFormatter{})
	default:
		backend.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			DisableColors:    !isColorable(w),
			QuoteEmptyFields: true,
		})
	}
	return &entryLogger{backend: backend, logLevel: logLevel}
}

// NewStderr creates a root Logger with the given prefix writing to stderr.
func NewStderr(prefix string, format Format, logLevel Level) Logger {
	l := New(os.Stderr, format, logLevel)
	if prefix == "" {
		return l
	}
	return l.Fork(prefix)
}

func isColorable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return color.NoColor == false && isTerminalFile(f)
}

func isTerminalFile(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func (l *entryLogger) GetLogLevel() Level        { return l.logLevel }
func (l *entryLogger) SetLogLevel(level Level)   { l.logLevel = level }
func (l *entryLogger) Prefix() string            { return l.prefix }

func (l *entryLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

func (l *entryLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *entryLogger) entry() *logrus.Entry {
	if l.prefix == "" {
		return logrus.NewEntry(l.backend)
	}
	return l.backend.WithField("component", l.prefix)
}

func (l *entryLogger) logAt(level Level, msg string) {
	if level > l.logLevel {
		return
	}
	lvl, ok := toLogrus[level]
	if !ok {
		lvl = logrus.InfoLevel
	}
	l.entry().Log(lvl, msg)
}

func (l *entryLogger) ELog(args ...interface{})                  { l.logAt(LevelError, fmt.Sprint(args...)) }
func (l *entryLogger) ELogf(f string, args ...interface{})       { l.logAt(LevelError, fmt.Sprintf(f, args...)) }
func (l *entryLogger) WLog(args ...interface{})                  { l.logAt(LevelWarning, fmt.Sprint(args...)) }
func (l *entryLogger) WLogf(f string, args ...interface{})       { l.logAt(LevelWarning, fmt.Sprintf(f, args...)) }
func (l *entryLogger) ILog(args ...interface{})                  { l.logAt(LevelInfo, fmt.Sprint(args...)) }
func (l *entryLogger) ILogf(f string, args ...interface{})       { l.logAt(LevelInfo, fmt.Sprintf(f, args...)) }
func (l *entryLogger) DLog(args ...interface{})                  { l.logAt(LevelDebug, fmt.Sprint(args...)) }
func (l *entryLogger) DLogf(f string, args ...interface{})       { l.logAt(LevelDebug, fmt.Sprintf(f, args...)) }
func (l *entryLogger) TLog(args ...interface{})                  { l.logAt(LevelTrace, fmt.Sprint(args...)) }
func (l *entryLogger) TLogf(f string, args ...interface{})       { l.logAt(LevelTrace, fmt.Sprintf(f, args...)) }

func (l *entryLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

func (l *entryLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

func (l *entryLogger) ELogError(args ...interface{}) error {
	msg := fmt.Sprint(args...)
	l.logAt(LevelError, msg)
	return errors.New(l.prefixC + msg)
}

func (l *entryLogger) ELogErrorf(f string, args ...interface{}) error {
	msg := fmt.Sprintf(f, args...)
	l.logAt(LevelError, msg)
	return errors.New(l.prefixC + msg)
}

func (l *entryLogger) Fork(prefix string, args ...interface{}) Logger {
	formatted := fmt.Sprintf(prefix, args...)
	newPrefix := formatted
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + formatted
	}
	prefixC := newPrefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &entryLogger{
		backend:  l.backend,
		prefix:   newPrefix,
		prefixC:  prefixC,
		logLevel: l.logLevel,
	}
}
