package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls how service loggers are built.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

// Logger is a leveled, field-carrying logger shared by the service
// packages. Field methods return derived loggers so call sites can
// chain context without mutating the parent.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// New builds a logger from cfg. Unknown levels fall back to info and
// unwritable file outputs fall back to stdout so a bad logging config
// never takes the process down.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch cfg.Format {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(resolveOutput(cfg))

	return &Logger{base: base, fields: logrus.Fields{}}
}

// NewDefault builds a text logger at info level tagged with the given
// module name. Services use it when the caller passes a nil logger.
func NewDefault(module string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	return l.WithField("module", module)
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "service"
		}
		path := fmt.Sprintf("%s.log", prefix)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				return f
			}
		}
		return os.Stdout
	default:
		return os.Stdout
	}
}

// SetOutput redirects all log writes, including those of derived
// loggers sharing the same base.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// WithField returns a logger that includes key=value on every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields returns a logger that includes all given fields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: l.base, fields: merged}
}

// WithError returns a logger that includes the error on every entry.
func (l *Logger) WithError(err error) *Logger {
	return l.WithField(logrus.ErrorKey, err)
}

func (l *Logger) entry() *logrus.Entry {
	return l.base.WithFields(l.fields)
}

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }

func (l *Logger) Info(args ...interface{}) { l.entry().Info(args...) }

func (l *Logger) Infof(format string, args ...interface{}) { l.entry().Infof(format, args...) }

func (l *Logger) Warn(args ...interface{}) { l.entry().Warn(args...) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.entry().Warnf(format, args...) }

func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry().Fatalf(format, args...) }
