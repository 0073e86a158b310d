// Package logger wraps logrus behind the narrow leveled-sink interface the
// rest of the daemon depends on, so packages never import logrus directly.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is implemented by *Log and satisfies every internal package's
// leveled-logging dependency.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Log adapts a logrus.Logger, optionally tagging every entry with a field
// (e.g. the owning job's name).
type Log struct {
	entry *logrus.Entry
}

// Target selects where log entries are written.
type Target int

const (
	TargetStdout Target = iota
	TargetFile
)

// Format selects the line formatter logrus renders with.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config controls construction of the root Log.
type Config struct {
	Target Target
	Path   string // required when Target == TargetFile
	Level  string // parsed via logrus.ParseLevel; empty defaults to info
	Format Format
}

// New builds the root logger per cfg.
func New(cfg Config) (*Log, error) {
	l := logrus.New()
	if cfg.Format == FormatJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	l.SetLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Target == TargetFile {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		out = f
	}
	l.SetOutput(out)

	return &Log{entry: logrus.NewEntry(l)}, nil
}

// WithField returns a derived Log that tags every entry with key=value,
// without affecting the receiver.
func (l *Log) WithField(key string, value any) *Log {
	return &Log{entry: l.entry.WithField(key, value)}
}

func (l *Log) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Log) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Log) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Log) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
