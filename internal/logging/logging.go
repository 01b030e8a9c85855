// Package logging supplies the Logger interface the rest of the daemon
// logs through, so the concrete implementation (logrus, by default) can
// be swapped in tests without touching call sites. Modeled directly on
// rancher-elemental-toolkit's pkg/types/v1/logger.go: a thin interface
// over *logrus.Logger plus a discarding constructor for tests.
package logging

import (
	"io"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
)

// Logger is the logging surface used throughout the daemon.
type Logger interface {
	Info(...interface{})
	Warn(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	WithField(key string, value interface{}) Logger
	SetLevel(level log.Level)
	GetLevel() log.Level
	SetOutput(writer io.Writer)
}

type logrusLogger struct {
	*log.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{Entry: l.Entry.WithField(key, value)}
}

func (l *logrusLogger) SetLevel(level log.Level) {
	l.Entry.Logger.SetLevel(level)
}

func (l *logrusLogger) GetLevel() log.Level {
	return l.Entry.Logger.GetLevel()
}

func (l *logrusLogger) SetOutput(writer io.Writer) {
	l.Entry.Logger.SetOutput(writer)
}

// New returns a Logger backed by a fresh logrus.Logger at info level.
func New() Logger {
	base := log.New()
	return &logrusLogger{Entry: log.NewEntry(base)}
}

// NewNull returns a Logger that discards everything, for use in tests
// that need a Logger but assert nothing about what it receives.
func NewNull() Logger {
	base := log.New()
	base.SetOutput(ioutil.Discard)
	return &logrusLogger{Entry: log.NewEntry(base)}
}
