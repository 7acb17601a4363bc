// Package logging is a small facade over a structured logging sink,
// mirroring the call shape of the teacher's own log.Helper
// (Debugf/Infof/Warnf/Errorf over a swappable Logger) while the sink
// itself is zerolog, the ambient logging library the retrieved
// service-shaped repo in this corpus reaches for.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the swappable sink. NewZerologLogger and NewNopLogger are
// the two constructors callers need; the interface exists so tests
// and embedders can supply their own.
type Logger interface {
	Log(level Level, msg string)
}

// Level mirrors the four severities the loader/serializer emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger builds a Logger writing to w (os.Stderr when nil) as
// zerolog JSON lines carrying a timestamp field.
func NewZerologLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

func (z *zerologLogger) Log(level Level, msg string) {
	var e *zerolog.Event
	switch level {
	case LevelDebug:
		e = z.l.Debug()
	case LevelInfo:
		e = z.l.Info()
	case LevelWarn:
		e = z.l.Warn()
	default:
		e = z.l.Error()
	}
	e.Msg(msg)
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything, used as the
// zero-value default when a caller supplies no Options.Logger.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(Level, string) {}

// Helper wraps a Logger with printf-style methods, matching the call
// sites the teacher writes against its own log.Helper.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper. A nil logger is replaced with a
// no-op sink.
func NewHelper(logger Logger) *Helper {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Helper{logger: logger}
}

func (h *Helper) Debugf(format string, args ...interface{}) {
	h.logger.Log(LevelDebug, sprintf(format, args...))
}

func (h *Helper) Infof(format string, args ...interface{}) {
	h.logger.Log(LevelInfo, sprintf(format, args...))
}

func (h *Helper) Warnf(format string, args ...interface{}) {
	h.logger.Log(LevelWarn, sprintf(format, args...))
}

func (h *Helper) Errorf(format string, args ...interface{}) {
	h.logger.Log(LevelError, sprintf(format, args...))
}
