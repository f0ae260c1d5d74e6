package logging

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConsoleLogger implements Logger on zerolog with human-readable console output.
// Children created by With share the parent's level.
type ConsoleLogger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// NewConsoleLogger writes colorized lines to w.
func NewConsoleLogger(w io.Writer, level Level) *ConsoleLogger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return newZerolog(zerolog.New(out).With().Timestamp().Logger(), level)
}

// NewZerologLogger adapts an existing zerolog logger. Its own level is overridden by level.
func NewZerologLogger(zl zerolog.Logger, level Level) *ConsoleLogger {
	return newZerolog(zl, level)
}

func newZerolog(zl zerolog.Logger, level Level) *ConsoleLogger {
	l := &ConsoleLogger{zl: zl.Level(zerolog.TraceLevel), level: new(atomic.Int32)}
	l.level.Store(int32(level))
	return l
}

func toZerolog(level Level) zerolog.Level {
	switch level {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l *ConsoleLogger) log(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	ev := l.zl.WithLevel(toZerolog(level))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			ev = ev.AnErr(f.Key, err)
			continue
		}
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}

func (l *ConsoleLogger) Trace(msg string, fields ...Field) { l.log(TraceLevel, msg, fields) }
func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *ConsoleLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *ConsoleLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With creates a child logger with the given fields pre-set
func (l *ConsoleLogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ConsoleLogger{zl: ctx.Logger(), level: l.level}
}

// SetLevel sets the minimum level for this logger and all of its children
func (l *ConsoleLogger) SetLevel(level Level) { l.level.Store(int32(level)) }

// GetLevel returns the current log level
func (l *ConsoleLogger) GetLevel() Level { return Level(l.level.Load()) }

// Enabled reports whether a message at level would be written
func (l *ConsoleLogger) Enabled(level Level) bool { return level >= l.GetLevel() }
