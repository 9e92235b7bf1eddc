// Package diag is the ambient structured-logging contract shared by the SMR
// schemes and the flat-combining kernel.
//
// It is a deliberately small adaptation of the Level/Event/AddField contract
// implemented by github.com/joeycumines/logiface and wired to a concrete
// backend the way logiface-zerolog wires github.com/rs/zerolog: callers that
// want diagnostics pass a *Logger built with NewZerologLogger, everyone else
// gets the zero value, which is silent and allocation-free.
package diag

import "github.com/rs/zerolog"

// Level mirrors logiface's Level enum closely enough for this package's
// needs: only the handful of levels the SMR/FC layers actually emit.
type Level int8

const (
	// LevelDisabled means no event is ever built for this logger.
	LevelDisabled Level = iota
	LevelError
	LevelWarn
	LevelDebug
	LevelTrace
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.Disabled
	}
}

// Logger is the value every SMR scheme / fc.Kernel construction option
// accepts. The zero value is a valid, silent Logger.
type Logger struct {
	zl      zerolog.Logger
	enabled bool
}

// NewZerologLogger wires zl as the backend, matching logiface-zerolog's
// default adapter.
func NewZerologLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl, enabled: true}
}

// Event is the field-collecting builder for a single log line, analogous to
// logiface.Event but trimmed to the field types this module needs.
type Event struct {
	zl      *zerolog.Event
	enabled bool
}

// Build starts a new event at the given level. If the logger is nil or the
// level is disabled by the backend, Build returns a disabled Event and every
// subsequent call is a no-op — callers never need to guard with an `if
// enabled` check of their own.
func (l *Logger) Build(level Level) *Event {
	if l == nil || !l.enabled {
		return &Event{}
	}
	zl := l.zl.WithLevel(level.zerolog())
	if zl.Enabled() {
		return &Event{zl: zl, enabled: true}
	}
	zl.Discard()
	return &Event{}
}

// AddField adds an arbitrary field, analogous to logiface.Event.AddField.
func (e *Event) AddField(key string, val any) *Event {
	if e.enabled {
		e.zl = e.zl.Interface(key, val)
	}
	return e
}

// AddUint64 adds a uint64 field.
func (e *Event) AddUint64(key string, val uint64) *Event {
	if e.enabled {
		e.zl = e.zl.Uint64(key, val)
	}
	return e
}

// AddInt adds an int field.
func (e *Event) AddInt(key string, val int) *Event {
	if e.enabled {
		e.zl = e.zl.Int(key, val)
	}
	return e
}

// Msg finalizes and emits the event, the same terminal call zerolog.Event
// requires.
func (e *Event) Msg(msg string) {
	if e.enabled {
		e.zl.Msg(msg)
	}
}
