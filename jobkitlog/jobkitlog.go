// Package jobkitlog wires job.Logger to logiface, a structured logging
// library, over the logiface-slog adapter so any slog.Handler (text, JSON,
// a test buffer) can back a JobManager's log output without jobkit
// depending on slog-specific types anywhere outside this package.
package jobkitlog

import (
	"log/slog"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger adapts a *logiface.Logger to job.Logger's minimal
// Debug/Warn/Error surface, expanding the fields ...any varargs (key,
// value, key, value, ...) into chained logiface field calls.
type Logger struct {
	l *logiface.Logger[*logifaceslog.Event]
}

// New builds a Logger writing through handler.
func New(handler slog.Handler, opts ...logiface.Option[*logifaceslog.Event]) *Logger {
	options := append([]logiface.Option[*logifaceslog.Event]{logifaceslog.NewLogger(handler)}, opts...)
	return &Logger{l: logiface.New[*logifaceslog.Event](options...)}
}

func (lg *Logger) Debug(msg string, fields ...any) { lg.log(lg.l.Debug(), msg, fields) }
func (lg *Logger) Warn(msg string, fields ...any)  { lg.log(lg.l.Warning(), msg, fields) }
func (lg *Logger) Error(msg string, fields ...any) { lg.log(lg.l.Err(), msg, fields) }

func (lg *Logger) log(b *logiface.Builder[*logifaceslog.Event], msg string, fields []any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok {
			b = b.Err(err)
			continue
		}
		b = b.Any(key, fields[i+1])
	}
	b.Log(msg)
}
