package obs

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Logger is the structured logger consumed by every component in the engine.
// Implementations must be safe for concurrent use. WithField returns a new
// Logger; the receiver is never mutated.
type Logger interface {
	WithField(key string, value any) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// JSONLogger writes one JSON object per line to stdout.
type JSONLogger struct {
	l      *log.Logger
	fields map[string]any
	debug  bool
}

// NewJSONLogger creates a JSONLogger. Debug messages are suppressed unless
// debug is true.
func NewJSONLogger(debug bool) *JSONLogger {
	return &JSONLogger{
		l:     log.New(os.Stdout, "", 0),
		debug: debug,
	}
}

// WithField returns a copy of the logger with the field attached to every
// subsequent line.
func (lg *JSONLogger) WithField(key string, value any) Logger {
	fields := make(map[string]any, len(lg.fields)+1)
	for k, v := range lg.fields {
		fields[k] = v
	}
	fields[key] = value

	return &JSONLogger{l: lg.l, fields: fields, debug: lg.debug}
}

func (lg *JSONLogger) Debug(msg string) {
	if lg.debug {
		lg.emit("debug", msg)
	}
}

func (lg *JSONLogger) Info(msg string)  { lg.emit("info", msg) }
func (lg *JSONLogger) Warn(msg string)  { lg.emit("warn", msg) }
func (lg *JSONLogger) Error(msg string) { lg.emit("error", msg) }

func (lg *JSONLogger) emit(level, msg string) {
	fields := make(map[string]any, len(lg.fields)+3)
	for k, v := range lg.fields {
		fields[k] = v
	}
	fields["level"] = level
	fields["msg"] = msg
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(fields)
	lg.l.Println(string(b))
}

// NopLogger discards everything. Useful as a default in tests.
type NopLogger struct{}

func (NopLogger) WithField(string, any) Logger { return NopLogger{} }
func (NopLogger) Debug(string)                 {}
func (NopLogger) Info(string)                  {}
func (NopLogger) Warn(string)                  {}
func (NopLogger) Error(string)                 {}
