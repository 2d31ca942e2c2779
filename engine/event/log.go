package event

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogEmitter renders every event through zerolog.
//
// Two output modes:
//   - Console mode (default): human-readable, colorized key=value output
//   - JSON mode: one JSON object per line, machine-readable
//
// Event levels map onto zerolog levels (info, debug, trace), so standard
// zerolog level filtering applies.
//
// Example:
//
//	// Console output to stderr
//	emitter := event.NewLogEmitter(os.Stderr, false)
//
//	// JSONL output to a file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := event.NewLogEmitter(f, true)
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing to w. A nil writer defaults
// to os.Stdout. jsonMode selects JSONL output instead of console output.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	if !jsonMode {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &LogEmitter{log: zerolog.New(w).With().Timestamp().Logger()}
}

// NewLoggerEmitter wraps an existing zerolog.Logger, letting the caller
// share one logger between engine logs and event output.
func NewLoggerEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit writes one log line for the event.
func (l *LogEmitter) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelDebug:
		ev = l.log.Debug()
	case LevelTrace:
		ev = l.log.Trace()
	default:
		ev = l.log.Info()
	}
	ev = ev.Str("workflow_id", e.WorkflowID).
		Int64("sequence", e.Sequence).
		Str("event_type", string(e.Type))
	if e.Agent != "" {
		ev = ev.Str("agent", e.Agent)
	}
	if len(e.Data) > 0 {
		ev = ev.Interface("data", e.Data)
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	ev.Msg(e.Message)
}
