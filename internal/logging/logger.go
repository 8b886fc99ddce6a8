// Package logging provides the structured Logger contract consumed by
// every reliability-core component (§6: Logger must be non-throwing
// and support leveled, structured output).
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging contract. Implementations MUST
// never panic or otherwise throw from a logging call — a failing
// logger must not be able to bring down the component it instruments.
type Logger interface {
	Debug(msg string, context map[string]interface{})
	Info(msg string, context map[string]interface{})
	Warning(msg string, context map[string]interface{})
	Error(msg string, context map[string]interface{})
	Critical(msg string, context map[string]interface{})

	// WithComponent returns a logger that tags every entry with the
	// given component name (e.g. "pool.db", "breaker.qdrant").
	WithComponent(component string) Logger
	// WithTraceID returns a logger that tags every entry with a trace
	// ID for correlating a single request across components.
	WithTraceID(traceID string) Logger
}

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// entry is the JSON-serializable shape of one log line.
type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// StructuredLogger writes JSON or plain-text lines to stdout, gated by
// a minimum level. It never panics: marshal failures are reported to
// stderr and swallowed.
type StructuredLogger struct {
	minLevel  Level
	traceID   string
	component string
	useJSON   bool
	out       *os.File
}

// New creates a Logger writing to stdout at the given minimum level.
// useJSON selects structured JSON lines over human-readable text.
func New(minLevel Level, useJSON bool) Logger {
	return &StructuredLogger{minLevel: minLevel, useJSON: useJSON, out: os.Stdout}
}

func (l *StructuredLogger) clone() *StructuredLogger {
	c := *l
	return &c
}

func (l *StructuredLogger) WithComponent(component string) Logger {
	c := l.clone()
	c.component = component
	return c
}

func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

func (l *StructuredLogger) Debug(msg string, ctx map[string]interface{}) {
	l.log(LevelDebug, msg, ctx)
}

func (l *StructuredLogger) Info(msg string, ctx map[string]interface{}) {
	l.log(LevelInfo, msg, ctx)
}

func (l *StructuredLogger) Warning(msg string, ctx map[string]interface{}) {
	l.log(LevelWarning, msg, ctx)
}

func (l *StructuredLogger) Error(msg string, ctx map[string]interface{}) {
	l.log(LevelError, msg, ctx)
}

func (l *StructuredLogger) Critical(msg string, ctx map[string]interface{}) {
	l.log(LevelCritical, msg, ctx)
}

func (l *StructuredLogger) log(level Level, msg string, ctx map[string]interface{}) {
	defer func() {
		// A logging call must never propagate a panic to the caller.
		_ = recover()
	}()

	if level < l.minLevel {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		TraceID:   l.traceID,
		Component: l.component,
		Context:   ctx,
	}

	if l.useJSON {
		l.writeJSON(e)
	} else {
		l.writeText(e)
	}
}

func (l *StructuredLogger) writeJSON(e entry) {
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: failed to marshal entry: %v\n", err)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

func (l *StructuredLogger) writeText(e entry) {
	var parts []string
	parts = append(parts, e.Timestamp, fmt.Sprintf("[%s]", strings.ToUpper(e.Level)))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.TraceID != "" {
		parts = append(parts, fmt.Sprintf("trace=%s", e.TraceID))
	}
	parts = append(parts, e.Message)
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Fprintln(l.out, strings.Join(parts, " "))
}

// NewTraceID generates a random trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}
