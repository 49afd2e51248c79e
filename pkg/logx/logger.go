package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fields is a map of structured log fields.
type Fields map[string]any

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Logger is the main logger instance.
type Logger struct {
	mu       sync.Mutex
	level    Level
	format   Format
	writer   io.Writer
	exitFunc func(int)
}

// NewLogger creates a logger with the given level and format.
func NewLogger(level Level, format Format) *Logger {
	return &Logger{
		level:    level,
		format:   format,
		writer:   os.Stdout,
		exitFunc: os.Exit,
	}
}

// SetLevel sets the log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// WithFields creates an entry carrying the fields.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithField creates an entry carrying a single field.
func (l *Logger) WithField(key string, value any) *Entry {
	return l.WithFields(Fields{key: value})
}

// WithError creates an entry carrying an error field.
func (l *Logger) WithError(err error) *Entry {
	return l.WithFields(Fields{"error": err})
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.level.Enabled(level) {
		return
	}

	now := time.Now()
	var line string
	switch l.format {
	case FormatJSON:
		line = formatJSON(now, level, msg, fields)
	default:
		line = formatConsole(now, level, msg, fields)
	}
	fmt.Fprintln(l.writer, line)
}

func (l *Logger) exit(code int) { l.exitFunc(code) }

func formatJSON(ts time.Time, level Level, msg string, fields Fields) string {
	record := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			record[k] = err.Error()
			continue
		}
		record[k] = v
	}
	record["time"] = ts.Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["msg"] = msg

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Sprintf(`{"level":"error","msg":"logx: marshal failed: %v"}`, err)
	}
	return string(b)
}

func formatConsole(ts time.Time, level Level, msg string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(ts.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(strings.ToUpper(level.String()))
	sb.WriteString("] ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, fields[k])
		}
	}
	return sb.String()
}
