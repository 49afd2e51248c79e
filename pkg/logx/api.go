package logx

import (
	"fmt"
	"os"
)

// defaultLogger is the global logger instance, initialized from environment.
var defaultLogger *Logger

func init() {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))
	format := FormatConsole
	if os.Getenv("LOG_FORMAT") == "json" {
		format = FormatJSON
	}
	defaultLogger = NewLogger(level, format)
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *Logger) { defaultLogger = logger }

// GetDefaultLogger returns the default logger.
func GetDefaultLogger() *Logger { return defaultLogger }

// SetLevel sets the log level for the default logger.
func SetLevel(level Level) { defaultLogger.SetLevel(level) }

// ============================================================================
// Simple logging functions
// ============================================================================

func Trace(msg string) { defaultLogger.log(LevelTrace, msg, nil) }
func Debug(msg string) { defaultLogger.log(LevelDebug, msg, nil) }
func Info(msg string)  { defaultLogger.log(LevelInfo, msg, nil) }
func Warn(msg string)  { defaultLogger.log(LevelWarn, msg, nil) }
func Error(msg string) { defaultLogger.log(LevelError, msg, nil) }

func Fatal(msg string) {
	defaultLogger.log(LevelFatal, msg, nil)
	defaultLogger.exit(1)
}

// ============================================================================
// Formatted logging functions
// ============================================================================

func Tracef(format string, args ...any) { Trace(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Error(fmt.Sprintf(format, args...)) }

func Fatalf(format string, args ...any) {
	defaultLogger.log(LevelFatal, fmt.Sprintf(format, args...), nil)
	defaultLogger.exit(1)
}

// ============================================================================
// Structured logging
// ============================================================================

// WithFields creates a new logger entry with fields.
func WithFields(fields Fields) *Entry { return defaultLogger.WithFields(fields) }

// WithField creates a new logger entry with a single field.
func WithField(key string, value any) *Entry { return defaultLogger.WithField(key, value) }

// WithError creates a new logger entry with an error field.
func WithError(err error) *Entry { return defaultLogger.WithError(err) }
