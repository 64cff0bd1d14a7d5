package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// StdLogger renders structured fields through the standard library logger.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger constructs a StdLogger writing to stderr with the given prefix.
func NewStdLogger(prefix string, debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds),
		debug:  debug,
	}
}

// Debug logs a debug-level message when debug logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs an informational message.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Warn logs a warning message.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.write("WARN", msg, fields)
}

// Error logs an error message.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.logger.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
