package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib *log.Logger to the Logger interface. Debug output
// is suppressed unless verbose is set.
type StdLogger struct {
	inner   *log.Logger
	verbose bool
}

// NewStdLogger wraps the provided logger; a nil logger yields a no-op wrapper.
func NewStdLogger(inner *log.Logger, verbose bool) *StdLogger {
	return &StdLogger{inner: inner, verbose: verbose}
}

// Debug logs at debug level when verbose mode is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.inner == nil || !l.verbose {
		return
	}
	l.inner.Print(format("DEBUG", msg, fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Print(format("INFO", msg, fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Print(format("ERROR", msg, fields))
}

func format(level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, field := range fields {
		if strings.TrimSpace(field.Key) == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprintf("%v", field.Value))
	}
	return b.String()
}
