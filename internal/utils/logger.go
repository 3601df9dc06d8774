package utils

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Logger provides enhanced logging capabilities
type Logger struct {
	entry   *log.Entry
	out     io.Writer
	verbose bool
}

// NewLogger creates a new logger
func NewLogger(verbose bool) *Logger {
	base := log.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	base.SetLevel(log.InfoLevel)

	return &Logger{
		entry:   log.NewEntry(base),
		out:     os.Stdout,
		verbose: verbose,
	}
}

// NewTestLogger creates a logger writing everything to w, used by tests to
// keep output off the terminal.
func NewTestLogger(w io.Writer) *Logger {
	base := log.New()
	base.SetOutput(w)
	base.SetLevel(log.DebugLevel)

	return &Logger{
		entry:   log.NewEntry(base),
		out:     w,
		verbose: true,
	}
}

// SetDebug raises the level so Debug messages are emitted
func (l *Logger) SetDebug(debug bool) {
	if debug {
		l.entry.Logger.SetLevel(log.DebugLevel)
		l.verbose = true
		return
	}
	l.entry.Logger.SetLevel(log.InfoLevel)
}

// WithField returns a logger that attaches key=value to every message
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		entry:   l.entry.WithField(key, value),
		out:     l.out,
		verbose: l.verbose,
	}
}

// Debug logs diagnostic messages
func (l *Logger) Debug(format string, v ...any) {
	l.entry.Debugf(format, v...)
}

// Info logs informational messages
func (l *Logger) Info(format string, v ...any) {
	if l.verbose {
		l.entry.Infof(format, v...)
	}
}

// Warn logs warning messages
func (l *Logger) Warn(format string, v ...any) {
	l.entry.Warnf(format, v...)
}

// Error logs error messages
func (l *Logger) Error(format string, v ...any) {
	l.entry.Errorf(format, v...)
}

// Success logs success messages
func (l *Logger) Success(format string, v ...any) {
	l.entry.WithField("result", "success").Infof(format, v...)
}

// Print outputs a message to stdout without any prefix
func (l *Logger) Print(format string, v ...any) {
	fmt.Fprintf(l.out, format+"\n", v...)
}

// DebugEnabled reports whether Debug messages are emitted.
func (l *Logger) DebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(log.DebugLevel)
}

// Writer returns a line writer that logs each line at debug level.
// The caller must close it.
func (l *Logger) Writer() *io.PipeWriter {
	return l.entry.WriterLevel(log.DebugLevel)
}
