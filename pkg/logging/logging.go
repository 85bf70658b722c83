// Package logging provides the levelled log streams shared by the mritoolbox
// commands. A Logger is built once per process from an explicit Config and
// handed to every component that reports progress.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Config selects the verbosity and destination of a Logger.
type Config struct {
	// Debug enables the info stream in addition to warnings and errors.
	Debug bool

	// Output receives all log lines. Defaults to os.Stderr.
	Output io.Writer

	// NoColor disables coloured level prefixes.
	NoColor bool
}

// Logger writes to an error, a warning and an optional info stream.
// A nil *Logger discards everything.
type Logger struct {
	errs *log.Logger
	warn *log.Logger
	info *log.Logger
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{
		errs: newLogger(out, levelPrefix("ERROR", color.FgRed, cfg.NoColor)),
		warn: newLogger(out, levelPrefix("WARNING", color.FgYellow, cfg.NoColor)),
	}
	if cfg.Debug {
		l.info = newLogger(out, levelPrefix("INFO", color.FgCyan, cfg.NoColor))
	}
	return l
}

// Discard returns a Logger that drops every message.
func Discard() *Logger {
	return New(Config{Output: io.Discard, NoColor: true})
}

func newLogger(w io.Writer, prefix string) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.Lmsgprefix)
}

func levelPrefix(level string, attr color.Attribute, noColor bool) string {
	c := color.New(attr, color.Bold)
	if noColor {
		c.DisableColor()
	}
	return c.Sprint(level) + ": "
}

// Errorf logs an error that does not abort the run.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l != nil && l.errs != nil {
		l.errs.Printf(format, args...)
	}
}

// Warnf logs a completed step or an actionable problem.
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l != nil && l.warn != nil {
		l.warn.Printf(format, args...)
	}
}

// Infof logs diagnostics shown only in debug mode.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l != nil && l.info != nil {
		l.info.Printf(format, args...)
	}
}

// DebugEnabled reports whether the info stream is active.
func (l *Logger) DebugEnabled() bool {
	return l != nil && l.info != nil
}
