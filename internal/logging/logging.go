// Package logging provides the small structured-logging convention used
// across every component: plain-text lines through the standard log
// package, prefixed with the operation and package name, gated by a
// verbosity level. The teacher this is modeled on never reaches for a
// logging framework, and neither do we — every failure still gets a
// timestamped, leveled line naming the operation and package.
package logging

import (
	"log"
	"os"
)

// Logger gates output by its Verbosity field. 0 suppresses everything but
// errors; 3 is the most verbose.
type Logger struct {
	*log.Logger
	Verbosity int
}

// New returns a Logger writing to os.Stderr with the standard date/time
// prefix, matching the teacher's unadorned log.Printf usage.
func New(verbosity int) *Logger {
	return &Logger{
		Logger:    log.New(os.Stderr, "", log.LstdFlags),
		Verbosity: verbosity,
	}
}

// Infof logs at verbosity>=1.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.Verbosity >= 1 {
		l.Printf(format, args...)
	}
}

// Debugf logs at verbosity>=2.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.Verbosity >= 2 {
		l.Printf(format, args...)
	}
}

// Tracef logs at verbosity>=3.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l.Verbosity >= 3 {
		l.Printf(format, args...)
	}
}

// Errorf always logs, regardless of verbosity, matching the spec's
// requirement that every failure write a structured log line.
func (l *Logger) Errorf(op, pkg, format string, args ...interface{}) {
	l.Printf("operation=%s package=%s "+format, append([]interface{}{op, pkg}, args...)...)
}
