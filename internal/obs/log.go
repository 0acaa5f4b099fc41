// Package obs carries the node's ambient logging seam. The teacher repo logs
// through the standard log package at call sites that need operational
// visibility (adapter.WSClient, adapter.Broadcaster); this module keeps that
// register instead of introducing a structured-logging framework, and wraps
// it behind a small interface so components don't depend on the concrete
// logger and tests can inject a collecting stub.
package obs

import (
	"log"
	"os"
)

// Logger is the minimal logging seam every component depends on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger wraps a *log.Logger. Debug lines are suppressed unless Verbose
// is set, matching the teacher's habit of only logging actionable lines.
type StdLogger struct {
	l       *log.Logger
	Verbose bool
}

// NewStdLogger creates a StdLogger writing to stderr with a component prefix.
func NewStdLogger(component string) *StdLogger {
	return &StdLogger{l: log.New(os.Stderr, component+": ", log.LstdFlags)}
}

func (s *StdLogger) Debugf(format string, args ...any) {
	if s.Verbose {
		s.l.Printf(format, args...)
	}
}

func (s *StdLogger) Infof(format string, args ...any)  { s.l.Printf(format, args...) }
func (s *StdLogger) Warnf(format string, args ...any)  { s.l.Printf("WARN "+format, args...) }
func (s *StdLogger) Errorf(format string, args ...any) { s.l.Printf("ERROR "+format, args...) }

// Discard is a Logger that drops everything, used in tests.
type Discard struct{}

func (Discard) Debugf(string, ...any) {}
func (Discard) Infof(string, ...any)  {}
func (Discard) Warnf(string, ...any)  {}
func (Discard) Errorf(string, ...any) {}
