package logger

import "errors"

// MultiLogger broadcasts log messages to multiple Logger backends.
// The daemon uses it to write to stderr and the optional log file at once.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that writes to all provided backends in order.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Info(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *MultiLogger) Warning(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Warning(format, args...)
	}
}

func (m *MultiLogger) Error(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}

// Close closes every backend and joins their errors.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Logger = (*MultiLogger)(nil)

// namedLogger prefixes every message with a component name.
type namedLogger struct {
	name string
	l    Logger
}

// Named returns a Logger that prefixes messages with "name: ".
// Closing it does not close l.
func Named(l Logger, name string) Logger {
	if l == nil {
		l = NewNopLogger()
	}
	return &namedLogger{name: name, l: l}
}

func (n *namedLogger) Info(format string, args ...interface{}) {
	n.l.Info(n.name+": "+format, args...)
}

func (n *namedLogger) Warning(format string, args ...interface{}) {
	n.l.Warning(n.name+": "+format, args...)
}

func (n *namedLogger) Error(format string, args ...interface{}) {
	n.l.Error(n.name+": "+format, args...)
}

func (n *namedLogger) Close() error { return nil }
