// Package log implements simple pluggable logging for the portalcrypt module.
// By default logging is disabled and the underlying logger is a no-op
// implementation. Use the SetLogger helper function to enable logging.
//
// The Warnf level exists because the middleware's fail-open path downgrades
// encryption failures to warnings rather than propagating them.
package log

var logger Interface = noopLogger{}

type Interface interface {
	// Debugf v using a format string.
	Debugf(format string, v ...interface{})

	// Warnf v using a format string.
	Warnf(format string, v ...interface{})
}

// SetLogger sets the logger used by the portalcrypt packages and enables logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the log using the configured logger.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// Warnf writes to the log using the configured logger.
func Warnf(format string, v ...interface{}) {
	if logger != nil {
		logger.Warnf(format, v...)
	}
}

// DebugEnabled returns true if a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {
	// do nothing
}

func (noopLogger) Warnf(format string, v ...interface{}) {
	// do nothing
}
