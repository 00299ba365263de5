// Package monitoring holds the process-wide logging indirection used by the
// bridge. Runtime packages log through Logf/Debugf instead of the stdlib
// logger directly so tests can mute or capture output.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf carries high-volume per-datagram diagnostics. It is a no-op unless
// enabled with SetDebug; the UDP receive path calls it for every packet.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug routes Debugf to the main logger when enabled.
func SetDebug(enabled bool) {
	if enabled {
		Debugf = func(format string, v ...interface{}) { Logf(format, v...) }
	} else {
		Debugf = func(string, ...interface{}) {}
	}
}
