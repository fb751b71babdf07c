// Package logging provides the per-subsystem structured loggers shared by
// the encode pipeline, following the same named-subsystem convention the
// rest of this codebase uses for its own loggers.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger is the structured, leveled logger handed to every component.
type Logger = logging.ZapEventLogger

// Named returns the logger for subsystem name, creating it on first use.
// Call sites use short, stable names: "negotiator", "encoderdriver.video",
// "transport", "orchestrator".
func Named(name string) *Logger {
	return logging.Logger(name)
}

// SetLevel sets the log level for every subsystem logger created through
// this package, e.g. "debug", "info", "warn", "error".
func SetLevel(level string) error {
	return logging.SetLogLevel("*", level)
}

// SetSubsystemLevel sets the log level for a single named subsystem.
func SetSubsystemLevel(name, level string) error {
	return logging.SetLogLevel(name, level)
}
