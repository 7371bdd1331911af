// Package log configures the process-wide zerolog logger and provides
// helpers for deriving component-scoped child loggers.
package log
