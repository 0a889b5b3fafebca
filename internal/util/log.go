// Package util provides the sender's leveled logging, backed by pterm.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// SetOutput redirects all log output to w. Passing nil restores the
// default (stderr).
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// Tagged returns a logging facade that prefixes every line with tag
// (typically a sender instance ID), the way per-connection code elsewhere
// in this codebase tags log lines with a connection identifier.
func Tagged(tag string) *Logger {
	return &Logger{prefix: "[" + tag + "] "}
}

// Logger is a tag-prefixed view onto the package-level leveled logger.
type Logger struct {
	prefix string
}

func (l *Logger) Debug(format string, args ...interface{}) { LogDebug(l.prefix+format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { LogInfo(l.prefix+format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { LogWarning(l.prefix+format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { LogError(l.prefix+format, args...) }

// Package-level leveled logging functions, backed by pterm's prefixed
// printers. Output goes to stderr unless SetOutput redirects it.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
