// Package logging holds the daemon's shared logger. It follows the
// shoveler's log.go pattern: a package-level logrus.FieldLogger, given a
// sane default at init time, swappable by main (for level/format) or by
// tests (to capture or silence output).
package logging

import "github.com/sirupsen/logrus"

// Log is the daemon-wide structured logger.
var Log logrus.FieldLogger

func init() {
	Log = logrus.New()
}

// SetLogger replaces Log, e.g. after main has parsed the configured log
// level.
func SetLogger(logger logrus.FieldLogger) {
	Log = logger
}

// New builds a logrus.Logger at the given level (one of "debug", "info",
// "warn", "error"); an unrecognized level falls back to "info".
func New(level string) *logrus.Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
