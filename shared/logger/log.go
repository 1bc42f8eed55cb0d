// Package logger is the logging surface shared by the daemon and its
// subsystems. It wraps logrus with a small fixed API so call sites stay
// uniform: logger.Info("Peer admitted", logger.Ctx{"id": id}).
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx carries structured fields attached to a single log entry.
type Ctx map[string]any

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Setup directs output either to stderr (foreground) or to an append-mode
// logfile, and raises the level to debug when verbose is set. The returned
// closer is nil in foreground mode.
func Setup(foreground bool, logfile string, verbose bool) (func() error, error) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	if foreground {
		log.SetOutput(os.Stderr)
		return nil, nil
	}

	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("Failed to open logfile %q: %w", logfile, err)
	}

	log.SetOutput(f)
	return f.Close, nil
}

func entry(ctx []Ctx) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range c {
			fields[k] = v
		}
	}

	return log.WithFields(fields)
}

// Debug logs a message at debug level.
func Debug(msg string, ctx ...Ctx) {
	entry(ctx).Debug(msg)
}

// Info logs a message at info level.
func Info(msg string, ctx ...Ctx) {
	entry(ctx).Info(msg)
}

// Warn logs a message at warning level.
func Warn(msg string, ctx ...Ctx) {
	entry(ctx).Warn(msg)
}

// Error logs a message at error level.
func Error(msg string, ctx ...Ctx) {
	entry(ctx).Error(msg)
}
