// Package obs provides logging and error-handling primitives shared across
// netverify's packages.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global console logger instance.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the console logger's level.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput redirects the console logger.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches the console logger to JSON. The main.log and
// per-worker <pid>.log files do not depend on it: they are written through
// NewFileLogger, which always uses JSON.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger with one field attached.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with several fields attached.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithWorker tags log lines with the forked worker's pid.
func WithWorker(pid int) *logrus.Entry {
	return Logger.WithField("worker", pid)
}

// WithConn tags log lines with a connection index within a worker.
func WithConn(idx int) *logrus.Entry {
	return Logger.WithField("conn", idx)
}

// WithMiddlebox tags log lines with the middlebox node under emulation.
func WithMiddlebox(name string) *logrus.Entry {
	return Logger.WithField("middlebox", name)
}

// NewFileLogger creates a second logrus.Logger sink writing JSON-formatted
// lines to w, used for main.log and <pid>.log under OUTPUT_DIR. Console
// logging (Logger above) is independent of this sink.
func NewFileLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	return l
}
