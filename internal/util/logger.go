package util

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logMu   sync.Mutex
	logFile *os.File
	logger  = newDefaultLogger()
)

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	return l
}

// GetLogger returns the process-wide logger.
func GetLogger() *logrus.Logger {
	return logger
}

// ParseLevel parses a string log level, defaulting to info.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// InitLogger configures the default logger. When filePath is set, output
// goes to both stdout and the file.
func InitLogger(level, filePath, format string) {
	logMu.Lock()
	defer logMu.Unlock()

	logger.SetLevel(ParseLevel(level))
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	writers := []io.Writer{os.Stdout}
	if filePath != "" {
		if err := EnsureDir(filepath.Dir(filePath)); err == nil {
			f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				if logFile != nil {
					logFile.Close()
				}
				logFile = f
				writers = append(writers, f)
			}
		}
	}
	logger.SetOutput(io.MultiWriter(writers...))
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// CloseLogger closes the log file if one is open.
func CloseLogger() error {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	logger.SetOutput(os.Stdout)
	return err
}

// WithFields returns an entry carrying structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}
