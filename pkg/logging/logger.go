package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/mj2154/tickbus/pkg/config"
)

// Logger is the handle every package logs through. Aliasing logrus
// keeps the import surface in one place.
type Logger = *logrus.Logger

// Fields carries structured log fields.
type Fields = logrus.Fields

// Level is a log severity.
type Level = logrus.Level

// Severities re-exported for callers that gate on level.
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// serviceHook stamps every entry with the owning service name.
type serviceHook struct {
	name string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.name
	return nil
}

// NewLogger creates a JSON logger at the level LOG_LEVEL selects.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger that stamps every entry with
// the service name.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(serviceHook{name: serviceName})
	return logger
}
