package pkg

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Component identifies a subsystem for log filtering.
type Component string

// Engine component identifiers.
const (
	ComponentPort       Component = "port"
	ComponentDispatcher Component = "dispatcher"
	ComponentControl    Component = "control"
	ComponentEndpoint   Component = "endpoint"
	ComponentSim        Component = "sim"
	ComponentApp        Component = "app"
)

var (
	// DefaultLogger is the logger used by the engine when none is
	// injected. Warn level by default so interrupt-rate paths stay
	// quiet unless explicitly enabled.
	DefaultLogger *logrus.Logger

	// logMutex protects logger replacement.
	logMutex sync.RWMutex
)

func init() {
	DefaultLogger = logrus.New()
	DefaultLogger.SetLevel(logrus.WarnLevel)
}

// SetLogLevel sets the minimum log level for all engine logging.
func SetLogLevel(level logrus.Level) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.SetLevel(level)
}

// SetLogger replaces the default logger.
func SetLogger(logger *logrus.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogOutput redirects engine logging to the given writer.
func SetLogOutput(w io.Writer) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.SetOutput(w)
}

func entry(component Component) *logrus.Entry {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	return logger.WithField("component", string(component))
}

// LogTrace logs a trace message with the given component.
func LogTrace(component Component, msg string, args ...any) {
	entry(component).WithFields(fields(args)).Trace(msg)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	entry(component).WithFields(fields(args)).Debug(msg)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	entry(component).WithFields(fields(args)).Info(msg)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	entry(component).WithFields(fields(args)).Warn(msg)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	entry(component).WithFields(fields(args)).Error(msg)
}

// fields converts alternating key/value arguments to logrus fields.
// A trailing key with no value is stored as nil.
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(args) {
			f[key] = args[i+1]
		} else {
			f[key] = nil
		}
	}
	return f
}
