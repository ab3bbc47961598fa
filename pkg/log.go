package pkg

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Component identifies a subsystem for log filtering.
type Component string

// Firmware component identifiers.
const (
	ComponentFirmware   Component = "firmware"
	ComponentQueue      Component = "queue"
	ComponentControl    Component = "control"
	ComponentVendor     Component = "vendor"
	ComponentDescriptor Component = "descriptor"
	ComponentHAL        Component = "hal"
	ComponentHost       Component = "host"
	ComponentUSBIP      Component = "usbip"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // logfmt (default)
	LogFormatJSON                  // JSON
)

// Log level names accepted by SetLogLevel.
const (
	LogLevelAll   = "all"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogLevelNone  = "none"
)

// AvailableLogLevels lists the accepted level names, comma separated.
var AvailableLogLevels = strings.Join([]string{
	LogLevelAll,
	LogLevelDebug,
	LogLevelInfo,
	LogLevelWarn,
	LogLevelError,
	LogLevelNone,
}, ", ")

var (
	// baseLogger is the unfiltered destination.
	baseLogger log.Logger

	// filtered is baseLogger behind the current level filter.
	filtered log.Logger

	// logLevel is the name of the current minimum level.
	logLevel = LogLevelWarn

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	baseLogger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	filtered = level.NewFilter(baseLogger, level.AllowWarn())
}

// levelOption maps a level name onto a go-kit filter option.
func levelOption(name string) (level.Option, error) {
	switch name {
	case LogLevelAll:
		return level.AllowAll(), nil
	case LogLevelDebug:
		return level.AllowDebug(), nil
	case LogLevelInfo:
		return level.AllowInfo(), nil
	case LogLevelWarn:
		return level.AllowWarn(), nil
	case LogLevelError:
		return level.AllowError(), nil
	case LogLevelNone:
		return level.AllowNone(), nil
	default:
		return nil, errors.Wrapf(ErrInvalidParameter, "log level %v unknown; possible values are: %s", name, AvailableLogLevels)
	}
}

// SetLogLevel sets the minimum log level for all firmware logging.
func SetLogLevel(name string) error {
	opt, err := levelOption(name)
	if err != nil {
		return err
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel = name
	filtered = level.NewFilter(baseLogger, opt)
	return nil
}

// GetLogLevel returns the name of the current minimum log level.
func GetLogLevel() string {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel
}

// SetLogger replaces the destination logger. The current level filter is
// applied on top of it.
func SetLogger(logger log.Logger) {
	opt, _ := levelOption(GetLogLevel())
	logMutex.Lock()
	defer logMutex.Unlock()
	baseLogger = logger
	filtered = level.NewFilter(logger, opt)
}

// Logger returns the current filtered logger, for callers that want to
// attach their own context with log.With.
func Logger() log.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return filtered
}

// SetLogFormat configures the destination to write to os.Stderr in the
// given format.
func SetLogFormat(format LogFormat) {
	SetLogger(newFormatLogger(os.Stderr, format))
}

func newFormatLogger(w io.Writer, format LogFormat) log.Logger {
	if format == LogFormatJSON {
		return log.NewJSONLogger(log.NewSyncWriter(w))
	}
	return log.NewLogfmtLogger(log.NewSyncWriter(w))
}

// NewLogger creates a new logfmt logger writing to the given writer.
func NewLogger(w io.Writer) log.Logger {
	return newFormatLogger(w, LogFormatText)
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer) log.Logger {
	return newFormatLogger(w, LogFormatJSON)
}

func emit(lvl func(log.Logger) log.Logger, component Component, msg string, args []any) {
	kv := make([]any, 0, len(args)+4)
	kv = append(kv, "component", string(component), "msg", msg)
	kv = append(kv, args...)
	_ = lvl(Logger()).Log(kv...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	emit(level.Debug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	emit(level.Info, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	emit(level.Warn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	emit(level.Error, component, msg, args)
}
