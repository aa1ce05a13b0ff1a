package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogWriter copies log lines to stdout and, if set, to the log file.
type LogWriter struct {
	// File receives a copy of every log line if it is not nil.
	File io.Writer
}

// Write writes b to stdout and the log file. Write errors are dropped, since
// there is nowhere left to report them.
func (w *LogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)
	if w.File != nil {
		_, _ = w.File.Write(b)
	}

	return len(b), nil
}

// NewSubLogger creates the logger of subsystem with genSubLogger. Without a
// generator, development builds log to stdout at LogLevel so that unit tests
// show their output, and production builds disable logging.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch {
	case genSubLogger != nil:
		return genSubLogger(subsystem)

	case Deployment == Development:
		logger := btclog.NewBackend(&LogWriter{}).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}

// shutdownLogger requests a shutdown of the daemon after every critical log
// line.
type shutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger wraps logger so that critical log lines also call
// shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) btclog.Logger {
	return &shutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and requests a shutdown.
func (s *shutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.shutdown()
}

// Critical logs at LevelCritical and requests a shutdown.
func (s *shutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.shutdown()
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a slice of strings containing the names
	// of the supported subsystems. Should ideally correspond to the keys
	// of the subsystem logger map and be sorted.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// SubLoggerManager creates subsystem loggers from a single backend and keeps
// track of them so their levels can be changed at runtime.
type SubLoggerManager struct {
	backend *btclog.Backend

	mu         sync.Mutex
	subLoggers SubLoggers
}

// NewSubLoggerManager creates a manager whose loggers all write to backend.
func NewSubLoggerManager(backend *btclog.Backend) *SubLoggerManager {
	return &SubLoggerManager{
		backend:    backend,
		subLoggers: make(SubLoggers),
	}
}

// GenSubLogger creates and registers a logger for subsystem. It has the
// signature expected by NewSubLogger.
func (m *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[subsystem]; ok {
		return logger
	}

	logger := m.backend.Logger(subsystem)
	m.subLoggers[subsystem] = logger

	return logger
}

// RegisterSubLogger tracks a logger that was created elsewhere, such as one
// returned by NewShutdownLogger.
func (m *SubLoggerManager) RegisterSubLogger(subsystem string,
	logger btclog.Logger) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subLoggers[subsystem] = logger
}

// SubLoggers returns a copy of the registered subsystem loggers.
//
// NOTE: Part of the LeveledSubLogger interface.
func (m *SubLoggerManager) SubLoggers() SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(SubLoggers, len(m.subLoggers))
	for id, logger := range m.subLoggers {
		loggers[id] = logger
	}

	return loggers
}

// SupportedSubsystems returns the sorted names of all registered subsystems.
//
// NOTE: Part of the LeveledSubLogger interface.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.subLoggers))
	for id := range m.subLoggers {
		subsystems = append(subsystems, id)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the level of a single subsystem. Unknown subsystems are
// ignored and invalid levels default to info.
//
// NOTE: Part of the LeveledSubLogger interface.
func (m *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.subLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every registered subsystem to the same level.
//
// NOTE: Part of the LeveledSubLogger interface.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logger := range m.subLoggers {
		logger.SetLevel(level)
	}
}

// A compile-time check to ensure SubLoggerManager implements
// LeveledSubLogger.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. An appropriate error is returned
// if anything is invalid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	// Split at the delimiter.
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat is as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(globalLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, globalLevel)
		}

		// Change the logging level for all subsystems.
		logger.SetLogLevels(globalLevel)

		// The rest will target specific subsystems.
		levels = levels[1:]
	}

	// Go through the subsystem/level pairs while detecting issues and
	// update the log levels accordingly.
	for _, logLevelPair := range levels {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an " +
				"invalid subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			str := "the specified debug level has an invalid " +
				"format [%v] -- use format subsystem1=level1," +
				"subsystem2=level2"
			return fmt.Errorf(str, logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]
		subLoggers := logger.SubLoggers()

		// Validate subsystem.
		if _, exists := subLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems are %v"
			return fmt.Errorf(
				str, subsysID, logger.SupportedSubsystems(),
			)
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
