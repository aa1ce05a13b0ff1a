package build

import (
	"fmt"

	"github.com/btcsuite/btclog"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	defaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10
)

// LogConfig holds logging configuration options.
//
//nolint:lll
type LogConfig struct {
	CallSite string            `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`
	File     *FileLoggerConfig `group:"file" namespace:"file" description:"The logger writing to the daemon's log file."`
}

// FileLoggerConfig holds the options of the rotating log file.
//
//nolint:lll
type FileLoggerConfig struct {
	Disable        bool   `long:"disable" description:"Do not write a log file."`
	Compressor     string `long:"compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"max-file-size" description:"Maximum logfile size in MB"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		CallSite: callSiteOff,
		File: &FileLoggerConfig{
			Compressor:     defaultLogCompressor,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	switch c.CallSite {
	case callSiteOff, callSiteShort, callSiteLong:
	default:
		return fmt.Errorf("invalid call-site option: %v", c.CallSite)
	}

	if c.File == nil {
		return fmt.Errorf("missing log file config")
	}

	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}

	if c.File.MaxLogFiles < 0 || c.File.MaxLogFileSize <= 0 {
		return fmt.Errorf("invalid log file limits: max-files=%d "+
			"max-file-size=%d", c.File.MaxLogFiles,
			c.File.MaxLogFileSize)
	}

	return nil
}

// BackendOptions returns the btclog backend options the config translates
// to.
func (c *LogConfig) BackendOptions() []btclog.BackendOption {
	switch c.CallSite {
	case callSiteShort:
		return []btclog.BackendOption{
			btclog.WithFlags(btclog.Lshortfile),
		}

	case callSiteLong:
		return []btclog.BackendOption{
			btclog.WithFlags(btclog.Llongfile),
		}
	}

	return nil
}
