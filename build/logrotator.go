package build

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compressor of rolled log files.
	Gzip = "gzip"

	// Zstd compresses better than Gzip, in less time.
	Zstd = "zstd"
)

// logCompressor creates the compressor of rolled log files, which are named
// with its suffix.
type logCompressor struct {
	suffix string
	create func() (rotator.Compressor, error)
}

var logCompressors = map[string]logCompressor{
	Gzip: {
		suffix: "gz",
		create: func() (rotator.Compressor, error) {
			return gzip.NewWriter(nil), nil
		},
	},
	Zstd: {
		suffix: "zst",
		create: func() (rotator.Compressor, error) {
			return zstd.NewWriter(nil)
		},
	},
}

// SupportedLogCompressor returns whether logCompressor names a compressor of
// rolled log files.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// OpenLogFile opens the log file at path for appending, creating its
// directory. The file is rolled once it exceeds the configured size, and
// rolled files are compressed. The caller must close the returned rotator.
func OpenLogFile(cfg *FileLoggerConfig, path string) (*rotator.Rotator,
	error) {

	compressor, ok := logCompressors[cfg.Compressor]
	if !ok {
		return nil, fmt.Errorf("unknown log compressor: %v",
			cfg.Compressor)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	zw, err := compressor.create()
	if err != nil {
		return nil, fmt.Errorf("failed to create %v compressor: %w",
			cfg.Compressor, err)
	}

	r, err := rotator.New(
		path, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	r.SetCompressor(zw, compressor.suffix)

	return r, nil
}
