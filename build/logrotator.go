package build

import (
	"compress/gzip"
	"fmt"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compression algorithm used on rotated log
	// files.
	Gzip = "gzip"

	// Zstd is a modern compression algorithm with a better compression
	// ratio than Gzip.
	Zstd = "zstd"

	// DefaultLogCompressor is the compressor used on rotated log files
	// unless configured otherwise.
	DefaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10
)

// logCompressors maps the identifier of each supported compression algorithm
// to the extension used for the compressed log files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether or not logCompressor is a supported
// compression algorithm for log files.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// NewLogCompressor returns a rotator.Compressor for the named algorithm
// along with the file suffix rotated files should receive, for use with
// rotator.Rotator.SetCompressor.
func NewLogCompressor(algo string) (rotator.Compressor, string, error) {
	if !SupportedLogCompressor(algo) {
		return nil, "", fmt.Errorf("unknown log compressor: %v", algo)
	}

	var c rotator.Compressor
	switch algo {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create zstd "+
				"compressor: %w", err)
		}
		c = zw
	}

	return c, logCompressors[algo], nil
}
