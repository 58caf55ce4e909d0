package p2phs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/alexander-borodulya/p2p-node-handshake/build"
	"github.com/alexander-borodulya/p2p-node-handshake/discovery"
	"github.com/alexander-borodulya/p2p-node-handshake/peer"
	"github.com/alexander-borodulya/p2p-node-handshake/signal"
)

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	p2phLog = newShutdownLogger("P2PH")
	peerLog = newShutdownLogger("PEER")
	discLog = newShutdownLogger("DISC")
	sgnlLog = newShutdownLogger("SGNL")
)

// newShutdownLogger constructs a subsystem logger which requests shutdown
// through the signal package whenever a critical error is logged.
func newShutdownLogger(subsystem string) btclog.Logger {
	return build.NewShutdownLogger(
		build.NewSubLogger(subsystem, backendLog.Logger),
		signal.RequestShutdown,
	)
}

// Initialize package-global logger variables.
func init() {
	peer.UseLogger(peerLog)
	discovery.UseLogger(discLog)
	signal.UseLogger(sgnlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = build.SubLoggers{
	"P2PH": p2phLog,
	"PEER": peerLog,
	"DISC": discLog,
	"SGNL": sgnlLog,
}

// subLoggerManager exposes the subsystem logger map so log levels can be
// changed at run time through the build package.
type subLoggerManager struct{}

// A compile time check to ensure subLoggerManager implements the
// build.LeveledSubLogger interface.
var _ build.LeveledSubLogger = subLoggerManager{}

// SubLoggers returns the map of all registered subsystem loggers.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (m subLoggerManager) SubLoggers() build.SubLoggers {
	return subsystemLoggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (m subLoggerManager) SupportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (m subLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	setLogLevel(subsystemID, logLevel)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (m subLoggerManager) SetLogLevels(logLevel string) {
	setLogLevels(logLevel)
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  Rolled files are compressed with
// the given compression algorithm.  It must be called before the package
// global log rotator variables are used.
func initLogRotator(logFile, logCompressor string, maxLogFileSize,
	maxLogFiles int) error {

	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	// Reject unknown compressors before applying the compressor and its
	// file suffix to the rotator.
	c, suffix, err := build.NewLogCompressor(logCompressor)
	if err != nil {
		return err
	}
	r.SetCompressor(c, suffix)

	// Run rotator as a goroutine now but make sure we catch any errors
	// that happen in case something with the rotation goes wrong during
	// runtime (like running out of disk space or not being allowed to
	// create a new logfile for whatever reason).
	pr, pw := io.Pipe()
	go func() {
		err := r.Run(pr)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()

	logWriter.RotatorPipe = pw
	logRotator = r

	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
