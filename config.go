// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package p2phs

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/alexander-borodulya/p2p-node-handshake/build"
	"github.com/alexander-borodulya/p2p-node-handshake/peer"
	"github.com/alexander-borodulya/p2p-node-handshake/wire"
)

const (
	defaultConfigFilename = "p2phs.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "p2phs.log"

	// defaultNumPeers is the number of peers sampled from the DNS seeds
	// and probed when no explicit peer addresses are given.
	defaultNumPeers = 8

	// defaultHandshakeTimeout bounds each individual read or write of the
	// version/verack exchange.
	defaultHandshakeTimeout = peer.DefaultMessageTimeout

	// defaultConnectionTimeout bounds the TCP dial preceding a handshake.
	defaultConnectionTimeout = 5 * time.Second
)

var (
	// DefaultP2phsDir is the default directory where p2phs tries to find
	// its configuration file and store its log files. This is a directory
	// in the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\P2phs on Windows
	//   ~/.p2phs on Linux
	//   ~/Library/Application Support/P2phs on MacOS
	DefaultP2phsDir = btcutil.AppDataDir("p2phs", false)

	// DefaultConfigFile is the default full path of p2phs' configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultP2phsDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultP2phsDir, defaultLogDirname)

	// defaultUserAgent is advertised in the version message unless
	// overridden through configuration.
	defaultUserAgent = fmt.Sprintf("/p2phs:%s/", build.Version())
)

// Config defines the configuration options for p2phs.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	P2phsDir   string `long:"p2phsdir" description:"The base directory that contains p2phs' configuration file and log files"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`

	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string `long:"logcompressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	ListSeeds   bool   `short:"l" long:"listseeds" description:"List the DNS seeds of the selected network and exit"`
	ResolveSeed string `short:"r" long:"resolveseed" description:"Resolve a single DNS seed (a seed index from --listseeds or a hostname) and print the discovered peers"`
	PeerIndex   int    `long:"peerindex" description:"With --resolveseed, probe the peer at this index of the resolved list instead of printing all of them"`

	// We'll normalize these 'raw' peer addresses with the active network's
	// default port in ValidateConfig. Only the normalized addresses should
	// be used!
	RawPeers []string `short:"p" long:"peer" description:"Probe this peer address instead of sampling the DNS seeds; may be specified multiple times"`
	Peers    []string

	NumPeers int `short:"n" long:"numpeers" description:"Number of peers to sample from the DNS seeds when no explicit peers are given"`

	HandshakeTimeout  time.Duration `long:"handshaketimeout" description:"The timeout value for each read and write of the handshake. Valid time units are {ms, s, m, h}."`
	ConnectionTimeout time.Duration `long:"connectiontimeout" description:"The timeout value for network connections. Valid time units are {ms, s, m, h}."`

	DNSServer string `long:"dnsserver" description:"Resolve DNS seeds through this DNS server (ip:port) instead of the system resolver"`

	UserAgent   string `long:"useragent" description:"The user agent advertised in the version message"`
	StartHeight int32  `long:"startheight" description:"The best block height advertised in the version message"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	// ActiveNetParams contains the parameters of the network the probe is
	// operating on.
	ActiveNetParams bitcoinNetParams
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		P2phsDir:          DefaultP2phsDir,
		ConfigFile:        DefaultConfigFile,
		LogDir:            defaultLogDir,
		MaxLogFiles:       build.DefaultMaxLogFiles,
		MaxLogFileSize:    build.DefaultMaxLogFileSize,
		LogCompressor:     build.DefaultLogCompressor,
		DebugLevel:        defaultLogLevel,
		PeerIndex:         -1,
		NumPeers:          defaultNumPeers,
		HandshakeTimeout:  defaultHandshakeTimeout,
		ConnectionTimeout: defaultConnectionTimeout,
		UserAgent:         defaultUserAgent,
		ActiveNetParams:   bitcoinMainNetParams,
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//	1) Start with a default config with sane settings
//	2) Pre-parse the command line to check for an alternative config file
//	3) Load configuration file overwriting defaults with any specified options
//	4) Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their p2phsdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.P2phsDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultP2phsDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		p2phLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided p2phs directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	p2phsDir := CleanAndExpandPath(cfg.P2phsDir)
	if p2phsDir != DefaultP2phsDir {
		cfg.LogDir = filepath.Join(p2phsDir, defaultLogDirname)
	}

	funcName := "ValidateConfig"

	// Multiple networks can't be selected simultaneously.  Count number of
	// network flags passed; assign active network params while we're at
	// it.
	numNets := 0
	if cfg.TestNet3 {
		numNets++
		cfg.ActiveNetParams = bitcoinTestNetParams
	}
	if cfg.RegTest {
		numNets++
		cfg.ActiveNetParams = regTestNetParams
	}
	if cfg.SimNet {
		numNets++
		cfg.ActiveNetParams = bitcoinSimNetParams
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest, and simnet params can't be " +
			"used together -- choose one of the three"
		err := fmt.Errorf(str, funcName)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	// Plain probe counts must be positive, otherwise the main loop has
	// nothing to do.
	if len(cfg.RawPeers) == 0 && cfg.NumPeers <= 0 {
		return nil, fmt.Errorf("%s: numpeers must be positive, "+
			"instead was: %d", funcName, cfg.NumPeers)
	}

	// The user agent travels in the version message, so it is subject to
	// the same length limit the codec enforces on the wire.
	if len(cfg.UserAgent) > wire.MaxUserAgentLen {
		return nil, fmt.Errorf("%s: user agent exceeds the maximum "+
			"of %d bytes, instead was: %d", funcName,
			wire.MaxUserAgentLen, len(cfg.UserAgent))
	}

	// Timeouts of zero would make every handshake step fail instantly.
	if cfg.HandshakeTimeout <= 0 {
		return nil, fmt.Errorf("%s: handshaketimeout must be "+
			"positive, instead was: %v", funcName,
			cfg.HandshakeTimeout)
	}
	if cfg.ConnectionTimeout <= 0 {
		return nil, fmt.Errorf("%s: connectiontimeout must be "+
			"positive, instead was: %v", funcName,
			cfg.ConnectionTimeout)
	}

	// Add the default port of the active network to every peer address
	// that doesn't carry one already.
	defaultPort := cfg.ActiveNetParams.DefaultPort
	cfg.Peers = make([]string, 0, len(cfg.RawPeers))
	for _, addr := range cfg.RawPeers {
		cfg.Peers = append(cfg.Peers, normalizeAddress(
			addr, defaultPort,
		))
	}
	if cfg.DNSServer != "" {
		cfg.DNSServer = normalizeAddress(cfg.DNSServer, "53")
	}

	// Create the p2phs directory and all other sub directories if they
	// don't already exist.
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	if err := os.MkdirAll(p2phsDir, 0700); err != nil {
		str := "%s: Failed to create p2phs directory: %v"
		err := fmt.Errorf(str, funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	// Initialize logging at the default logging level.
	err := initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.LogCompressor, cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		str := "%s: log rotation setup failed: %v"
		err = fmt.Errorf(str, funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			subLoggerManager{}.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, subLoggerManager{})
	if err != nil {
		err = fmt.Errorf("%s: %v", funcName, err.Error())
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	// All good, return the sanitized result.
	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddress makes sure that an address string has both a host and a
// port. If there is no port found, the default port is appended. If the
// address is just a port, then we'll assume that the user is using the short
// cut to specify a localhost:port address.
func normalizeAddress(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// If the address itself is just an integer, then we'll assume
		// that we're mapping this directly to a localhost:port pair.
		// This ensures we maintain the legacy behavior.
		if _, err := strconv.Atoi(address); err == nil {
			return net.JoinHostPort("localhost", address)
		}

		// Otherwise, we'll assume that the address just failed to
		// attach its own port, so we'll use the default port. In the
		// case of IPv6 addresses, if the host is already surrounded by
		// brackets, then we'll avoid using the JoinHostPort function,
		// since it will always add a pair of brackets.
		if strings.HasPrefix(address, "[") {
			return address + ":" + defaultPort
		}
		return net.JoinHostPort(address, defaultPort)
	}

	// In the case that both the host and port are empty, we'll use the
	// default port.
	if host == "" && port == "" {
		return ":" + defaultPort
	}

	return address
}
