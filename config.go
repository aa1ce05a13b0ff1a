package peerbook

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/build"
	"github.com/lightningnetwork/peerbook/peerset"
)

const (
	// DefaultConfigFilename is the default name of the config file.
	DefaultConfigFilename = "peerbook.conf"

	defaultLogFilename = "peerbook.log"
	defaultLogDirname  = "logs"
	defaultLogLevel    = "info"

	defaultNetwork = "mainnet"

	defaultMaxOutbound      = 8
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultPingInterval     = time.Minute
	defaultRetryDuration    = 5 * time.Second
)

var (
	// DefaultHomeDir is the default directory holding the config file and
	// logs.
	DefaultHomeDir = btcutil.AppDataDir("peerbook", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultHomeDir, DefaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultHomeDir, defaultLogDirname)

	// networks maps each supported network name onto its parameters.
	networks = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"signet":   &chaincfg.SigNetParams,
		"simnet":   &chaincfg.SimNetParams,
	}
)

// Config defines the configuration options for peerbookd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	HomeDir    string `long:"homedir" description:"The base directory that contains the config file and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The network to connect to" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"signet" choice:"simnet"`

	AddPeers     []string `long:"addpeer" description:"Add a peer address to try connecting to"`
	ConnectPeers []string `long:"connect" description:"Keep a permanent connection to this peer"`

	MaxOutbound      int           `long:"maxoutbound" description:"Number of outbound peers to keep connected"`
	DialTimeout      time.Duration `long:"dialtimeout" description:"Timeout for dialing a peer"`
	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Timeout for the version handshake with a peer"`
	PingInterval     time.Duration `long:"pinginterval" description:"How often to ping connected peers"`
	RetryDuration    time.Duration `long:"retryduration" description:"How long to wait before retrying when no peer addresses are available"`

	PrometheusListen string `long:"prometheus.listen" description:"The host:port to serve Prometheus metrics on, disabled if empty"`

	AddrBook *addrbook.Config `group:"addrbook" namespace:"addrbook"`
	PeerSet  *peerset.Config  `group:"peerset" namespace:"peerset"`
	Log      *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params `no-flag:"true"`

	// addPeers and connectPeers are the resolved AddPeers and
	// ConnectPeers.
	addPeers     []netip.AddrPort
	connectPeers []netip.AddrPort

	// configFileErr is the error reading the config file, if any. It is
	// logged as a warning once logging is set up.
	configFileErr error
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		HomeDir:          DefaultHomeDir,
		ConfigFile:       DefaultConfigFile,
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
		Network:          defaultNetwork,
		MaxOutbound:      defaultMaxOutbound,
		DialTimeout:      defaultDialTimeout,
		HandshakeTimeout: defaultHandshakeTimeout,
		PingInterval:     defaultPingInterval,
		RetryDuration:    defaultRetryDuration,
		AddrBook:         addrbook.DefaultConfig(),
		PeerSet:          peerset.DefaultConfig(),
		Log:              build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// command line options in args.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Return early so the caller can print the version.
	if preCfg.ShowVersion {
		return &preCfg, nil
	}

	// If the config file path has not been modified by the user, but the
	// home directory has, we assume they intend to use the config file
	// within it.
	homeDir := CleanAndExpandPath(preCfg.HomeDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if homeDir != DefaultHomeDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(homeDir, DefaultConfigFilename)
	}

	// Next, load any additional configuration options from the file.
	// Start over from the defaults, so that list options given on the
	// command line are not added twice.
	var configFileError error
	cfg := DefaultConfig()
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	cleanCfg.configFileErr = configFileError

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane, and normalizes
// all file system paths. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the home directory is not the default, the log directory lives
	// within it.
	homeDir := CleanAndExpandPath(cfg.HomeDir)
	if homeDir != DefaultHomeDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(homeDir, defaultLogDirname)
	}
	cfg.HomeDir = homeDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, ok := networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %v", cfg.Network)
	}
	cfg.ActiveNetParams = params

	switch {
	case cfg.MaxOutbound <= 0:
		return nil, fmt.Errorf("maxoutbound must be positive, got %d",
			cfg.MaxOutbound)

	case cfg.DialTimeout <= 0:
		return nil, fmt.Errorf("dialtimeout must be positive, got %v",
			cfg.DialTimeout)

	case cfg.HandshakeTimeout <= 0:
		return nil, fmt.Errorf("handshaketimeout must be positive, "+
			"got %v", cfg.HandshakeTimeout)

	case cfg.PingInterval <= 0:
		return nil, fmt.Errorf("pinginterval must be positive, got %v",
			cfg.PingInterval)

	case cfg.RetryDuration <= 0:
		return nil, fmt.Errorf("retryduration must be positive, got %v",
			cfg.RetryDuration)
	}

	// The liveness cutoff must leave room for at least one ping round
	// trip, otherwise connected peers look disconnected between pings.
	if cfg.AddrBook.LiveCutoff <= cfg.PingInterval {
		return nil, fmt.Errorf("addrbook.livecutoff (%v) must be "+
			"longer than pinginterval (%v)",
			cfg.AddrBook.LiveCutoff, cfg.PingInterval)
	}

	if err := cfg.AddrBook.Validate(); err != nil {
		return nil, fmt.Errorf("invalid addrbook config: %w", err)
	}
	if err := cfg.PeerSet.Validate(); err != nil {
		return nil, fmt.Errorf("invalid peerset config: %w", err)
	}
	if err := cfg.Log.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	var err error
	cfg.addPeers, err = parseAddrs(cfg.AddPeers, params.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("invalid addpeer: %w", err)
	}
	cfg.connectPeers, err = parseAddrs(cfg.ConnectPeers, params.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("invalid connect: %w", err)
	}

	return &cfg, nil
}

// parseAddrs resolves each host or host:port in addrs, using defaultPort
// when no port is given.
func parseAddrs(addrs []string, defaultPort string) ([]netip.AddrPort, error) {
	resolved := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}

		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}

		// Book records are keyed by address, so IPv4 peers must not be
		// stored in their mapped IPv6 form.
		ap := tcpAddr.AddrPort()
		resolved = append(resolved, netip.AddrPortFrom(
			ap.Addr().Unmap(), ap.Port(),
		))
	}

	return resolved, nil
}

// logFile returns the path of the daemon's log file.
func (c *Config) logFile() string {
	return filepath.Join(
		c.LogDir, c.ActiveNetParams.Name, defaultLogFilename,
	)
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
