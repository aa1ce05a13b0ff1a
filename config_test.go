package peerbook

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestValidateConfig checks the rejected option combinations.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(*Config)
		errStr string
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name: "unknown network",
			modify: func(c *Config) {
				c.Network = "litecoin"
			},
			errStr: "unknown network",
		},
		{
			name: "no outbound peers",
			modify: func(c *Config) {
				c.MaxOutbound = 0
			},
			errStr: "maxoutbound",
		},
		{
			name: "zero dial timeout",
			modify: func(c *Config) {
				c.DialTimeout = 0
			},
			errStr: "dialtimeout",
		},
		{
			name: "cutoff shorter than ping interval",
			modify: func(c *Config) {
				c.PingInterval = 5 * time.Minute
			},
			errStr: "livecutoff",
		},
		{
			name: "empty address book",
			modify: func(c *Config) {
				c.AddrBook.Capacity = 0
			},
			errStr: "invalid addrbook config",
		},
		{
			name: "zero fanout",
			modify: func(c *Config) {
				c.PeerSet.Fanout = 0
			},
			errStr: "invalid peerset config",
		},
		{
			name: "bad log compressor",
			modify: func(c *Config) {
				c.Log.File.Compressor = "lzma"
			},
			errStr: "invalid logging config",
		},
		{
			name: "bad peer address",
			modify: func(c *Config) {
				c.AddPeers = []string{"127.0.0.1:notaport"}
			},
			errStr: "invalid addpeer",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.modify(&cfg)

			cleanCfg, err := ValidateConfig(cfg)
			if tc.errStr != "" {
				require.ErrorContains(t, err, tc.errStr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, &chaincfg.MainNetParams,
				cleanCfg.ActiveNetParams)
		})
	}
}

// TestParseAddrs checks that the network's default port is used for peers
// given without one.
func TestParseAddrs(t *testing.T) {
	t.Parallel()

	addrs, err := parseAddrs(
		[]string{"127.0.0.1", "[::1]:9000", "[::ffff:10.0.0.1]:8333"},
		chaincfg.RegressionNetParams.DefaultPort,
	)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:18444"),
		netip.MustParseAddrPort("[::1]:9000"),
		netip.MustParseAddrPort("10.0.0.1:8333"),
	}, addrs)
	for _, addr := range addrs {
		require.False(t, addr.Addr().Is4In6(), addr)
	}
}

// TestLoadConfig checks that the config file is read from the home directory
// and that command line options take precedence over it.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	homeDir := t.TempDir()
	confFile := filepath.Join(homeDir, DefaultConfigFilename)
	conf := `
[Application Options]
network=regtest
maxoutbound=3
addpeer=127.0.0.1

[addrbook]
addrbook.capacity=10

[peerset]
peerset.fanout=4
`
	require.NoError(t, os.WriteFile(confFile, []byte(conf), 0600))

	cfg, err := LoadConfig([]string{
		"--homedir=" + homeDir,
		"--maxoutbound=5",
		"--addpeer=127.0.0.2",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.configFileErr)

	require.Equal(t, &chaincfg.RegressionNetParams, cfg.ActiveNetParams)
	require.Equal(t, 5, cfg.MaxOutbound)
	require.Equal(t, 10, cfg.AddrBook.Capacity)
	require.Equal(t, 4, cfg.PeerSet.Fanout)
	require.Equal(t, filepath.Join(homeDir, defaultLogDirname), cfg.LogDir)
	require.Contains(t, cfg.addPeers,
		netip.MustParseAddrPort("127.0.0.2:18444"))
	require.Equal(t,
		filepath.Join(homeDir, defaultLogDirname, "regtest",
			defaultLogFilename),
		cfg.logFile())
}

// TestLoadConfigMissingFile checks that a missing config file is not fatal.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig([]string{"--homedir=" + t.TempDir()})
	require.NoError(t, err)
	require.Error(t, cfg.configFileErr)
	require.Equal(t, DefaultConfig().MaxOutbound, cfg.MaxOutbound)
}

// TestLoadConfigInvalidFile checks that a malformed config file is rejected.
func TestLoadConfigInvalidFile(t *testing.T) {
	t.Parallel()

	homeDir := t.TempDir()
	confFile := filepath.Join(homeDir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(confFile, []byte("nosuchoption=1\n"), 0600))

	_, err := LoadConfig([]string{"--homedir=" + homeDir})
	require.Error(t, err)
}
