// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gateway-fm/forkharness/internal/execnode"
	"github.com/gateway-fm/forkharness/internal/rpc"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// Config holds fork harness configuration.
type Config struct {
	RPCURL         string        // Forked node endpoint (http, https, ws or wss)
	ForkURL        string        // Upstream archive node the fork is taken from
	ForkBlock      uint64        // Block to fork at (0 = upstream head)
	Port           int           // Port the forked node listens on
	Dialect        string        // Node flavour: "hardhat" or "anvil"
	AddressBook    string        // Path to an address book YAML ("" = embedded mainnet book)
	DatabasePath   string        // Path to SQLite run history
	MetricsAddr    string        // Listen address for /metrics ("" = disabled)
	APIAddr        string        // Listen address for forkctl serve
	RPCTimeout     time.Duration // Per-request RPC timeout
	ReceiptTimeout time.Duration // How long to wait for a transaction to be mined
	Pairs          []types.Pair  // Credit delegation pairs to run
}

// Defaults
const (
	DefaultRPCURL         = "http://localhost:8545"
	DefaultPort           = 8545
	DefaultDialect        = "hardhat"
	DefaultDatabasePath   = "./data/forkharness.db"
	DefaultAPIAddr        = ":13001"
	DefaultRPCTimeout     = 60 * time.Second // forks fetch remote state lazily
	DefaultReceiptTimeout = 60 * time.Second
	DefaultEnvFile        = ".env"
)

// Default returns a config with defaults applied.
func Default() *Config {
	return &Config{
		RPCURL:         DefaultRPCURL,
		Port:           DefaultPort,
		Dialect:        DefaultDialect,
		DatabasePath:   DefaultDatabasePath,
		APIAddr:        DefaultAPIAddr,
		RPCTimeout:     DefaultRPCTimeout,
		ReceiptTimeout: DefaultReceiptTimeout,
		Pairs:          types.DefaultPairs(),
	}
}

// Load reads configuration from defaults, then envFile, then the process
// environment. Variables already set in the environment win over the file.
// A missing envFile is not an error. Command-line flags are applied by the
// caller on top of the returned config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("FORK_RPC_URL"); v != "" {
		c.RPCURL = v
	}
	if v := getenv("MAINNET_PROVIDER"); v != "" {
		c.ForkURL = v
	}
	if v := getenv("FORK_BLOCK"); v != "" {
		block, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORK_BLOCK %q: %w", v, err)
		}
		c.ForkBlock = block
	}
	if v := getenv("FORK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FORK_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := getenv("NODE_DIALECT"); v != "" {
		c.Dialect = strings.ToLower(v)
	}
	if v := getenv("ADDRESS_BOOK"); v != "" {
		c.AddressBook = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := getenv("RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RPC_TIMEOUT %q: %w", v, err)
		}
		c.RPCTimeout = d
	}
	if v := getenv("RECEIPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RECEIPT_TIMEOUT %q: %w", v, err)
		}
		c.ReceiptTimeout = d
	}
	if v := getenv("DELEGATION_PAIRS"); v != "" {
		pairs, err := ParsePairs(v)
		if err != nil {
			return err
		}
		c.Pairs = pairs
	}
	return nil
}

// ParsePairs parses a comma-separated list of pairs such as
// "WETH/DAI:100:35000:stable,DAI/sUSD:50000:35000:variable".
func ParsePairs(s string) ([]types.Pair, error) {
	var pairs []types.Pair
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := types.ParsePair(part)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs in %q", s)
	}
	return pairs, nil
}

// NodeDialect resolves the configured dialect.
func (c *Config) NodeDialect() (*execnode.Dialect, error) {
	d := execnode.DefaultRegistry().Get(c.Dialect)
	if d == nil {
		return nil, fmt.Errorf("unknown node dialect: %s (supported: %s)",
			c.Dialect, strings.Join(execnode.DefaultRegistry().Names(), ", "))
	}
	return d, nil
}

// ClientConfig returns the RPC client configuration for the forked node.
func (c *Config) ClientConfig() rpc.ClientConfig {
	cfg := rpc.DefaultClientConfig(c.RPCURL)
	if c.RPCTimeout > 0 {
		cfg.Timeout = c.RPCTimeout
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("fork RPC URL is required")
	}
	u, err := url.Parse(c.RPCURL)
	if err != nil {
		return fmt.Errorf("invalid fork RPC URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported fork RPC URL scheme: %q", u.Scheme)
	}
	if _, err := c.NodeDialect(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.ReceiptTimeout <= 0 {
		return fmt.Errorf("receipt timeout must be positive")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one delegation pair is required")
	}
	return nil
}

// ValidateFork checks the settings needed to launch a forking node.
func (c *Config) ValidateFork() error {
	if c.ForkURL == "" {
		return fmt.Errorf("fork URL is required (set MAINNET_PROVIDER or --fork-url)")
	}
	return nil
}
