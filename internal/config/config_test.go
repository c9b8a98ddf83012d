package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/forkharness/pkg/types"
)

// unsetenv clears key for the duration of the test and restores it afterwards.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"FORK_RPC_URL", "NODE_DIALECT", "DELEGATION_PAIRS", "RPC_TIMEOUT"} {
		unsetenv(t, key)
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RPCURL != DefaultRPCURL {
		t.Errorf("RPCURL = %q, want %q", cfg.RPCURL, DefaultRPCURL)
	}
	if cfg.Dialect != DefaultDialect {
		t.Errorf("Dialect = %q, want %q", cfg.Dialect, DefaultDialect)
	}
	if cfg.RPCTimeout != DefaultRPCTimeout {
		t.Errorf("RPCTimeout = %v, want %v", cfg.RPCTimeout, DefaultRPCTimeout)
	}
	if len(cfg.Pairs) != 1 || cfg.Pairs[0] != types.DefaultPairs()[0] {
		t.Errorf("Pairs = %v, want default pairs", cfg.Pairs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	unsetenv(t, "MAINNET_PROVIDER")
	unsetenv(t, "FORK_BLOCK")
	t.Setenv("NODE_DIALECT", "anvil")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "MAINNET_PROVIDER=https://eth-mainnet.example/v2/key\nFORK_BLOCK=11406154\nNODE_DIALECT=hardhat\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ForkURL != "https://eth-mainnet.example/v2/key" {
		t.Errorf("ForkURL = %q", cfg.ForkURL)
	}
	if cfg.ForkBlock != 11406154 {
		t.Errorf("ForkBlock = %d, want 11406154", cfg.ForkBlock)
	}
	// The process environment wins over the file.
	if cfg.Dialect != "anvil" {
		t.Errorf("Dialect = %q, want anvil", cfg.Dialect)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FORK_RPC_URL":     "ws://127.0.0.1:8546",
		"FORK_PORT":        "9545",
		"NODE_DIALECT":     "Anvil",
		"ADDRESS_BOOK":     "book.yaml",
		"DATABASE_PATH":    "/tmp/history.db",
		"METRICS_ADDR":     ":9090",
		"API_ADDR":         "127.0.0.1:14000",
		"RPC_TIMEOUT":      "5s",
		"RECEIPT_TIMEOUT":  "2m",
		"DELEGATION_PAIRS": "DAI/DAI:50000:35000:variable, WETH/sUSD:100:35000:variable",
	}

	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv() error: %v", err)
	}

	if cfg.RPCURL != "ws://127.0.0.1:8546" || cfg.Port != 9545 || cfg.Dialect != "anvil" {
		t.Errorf("unexpected node settings: %+v", cfg)
	}
	if cfg.AddressBook != "book.yaml" || cfg.DatabasePath != "/tmp/history.db" || cfg.MetricsAddr != ":9090" {
		t.Errorf("unexpected paths: %+v", cfg)
	}
	if cfg.APIAddr != "127.0.0.1:14000" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.RPCTimeout != 5*time.Second || cfg.ReceiptTimeout != 2*time.Minute {
		t.Errorf("unexpected timeouts: rpc %v receipt %v", cfg.RPCTimeout, cfg.ReceiptTimeout)
	}
	if len(cfg.Pairs) != 2 || cfg.Pairs[1].LoanAsset != "sUSD" {
		t.Errorf("Pairs = %v", cfg.Pairs)
	}
	if got := cfg.ClientConfig().Timeout; got != 5*time.Second {
		t.Errorf("ClientConfig().Timeout = %v, want 5s", got)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FORK_BLOCK", "latest"},
		{"FORK_PORT", "http"},
		{"RPC_TIMEOUT", "60"},
		{"RECEIPT_TIMEOUT", "soon"},
		{"DELEGATION_PAIRS", "WETH/DAI:100"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) string {
				if k == tt.key {
					return tt.value
				}
				return ""
			})
			if err == nil {
				t.Errorf("applyEnv(%s=%q) returned nil error", tt.key, tt.value)
			}
		})
	}
}

func TestParsePairs(t *testing.T) {
	if _, err := ParsePairs(" , "); err == nil {
		t.Error("ParsePairs of an empty list should fail")
	}
	pairs, err := ParsePairs("WETH/DAI:100:35000:stable")
	if err != nil {
		t.Fatalf("ParsePairs() error: %v", err)
	}
	if pairs[0].RateMode != types.RateStable {
		t.Errorf("RateMode = %v, want stable", pairs[0].RateMode)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "websocket url", mutate: func(c *Config) { c.RPCURL = "wss://fork.example" }, wantErr: false},
		{name: "missing RPC URL", mutate: func(c *Config) { c.RPCURL = "" }, wantErr: true},
		{name: "unsupported scheme", mutate: func(c *Config) { c.RPCURL = "ipc:///tmp/geth.ipc" }, wantErr: true},
		{name: "unknown dialect", mutate: func(c *Config) { c.Dialect = "ganache" }, wantErr: true},
		{name: "zero port", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "zero RPC timeout", mutate: func(c *Config) { c.RPCTimeout = 0 }, wantErr: true},
		{name: "zero receipt timeout", mutate: func(c *Config) { c.ReceiptTimeout = 0 }, wantErr: true},
		{name: "no pairs", mutate: func(c *Config) { c.Pairs = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFork(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateFork(); err == nil {
		t.Error("ValidateFork() without a fork URL should fail")
	}
	cfg.ForkURL = "https://eth-mainnet.example"
	if err := cfg.ValidateFork(); err != nil {
		t.Errorf("ValidateFork() error: %v", err)
	}
}

func TestNodeDialect(t *testing.T) {
	cfg := Default()
	cfg.Dialect = "anvil"
	d, err := cfg.NodeDialect()
	if err != nil {
		t.Fatalf("NodeDialect() error: %v", err)
	}
	if d.Name != "anvil" {
		t.Errorf("Name = %q, want anvil", d.Name)
	}
}
