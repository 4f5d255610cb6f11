// Package config holds the swap daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Config holds all configuration for the swap daemon.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Ton holds the order-book ledger settings.
	Ton TonConfig `yaml:"ton"`

	// Eth holds the EVM lock-contract settings (native ETH and USDT legs).
	Eth EthConfig `yaml:"eth"`

	// Btc holds the Bitcoin chain API settings.
	Btc BtcConfig `yaml:"btc"`

	// Wallet holds key material locations.
	Wallet WalletConfig `yaml:"wallet"`

	// Storage holds storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Logging holds logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Engine holds state-machine tuning.
	Engine EngineConfig `yaml:"engine"`
}

// TonConfig holds order-book ledger access settings.
type TonConfig struct {
	// Endpoint is the HTTP API endpoint of the ledger node.
	Endpoint string `yaml:"endpoint"`

	// APIKey is an optional API key sent with each request.
	APIKey string `yaml:"api_key,omitempty"`

	// Orderbook is the address of the order-book contract.
	Orderbook string `yaml:"orderbook"`
}

// EthConfig holds EVM chain settings.
type EthConfig struct {
	// RPCURL is the JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// SwapContract is the native-ETH lock contract address.
	SwapContract string `yaml:"swap_contract"`

	// TokenSwapContract is the ERC20 lock contract address.
	TokenSwapContract string `yaml:"token_swap_contract"`

	// USDTToken is the USDT ERC20 token address.
	USDTToken string `yaml:"usdt_token"`

	// LockValidity is how long a native-ETH lock stays claimable after
	// creation. Must match the deployed contract's refund window.
	LockValidity time.Duration `yaml:"lock_validity"`

	// TokenLockValidity is the claim window of the ERC20 lock contract.
	TokenLockValidity time.Duration `yaml:"token_lock_validity"`

	// GasLimit is the gas limit for lock-contract transactions.
	GasLimit uint64 `yaml:"gas_limit"`
}

// BtcConfig holds Bitcoin chain settings.
type BtcConfig struct {
	// APIURL is the esplora-style HTTP API base URL.
	APIURL string `yaml:"api_url"`

	// FeeRate is the minimum fee rate in sat/vB. The fee estimator
	// never goes below this.
	FeeRate uint64 `yaml:"fee_rate"`
}

// WalletConfig holds key material locations.
type WalletConfig struct {
	// MnemonicFile is the path to the seed phrase file, relative to the
	// data directory unless absolute.
	MnemonicFile string `yaml:"mnemonic_file"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// EngineConfig holds state-machine tuning.
type EngineConfig struct {
	// PollInterval is the delay between watcher ticks per order.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Ton: TonConfig{
			Endpoint: "https://toncenter.com/api/v2/jsonRPC",
		},
		Eth: EthConfig{
			RPCURL:            "https://eth.llamarpc.com",
			LockValidity:      time.Hour,
			TokenLockValidity: time.Hour,
			GasLimit:          300000,
		},
		Btc: BtcConfig{
			APIURL:  "https://mempool.space/api",
			FeeRate: 2,
		},
		Wallet: WalletConfig{
			MnemonicFile: "wallet.key",
		},
		Storage: StorageConfig{
			DataDir: "~/.tonswapd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			PollInterval: 20 * time.Second,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# tonswapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// MnemonicPath resolves the mnemonic file location against the data directory.
func (c *Config) MnemonicPath() string {
	if filepath.IsAbs(c.Wallet.MnemonicFile) {
		return c.Wallet.MnemonicFile
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Wallet.MnemonicFile)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
