package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	LogFile       string `toml:"LogFile"`

	Registry RegistryConfig `toml:"registry"`
	Pool     PoolConfig     `toml:"pool"`
	Genesis  GenesisConfig  `toml:"genesis"`
}

// RegistryConfig carries the invoice registry throttles. Zeroed values
// disable the mint quota.
type RegistryConfig struct {
	MaxMintsPerEpoch  uint32 `toml:"MaxMintsPerEpoch"`
	QuotaEpochSeconds uint32 `toml:"QuotaEpochSeconds"`
}

// PoolConfig carries the lending pool construction parameters.
type PoolConfig struct {
	LendingToken           string `toml:"LendingToken"`
	IsNativeCurrency       bool   `toml:"IsNativeCurrency"`
	BaseLTVBps             uint64 `toml:"BaseLTVBps"`
	BaseInterestBps        uint64 `toml:"BaseInterestBps"`
	MinLoanAmount          string `toml:"MinLoanAmount"`
	MaxLoanAmount          string `toml:"MaxLoanAmount"`
	LiquidationGracePeriod int64  `toml:"LiquidationGracePeriodSeconds"`
}

// GenesisAccount seeds a balance at first start.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// GenesisConfig describes the one-time ledger population.
type GenesisConfig struct {
	Admin    string           `toml:"Admin"`
	Treasury string           `toml:"Treasury"`
	Agents   []string         `toml:"Agents"`
	Accounts []GenesisAccount `toml:"Accounts"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "invoiceflow-local"
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./invoiceflow-data"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot safely start with.
func (c *Config) Validate() error {
	if c.Pool.BaseLTVBps > 10_000 {
		return fmt.Errorf("config: BaseLTVBps %d outside [0, 10000]", c.Pool.BaseLTVBps)
	}
	if c.Pool.BaseInterestBps > 10_000 {
		return fmt.Errorf("config: BaseInterestBps %d outside [0, 10000]", c.Pool.BaseInterestBps)
	}
	if strings.TrimSpace(c.Genesis.Admin) == "" {
		return fmt.Errorf("config: genesis Admin address is required")
	}
	if strings.TrimSpace(c.Genesis.Treasury) == "" {
		return fmt.Errorf("config: genesis Treasury address is required")
	}
	return nil
}

// createDefault creates and saves a default configuration file. The genesis
// addresses are intentionally left blank so the operator must fill them in
// before the node will start.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./invoiceflow-data",
		NetworkName:   "invoiceflow-local",
		Registry: RegistryConfig{
			MaxMintsPerEpoch:  120,
			QuotaEpochSeconds: 3600,
		},
		Pool: PoolConfig{
			LendingToken:           "MATIC",
			IsNativeCurrency:       true,
			BaseLTVBps:             8000,
			BaseInterestBps:        500,
			MinLoanAmount:          "10000000000000000000",
			MaxLoanAmount:          "10000000000000000000000",
			LiquidationGracePeriod: 7 * 86_400,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
