package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ProfitVault/internal/model"
)

// Depositor is a paper-mode account seeded with base asset at genesis.
type Depositor struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
	Deposit string `yaml:"deposit"`
}

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	Admin      string `yaml:"admin"`
	Allocation struct {
		MinFraction string `yaml:"min_fraction"`
		MaxFraction string `yaml:"max_fraction"`
		Executor    string `yaml:"executor"`
	} `yaml:"allocation"`
	Distribution struct {
		Vault   string `yaml:"vault"`
		Ops     string `yaml:"ops"`
		Burn    string `yaml:"burn"`
		OpsSink string `yaml:"ops_sink"`
	} `yaml:"distribution"`
	Burn struct {
		SwapDeadline time.Duration `yaml:"swap_deadline"`
		Slippage     string        `yaml:"slippage"`
	} `yaml:"burn"`
	Paper struct {
		BaseSymbol           string      `yaml:"base_symbol"`
		ProtocolSymbol       string      `yaml:"protocol_symbol"`
		ProtocolSupply       string      `yaml:"protocol_supply"`
		VenueBaseReserve     string      `yaml:"venue_base_reserve"`
		VenueProtocolReserve string      `yaml:"venue_protocol_reserve"`
		FeeBps               uint32      `yaml:"fee_bps"`
		Depositors           []Depositor `yaml:"depositors"`
	} `yaml:"paper"`
	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Schedule struct {
		ReconcileCron string `yaml:"reconcile_cron"`
		MetricsCron   string `yaml:"metrics_cron"`
	} `yaml:"schedule"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VAULT_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("VAULT_ADMIN"); v != "" {
		cfg.Admin = v
	}
	if v := os.Getenv("VAULT_EXECUTOR"); v != "" {
		cfg.Allocation.Executor = v
	}
	if v := os.Getenv("VAULT_OPS_SINK"); v != "" {
		cfg.Distribution.OpsSink = v
	}
	if v := os.Getenv("VAULT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("VAULT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("CRON_RECONCILE"); v != "" {
		cfg.Schedule.ReconcileCron = v
	}
	if v := os.Getenv("VAULT_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("BURN_SWAP_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Burn.SwapDeadline = d
		}
	}

	// Defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.Allocation.MinFraction == "" {
		cfg.Allocation.MinFraction = "0.02"
	}
	if cfg.Allocation.MaxFraction == "" {
		cfg.Allocation.MaxFraction = "0.05"
	}
	if cfg.Distribution.Vault == "" && cfg.Distribution.Ops == "" && cfg.Distribution.Burn == "" {
		cfg.Distribution.Vault = "0.75"
		cfg.Distribution.Ops = "0.20"
		cfg.Distribution.Burn = "0.05"
	}
	if cfg.Burn.SwapDeadline == 0 {
		cfg.Burn.SwapDeadline = 30 * time.Second
	}
	if cfg.Burn.Slippage == "" {
		cfg.Burn.Slippage = "0.01"
	}
	if cfg.Paper.BaseSymbol == "" {
		cfg.Paper.BaseSymbol = "USDC"
	}
	if cfg.Paper.ProtocolSymbol == "" {
		cfg.Paper.ProtocolSymbol = "PVT"
	}
	if cfg.Paper.ProtocolSupply == "" {
		cfg.Paper.ProtocolSupply = "1000000000000"
	}
	if cfg.Paper.VenueBaseReserve == "" {
		cfg.Paper.VenueBaseReserve = "1000000000000"
	}
	if cfg.Paper.VenueProtocolReserve == "" {
		cfg.Paper.VenueProtocolReserve = "1000000000000"
	}
	if cfg.Paper.FeeBps == 0 {
		cfg.Paper.FeeBps = 30
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "json"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/state"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/profit_vault.db"
	}
	if cfg.Schedule.ReconcileCron == "" {
		cfg.Schedule.ReconcileCron = "0 */5 * * * *"
	}
	if cfg.Schedule.MetricsCron == "" {
		cfg.Schedule.MetricsCron = "*/30 * * * * *"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}

	return cfg, nil
}

// Validate checks that every policy value is in range and every address and
// amount parses.
func (c *Config) Validate() error {
	if _, err := c.Bounds(); err != nil {
		return err
	}
	if _, err := c.Fractions(); err != nil {
		return err
	}
	if _, err := c.BurnSlippage(); err != nil {
		return err
	}
	if c.Burn.SwapDeadline <= 0 {
		return fmt.Errorf("burn.swap_deadline must be positive")
	}
	for name, v := range map[string]string{
		"admin":                 c.Admin,
		"allocation.executor":   c.Allocation.Executor,
		"distribution.ops_sink": c.Distribution.OpsSink,
	} {
		if v != "" && !common.IsHexAddress(v) {
			return fmt.Errorf("%s: %q is not an address", name, v)
		}
	}
	for name, v := range map[string]string{
		"paper.protocol_supply":        c.Paper.ProtocolSupply,
		"paper.venue_base_reserve":     c.Paper.VenueBaseReserve,
		"paper.venue_protocol_reserve": c.Paper.VenueProtocolReserve,
	} {
		if _, err := ParseUnits(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Paper.FeeBps >= uint32(model.BpsDenominator) {
		return fmt.Errorf("paper.fee_bps must be below %d", model.BpsDenominator)
	}
	for i, d := range c.Paper.Depositors {
		if !common.IsHexAddress(d.Address) {
			return fmt.Errorf("paper.depositors[%d].address: %q is not an address", i, d.Address)
		}
		bal, err := ParseUnits(d.Balance)
		if err != nil {
			return fmt.Errorf("paper.depositors[%d].balance: %w", i, err)
		}
		if d.Deposit != "" {
			dep, err := ParseUnits(d.Deposit)
			if err != nil {
				return fmt.Errorf("paper.depositors[%d].deposit: %w", i, err)
			}
			if dep.Cmp(bal) > 0 {
				return fmt.Errorf("paper.depositors[%d]: deposit %s exceeds balance %s", i, dep, bal)
			}
		}
	}
	switch strings.ToLower(c.Store.Driver) {
	case "none", "json", "badger":
	default:
		return fmt.Errorf("store.driver %q must be none, json or badger", c.Store.Driver)
	}
	return nil
}

// Bounds returns the allocation bounds in basis points.
func (c *Config) Bounds() (model.Bounds, error) {
	min, err := parseBps("allocation.min_fraction", c.Allocation.MinFraction)
	if err != nil {
		return model.Bounds{}, err
	}
	max, err := parseBps("allocation.max_fraction", c.Allocation.MaxFraction)
	if err != nil {
		return model.Bounds{}, err
	}
	b := model.Bounds{MinBps: min, MaxBps: max}
	if err := b.Validate(); err != nil {
		return model.Bounds{}, fmt.Errorf("allocation: %w", err)
	}
	return b, nil
}

// Fractions returns the profit split in basis points.
func (c *Config) Fractions() (model.Fractions, error) {
	var f model.Fractions
	var err error
	if f.VaultBps, err = parseBps("distribution.vault", c.Distribution.Vault); err != nil {
		return model.Fractions{}, err
	}
	if f.OpsBps, err = parseBps("distribution.ops", c.Distribution.Ops); err != nil {
		return model.Fractions{}, err
	}
	if f.BurnBps, err = parseBps("distribution.burn", c.Distribution.Burn); err != nil {
		return model.Fractions{}, err
	}
	if err := f.Validate(); err != nil {
		return model.Fractions{}, fmt.Errorf("distribution: %w", err)
	}
	return f, nil
}

// BurnSlippage returns the burn quote tolerance in basis points.
func (c *Config) BurnSlippage() (model.Bps, error) {
	return parseBps("burn.slippage", c.Burn.Slippage)
}

func parseBps(name, s string) (model.Bps, error) {
	if s == "" {
		s = "0"
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	b, err := model.BpsFromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// ParseUnits parses a non-negative base-10 integer amount in base units.
func ParseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer amount", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %s is negative", v)
	}
	return v, nil
}
