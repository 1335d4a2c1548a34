// Package config loads the Manager's startup configuration: the account
// list, per-account risk limits and paths, the scheduler job list, and
// the API bind address. Loading order layers godotenv for credentials
// first, then the structured file for everything else; the structured
// layer here is a YAML file, not a settings database, per spec §6:
// "Loaded once at Manager start; not reloaded at
// runtime."
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RiskLimits caps daily order/cancel activity and per-order size for one
// account. Enforced before any cmd is created by the Trader's order
// handlers through executor.RiskControl (SPEC_FULL.md §11 item 1).
type RiskLimits struct {
	MaxDailyOrders     int     `yaml:"max_daily_orders"`
	MaxDailyCancels    int     `yaml:"max_daily_cancels"`
	MaxSingleOrderLots float64 `yaml:"max_single_order_lots"`
	MaxSplitLots       float64 `yaml:"max_split_lots"`
	OrderTimeoutSec    int     `yaml:"order_timeout_seconds"`
}

// Paths holds every filesystem location an account's Trader touches.
type Paths struct {
	Database string `yaml:"database"`
	Logs     string `yaml:"logs"`
	Export   string `yaml:"export"`
	CSVInbox string `yaml:"csv_inbox"`
	Params   string `yaml:"params"`
}

// StrategyConfig is the per-strategy slice of an account's config; its
// Params are intentionally a free-form map — strategy bodies are out of
// core scope (spec §1), so their shape is opaque here.
type StrategyConfig struct {
	StrategyID string         `yaml:"strategy_id"`
	Enabled    bool           `yaml:"enabled"`
	Params     map[string]any `yaml:"params"`
}

// JobConfig is one accounts[].jobs[] entry (spec §6).
type JobConfig struct {
	JobName        string `yaml:"job_name"`
	Group          string `yaml:"group"`
	CronExpression string `yaml:"cron_expression"`
	JobMethod      string `yaml:"job_method"`
	Enabled        bool   `yaml:"enabled"`
}

// AccountConfig is the static, immutable-for-the-run description of one
// trading account (spec §3).
type AccountConfig struct {
	AccountID   string           `yaml:"account_id"`
	Enabled     bool             `yaml:"enabled"`
	SocketDir   string           `yaml:"socket_dir"`
	APIKey      string           `yaml:"-"`
	APISecret   string           `yaml:"-"`
	WechatAlert string           `yaml:"wechat_alert"`
	Risk        RiskLimits       `yaml:"risk"`
	Paths       Paths            `yaml:"paths"`
	Strategies  []StrategyConfig `yaml:"strategies"`
	Jobs        []JobConfig      `yaml:"jobs"`
}

// APIConfig is the HTTP/WebSocket bind address (out of core scope, but
// still part of the loaded file, per spec §6).
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the Manager's entire startup configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogPretty bool            `yaml:"log_pretty"`
	API       APIConfig       `yaml:"api"`
	Accounts  []AccountConfig `yaml:"accounts"`
}

// Load reads .env (if present) for credentials, then parses the YAML file
// at path. Credentials are injected per-account from environment
// variables named <ACCOUNT_ID>_API_KEY / <ACCOUNT_ID>_API_SECRET so that
// secrets never need to live in the checked-in YAML file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.AccountID == "" {
			return nil, fmt.Errorf("account at index %d missing account_id", i)
		}
		acc.APIKey = os.Getenv(acc.AccountID + "_API_KEY")
		acc.APISecret = os.Getenv(acc.AccountID + "_API_SECRET")
		if acc.Risk.OrderTimeoutSec <= 0 {
			acc.Risk.OrderTimeoutSec = 5
		}
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

// OrderTimeout is a convenience accessor used by the executor.
func (r RiskLimits) OrderTimeout() time.Duration {
	return time.Duration(r.OrderTimeoutSec) * time.Second
}

// Find returns the AccountConfig with the given id, or false.
func (c *Config) Find(accountID string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.AccountID == accountID {
			return a, true
		}
	}
	return AccountConfig{}, false
}
