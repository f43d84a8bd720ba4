package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for creditd. Values come from the TOML
// config file, with a handful of deployment-sensitive fields overridable from
// the environment.
type Config struct {
	Listen        string `toml:"listen"`
	Env           string `toml:"env"`
	DataDir       string `toml:"data_dir"`
	LogFile       string `toml:"log_file"`
	RatePerMinute int    `toml:"rate_per_minute"`
	RateBurst     int    `toml:"rate_burst"`
	JWTSecret     string `toml:"jwt_secret"`
	// Governors lists the bech32 addresses allowed to mutate market
	// parameters. An empty list freezes governance entirely.
	Governors []string `toml:"governors"`

	Auction AuctionConfig `toml:"auction"`
	Terms   []TermConfig  `toml:"term"`
}

// AuctionConfig fixes the two liquidation phase durations shared by every
// auction the house starts.
type AuctionConfig struct {
	MidPointSeconds uint64 `toml:"mid_point_seconds"`
	TotalSeconds    uint64 `toml:"total_seconds"`
}

// TermConfig declares a lending term to create at boot when it does not exist
// yet. Amounts are decimal wei strings so TOML readers never lose precision.
type TermConfig struct {
	ID                          string `toml:"id"`
	CollateralToken             string `toml:"collateral_token"`
	Policy                      string `toml:"policy"`
	InterestRateBps             uint64 `toml:"interest_rate_bps"`
	CallFeeBps                  uint64 `toml:"call_fee_bps"`
	CallPeriodSeconds           uint64 `toml:"call_period_seconds"`
	MaxDelayBetweenPartialRepay uint64 `toml:"max_delay_between_partial_repay"`
	MinPartialRepayBps          uint64 `toml:"min_partial_repay_bps"`
	OpeningFeeBps               uint64 `toml:"opening_fee_bps"`
	MaxDebtPerCollateral        string `toml:"max_debt_per_collateral"`
	HardCap                     string `toml:"hard_cap"`
	BufferCap                   string `toml:"buffer_cap"`
	BufferRatePerSecond         string `toml:"buffer_rate_per_second"`
	BufferMaxRatePerSecond      string `toml:"buffer_max_rate_per_second"`
}

const (
	envListen    = "CREDITD_LISTEN"
	envEnv       = "CREDITD_ENV"
	envDataDir   = "CREDITD_DATA_DIR"
	envLogFile   = "CREDITD_LOG_FILE"
	envJWTSecret = "CREDITD_JWT_SECRET"
	envRate      = "CREDITD_RATE_PER_MINUTE"

	defaultListen          = "0.0.0.0:8640"
	defaultEnv             = "dev"
	defaultRatePerMinute   = 240
	defaultRateBurst       = 20
	defaultAuctionMidPoint = 1800
	defaultAuctionTotal    = 3600
)

// LoadConfig reads the TOML file at path (when non-empty), then applies
// environment overrides and defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		Listen:        defaultListen,
		Env:           defaultEnv,
		RatePerMinute: defaultRatePerMinute,
		RateBurst:     defaultRateBurst,
		Auction: AuctionConfig{
			MidPointSeconds: defaultAuctionMidPoint,
			TotalSeconds:    defaultAuctionTotal,
		},
	}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	cfg.Listen = stringFromEnv(envListen, cfg.Listen)
	cfg.Env = stringFromEnv(envEnv, cfg.Env)
	cfg.DataDir = stringFromEnv(envDataDir, cfg.DataDir)
	cfg.LogFile = stringFromEnv(envLogFile, cfg.LogFile)
	cfg.JWTSecret = stringFromEnv(envJWTSecret, cfg.JWTSecret)
	cfg.RatePerMinute = intFromEnv(envRate, cfg.RatePerMinute)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.RatePerMinute < 0 {
		return fmt.Errorf("rate per minute must be non-negative")
	}
	if cfg.Auction.MidPointSeconds == 0 || cfg.Auction.TotalSeconds <= cfg.Auction.MidPointSeconds {
		return fmt.Errorf("auction durations require 0 < mid_point_seconds < total_seconds")
	}
	if len(cfg.Governors) > 0 && strings.TrimSpace(cfg.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret required when governors are configured")
	}
	seen := make(map[string]struct{}, len(cfg.Terms))
	for _, term := range cfg.Terms {
		id := strings.TrimSpace(term.ID)
		if id == "" {
			return fmt.Errorf("term id required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate term id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	if strings.TrimSpace(clone.JWTSecret) != "" {
		clone.JWTSecret = "***"
	}
	return clone
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func intFromEnv(key string, fallback int) int {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
