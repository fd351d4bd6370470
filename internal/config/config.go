// Package config loads the YAML configuration document, applies
// environment-variable overrides, and loads API credentials. These are
// "external collaborator" concerns per the spec — the core control plane
// only consumes the resulting structs — but are implemented in full so
// the repository runs end to end, in the style of
// original_source/bot/config.py and bbgo's own spf13/viper-based config
// loading.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ExchangeConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	WSPublic  string `mapstructure:"ws_public"`
	WSPrivate string `mapstructure:"ws_private"`
}

type SymbolConfig struct {
	InstType    string `mapstructure:"instType"`
	Symbol      string `mapstructure:"symbol"`
	ProductType string `mapstructure:"productType"`
	MarginMode  string `mapstructure:"marginMode"`
	MarginCoin  string `mapstructure:"marginCoin"`
}

type SymbolsConfig struct {
	Spot SymbolConfig `mapstructure:"spot"`
	Perp SymbolConfig `mapstructure:"perp"`
}

type RiskConfig struct {
	StaleSec                  float64  `mapstructure:"stale_sec"`
	BookStaleSec              *float64 `mapstructure:"book_stale_sec"`
	BookBootTimeoutSec        *float64 `mapstructure:"book_boot_timeout_sec"`
	ControlledReconnectGraceSec float64 `mapstructure:"controlled_reconnect_grace_sec"`
	MaxUnhedgedSec            float64  `mapstructure:"max_unhedged_sec"`
	MaxUnhedgedNotional       float64  `mapstructure:"max_unhedged_notional"`
	MaxPositionNotional       float64  `mapstructure:"max_position_notional"`
	CooldownSec               float64  `mapstructure:"cooldown_sec"`
	FundingStaleSec           float64  `mapstructure:"funding_stale_sec"`
	RejectStreakLimit         int      `mapstructure:"reject_streak_limit"`
	HaltOnUnwindFailure       bool     `mapstructure:"halt_on_unwind_failure"`
}

type StrategyConfig struct {
	EnableOnlyPositiveFunding bool    `mapstructure:"enable_only_positive_funding"`
	MinFundingRate            float64 `mapstructure:"min_funding_rate"`
	TargetNotional            float64 `mapstructure:"target_notional"`
	DeltaTolerance            float64 `mapstructure:"delta_tolerance"`
	OBILevels                 int     `mapstructure:"obi_levels"`
	AlphaOBIBps               float64 `mapstructure:"alpha_obi_bps"`
	GammaInventoryBps         float64 `mapstructure:"gamma_inventory_bps"`
	BaseHalfSpreadBps         float64 `mapstructure:"base_half_spread_bps"`
	QuoteRefreshMs            int     `mapstructure:"quote_refresh_ms"`
	DryRun                    bool    `mapstructure:"dry_run"`
}

type HedgeConfig struct {
	UseSpotLimitIOC   bool    `mapstructure:"use_spot_limit_ioc"`
	HedgeAggressiveBps float64 `mapstructure:"hedge_aggressive_bps"`
	HedgeDeadlineSec  float64 `mapstructure:"hedge_deadline_sec"`
	HedgeMaxTries     int     `mapstructure:"hedge_max_tries"`
	HedgeChaseSlipBps float64 `mapstructure:"hedge_chase_slip_bps"`
	UnwindEnable      bool    `mapstructure:"unwind_enable"`
}

type CostConfig struct {
	FeeMakerPerpBps float64 `mapstructure:"fee_maker_perp_bps"`
	FeeTakerSpotBps float64 `mapstructure:"fee_taker_spot_bps"`
	SlippageBps     float64 `mapstructure:"slippage_bps"`
}

type AppConfig struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Symbols  SymbolsConfig  `mapstructure:"symbols"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Hedge    HedgeConfig    `mapstructure:"hedge"`
	Cost     CostConfig     `mapstructure:"cost"`
}

// Load reads the YAML document at path into an AppConfig.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	for _, key := range []string{"exchange", "symbols", "risk", "strategy", "hedge", "cost"} {
		if !v.IsSet(key) {
			return nil, fmt.Errorf("missing config key: %s", key)
		}
	}
	if !v.IsSet("risk.halt_on_unwind_failure") {
		cfg.Risk.HaltOnUnwindFailure = true
	}

	return &cfg, nil
}

// ApplyEnvOverrides mutates cfg in place from the environment variables
// named in spec.md §6. SYMBOL/PRODUCT_TYPE/MARGIN_MODE/MARGIN_COIN mirror
// original_source/bot/config.py's apply_env_overrides exactly.
func ApplyEnvOverrides(cfg *AppConfig) {
	if symbol := os.Getenv("SYMBOL"); symbol != "" {
		cfg.Symbols.Spot.Symbol = symbol
		cfg.Symbols.Perp.Symbol = symbol
	}
	if productType := os.Getenv("PRODUCT_TYPE"); productType != "" {
		cfg.Symbols.Perp.ProductType = productType
	}
	if marginMode := os.Getenv("MARGIN_MODE"); marginMode != "" {
		cfg.Symbols.Perp.MarginMode = marginMode
	}
	if marginCoin := os.Getenv("MARGIN_COIN"); marginCoin != "" {
		cfg.Symbols.Perp.MarginCoin = marginCoin
	}

	switch mode := os.Getenv("BOT_MODE"); mode {
	case "dry":
		cfg.Strategy.DryRun = true
	case "live":
		cfg.Strategy.DryRun = false
	}

	if dryRun := os.Getenv("DRY_RUN"); dryRun != "" {
		if b, err := strconv.ParseBool(dryRun); err == nil {
			cfg.Strategy.DryRun = b
		}
	}
}

// Credentials is the Bitget API key/secret/passphrase triple.
type Credentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
}

// LoadCredentials loads an optional .env file (godotenv) and then reads
// the BITGET_API_* triple from the environment. private reports whether
// credentials were usable at all; when FORCE_PRIVATE_OFF is set, private
// connectivity is disabled regardless of credential availability.
func LoadCredentials(envFile string) (Credentials, bool) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	if forced, _ := strconv.ParseBool(os.Getenv("FORCE_PRIVATE_OFF")); forced {
		return Credentials{}, false
	}

	creds := Credentials{
		APIKey:        os.Getenv("BITGET_API_KEY"),
		APISecret:     os.Getenv("BITGET_API_SECRET"),
		APIPassphrase: os.Getenv("BITGET_API_PASSPHRASE"),
	}
	if creds.APIKey == "" || creds.APISecret == "" || creds.APIPassphrase == "" {
		return Credentials{}, false
	}
	return creds, true
}

// LogDir resolves the JSONL sink directory: LOG_DIR wins over the legacy
// LOG_PATH alias, defaulting to "logs".
func LogDir() string {
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("LOG_PATH"); dir != "" {
		return dir
	}
	return "logs"
}

// TargetPosMode resolves TARGET_POS_MODE, defaulting to "one_way_mode".
func TargetPosMode() string {
	if mode := os.Getenv("TARGET_POS_MODE"); mode != "" {
		return mode
	}
	return "one_way_mode"
}

// AutoSetPosMode reports whether AUTO_SET_POS_MODE is truthy.
func AutoSetPosMode() bool {
	b, _ := strconv.ParseBool(os.Getenv("AUTO_SET_POS_MODE"))
	return b
}
