package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds gateway configuration loaded from flags, env, or config file.
type Config struct {
	Listen          string
	NetworkURL      string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration

	SignerKey      string
	ChainID        uint64
	EscrowVerifier string

	MaxAttempts    int
	AttemptTimeout time.Duration

	HalfLife          time.Duration
	ExplorationWeight float64
	DrawWidth         int

	BudgetWindow     time.Duration
	DefaultAllowance string
	DefaultCeiling   string

	PGDSN        string
	OutcomesPath string
	LogLevel     string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("refresh-interval", 30*time.Second)
	v.SetDefault("fetch-timeout", 30*time.Second)
	v.SetDefault("chain-id", uint64(1))
	v.SetDefault("max-attempts", 3)
	v.SetDefault("attempt-timeout", 10*time.Second)
	v.SetDefault("half-life", 2*time.Minute)
	v.SetDefault("exploration-weight", 1.0)
	v.SetDefault("draw-width", 3)
	v.SetDefault("budget-window", time.Minute)
	v.SetDefault("outcomes", "./data/outcomes.jsonl")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Listen:            v.GetString("listen"),
		NetworkURL:        v.GetString("network-url"),
		RefreshInterval:   v.GetDuration("refresh-interval"),
		FetchTimeout:      v.GetDuration("fetch-timeout"),
		SignerKey:         v.GetString("signer-key"),
		ChainID:           v.GetUint64("chain-id"),
		EscrowVerifier:    v.GetString("escrow-verifier"),
		MaxAttempts:       v.GetInt("max-attempts"),
		AttemptTimeout:    v.GetDuration("attempt-timeout"),
		HalfLife:          v.GetDuration("half-life"),
		ExplorationWeight: v.GetFloat64("exploration-weight"),
		DrawWidth:         v.GetInt("draw-width"),
		BudgetWindow:      v.GetDuration("budget-window"),
		DefaultAllowance:  v.GetString("default-allowance"),
		DefaultCeiling:    v.GetString("default-ceiling"),
		PGDSN:             v.GetString("pg-dsn"),
		OutcomesPath:      v.GetString("outcomes"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}
