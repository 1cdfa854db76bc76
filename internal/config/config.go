package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// Ledger. An empty LedgerRPCURL runs against the in-process simulator.
	LedgerRPCURL     string
	ProgramID        string
	TokenMint        string
	RewardsAuthority string
	SignerKey        string
	TokenDecimals    int32
	MinStake         amount.Amount
	RewardRate       decimal.Decimal

	ConfirmTimeout      time.Duration
	PollInterval        time.Duration
	SweepSchedule       string
	RebroadcastAfter    time.Duration
	DivergenceTolerance amount.Amount
	PoolCacheTTL        time.Duration

	RedisURL  string
	NATSURL   string
	JWTSecret string
}

// Simulated reports whether the process should run against the in-memory
// ledger.
func (c *Config) Simulated() bool { return c.LedgerRPCURL == "" }

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:         os.Getenv("DB_SOURCE"),
		Port:             getenv("SERVER_PORT", "8080"),
		Env:              getenv("ENVIRONMENT", "development"),
		LedgerRPCURL:     os.Getenv("LEDGER_RPC_URL"),
		ProgramID:        os.Getenv("STAKING_PROGRAM_ID"),
		TokenMint:        os.Getenv("TOKEN_MINT"),
		RewardsAuthority: os.Getenv("REWARDS_AUTHORITY"),
		SignerKey:        os.Getenv("SIGNER_KEY"),
		SweepSchedule:    getenv("SWEEP_SCHEDULE", "@every 30s"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if !cfg.Simulated() {
		for key, v := range map[string]string{
			"STAKING_PROGRAM_ID": cfg.ProgramID,
			"TOKEN_MINT":         cfg.TokenMint,
			"REWARDS_AUTHORITY":  cfg.RewardsAuthority,
			"SIGNER_KEY":         cfg.SignerKey,
		} {
			if v == "" {
				return nil, fmt.Errorf("%s environment variable is required when LEDGER_RPC_URL is set", key)
			}
		}
	}

	decimals, err := strconv.ParseInt(getenv("TOKEN_DECIMALS", "9"), 10, 32)
	if err != nil || decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("invalid TOKEN_DECIMALS %q", os.Getenv("TOKEN_DECIMALS"))
	}
	cfg.TokenDecimals = int32(decimals)

	if cfg.MinStake, err = amount.Parse(getenv("MIN_STAKE_AMOUNT", "1")); err != nil {
		return nil, fmt.Errorf("invalid MIN_STAKE_AMOUNT: %w", err)
	}
	if cfg.DivergenceTolerance, err = amount.Parse(getenv("DIVERGENCE_TOLERANCE", "0")); err != nil {
		return nil, fmt.Errorf("invalid DIVERGENCE_TOLERANCE: %w", err)
	}
	if cfg.RewardRate, err = decimal.NewFromString(getenv("REWARD_RATE", "0.05")); err != nil {
		return nil, fmt.Errorf("invalid REWARD_RATE: %w", err)
	}

	for _, d := range []struct {
		key, def string
		dst      *time.Duration
	}{
		{"CONFIRM_TIMEOUT", "30s", &cfg.ConfirmTimeout},
		{"POLL_INTERVAL", "1s", &cfg.PollInterval},
		{"REBROADCAST_AFTER", "2m", &cfg.RebroadcastAfter},
		{"POOL_CACHE_TTL", "15s", &cfg.PoolCacheTTL},
	} {
		v, err := time.ParseDuration(getenv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
