package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("LEDGER_RPC_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Simulated())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int32(9), cfg.TokenDecimals)
	assert.Equal(t, "1", cfg.MinStake.String())
	assert.Equal(t, "0.05", cfg.RewardRate.String())
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
}

func TestLoadValidation(t *testing.T) {
	t.Run("jwt secret required", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("live ledger needs program accounts", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("LEDGER_RPC_URL", "http://localhost:8899")
		t.Setenv("STAKING_PROGRAM_ID", "")
		_, err := Load()
		assert.ErrorContains(t, err, "required when LEDGER_RPC_URL is set")
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("LEDGER_RPC_URL", "")
		t.Setenv("CONFIRM_TIMEOUT", "soon")
		_, err := Load()
		assert.ErrorContains(t, err, "CONFIRM_TIMEOUT")
	})
}
