package instruction

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checker struct {
	exists map[ledger.Address]bool
	err    error
	calls  int
}

func (c *checker) AccountExists(_ context.Context, addr ledger.Address) (bool, error) {
	c.calls++
	return c.exists[addr], c.err
}

func testPool() Pool {
	return Pool{
		Program:          ledger.Derive(ledger.Address{1}, ledger.Address{}, "program"),
		Mint:             ledger.Derive(ledger.Address{2}, ledger.Address{}, "mint"),
		RewardsAuthority: ledger.Derive(ledger.Address{3}, ledger.Address{}, "rewards"),
		Rules:            amount.Rules{Decimals: 9, Minimum: amount.FromInt(1)},
	}
}

func TestBuildStake(t *testing.T) {
	pool := testPool()
	principal := ledger.Address{9}

	t.Run("creates pool account when missing", func(t *testing.T) {
		plan, err := Build(context.Background(), Request{
			Action:    domain.ActionStake,
			Principal: principal,
			Amount:    amount.MustParse("100.25"),
		}, pool, &checker{})
		require.NoError(t, err)
		require.Len(t, plan.Instructions, 2)
		assert.True(t, plan.CreatesAccount)

		created, err := DecodeCreateAccount(plan.Instructions[0])
		require.NoError(t, err)
		assert.Equal(t, pool.PoolTokenAccount(), created)

		ix := plan.Instructions[1]
		assert.Equal(t, DiscStake, ix.Data[0])
		assert.Equal(t, uint64(100_250_000_000), binary.LittleEndian.Uint64(ix.Data[1:]))
		assert.Equal(t, uint64(100_250_000_000), plan.Units)
	})

	t.Run("skips creation when account exists", func(t *testing.T) {
		c := &checker{exists: map[ledger.Address]bool{pool.PoolTokenAccount(): true}}
		plan, err := Build(context.Background(), Request{
			Action:    domain.ActionStake,
			Principal: principal,
			Amount:    amount.FromInt(5),
		}, pool, c)
		require.NoError(t, err)
		assert.Len(t, plan.Instructions, 1)
		assert.False(t, plan.CreatesAccount)
		assert.Equal(t, 1, c.calls)
	})

	t.Run("rejects below minimum without lookups", func(t *testing.T) {
		c := &checker{}
		_, err := Build(context.Background(), Request{
			Action:    domain.ActionStake,
			Principal: principal,
			Amount:    amount.MustParse("0.5"),
		}, pool, c)
		assert.ErrorIs(t, err, domain.ErrBelowMinimum)
		assert.Zero(t, c.calls)
	})

	t.Run("rejects non-positive", func(t *testing.T) {
		_, err := Build(context.Background(), Request{
			Action:    domain.ActionStake,
			Principal: principal,
			Amount:    amount.Zero,
		}, pool, &checker{})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("surfaces lookup failure", func(t *testing.T) {
		_, err := Build(context.Background(), Request{
			Action:    domain.ActionStake,
			Principal: principal,
			Amount:    amount.FromInt(2),
		}, pool, &checker{err: errors.New("rpc down")})
		assert.ErrorIs(t, err, domain.ErrAccountLookupFailed)
	})
}

func TestBuildWithdrawals(t *testing.T) {
	pool := testPool()
	principal := ledger.Address{7}
	available := amount.FromInt(10)

	t.Run("unstake over available", func(t *testing.T) {
		_, err := Build(context.Background(), Request{
			Action:    domain.ActionUnstake,
			Principal: principal,
			Amount:    amount.FromInt(11),
			Available: &available,
		}, pool, &checker{})
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	})

	t.Run("claim below stake minimum is allowed", func(t *testing.T) {
		plan, err := Build(context.Background(), Request{
			Action:    domain.ActionClaim,
			Principal: principal,
			Amount:    amount.MustParse("0.25"),
			Available: &available,
		}, pool, &checker{exists: map[ledger.Address]bool{pool.UserTokenAccount(principal): true}})
		require.NoError(t, err)
		require.Len(t, plan.Instructions, 1)

		op, err := Decode(plan.Instructions[0])
		require.NoError(t, err)
		assert.Equal(t, domain.ActionClaim, op.Action)
		assert.Equal(t, pool.RewardsTokenAccount(), op.Source)
		assert.Equal(t, pool.UserTokenAccount(principal), op.Destination)
		assert.Equal(t, pool.RewardPosition(principal), op.Position)
		assert.Equal(t, principal, op.Authority)
		assert.Equal(t, uint64(250_000_000), op.Units)
	})

	t.Run("unstake uses delegated authority", func(t *testing.T) {
		delegate := ledger.Address{42}
		plan, err := Build(context.Background(), Request{
			Action:    domain.ActionUnstake,
			Principal: principal,
			Authority: delegate,
			Amount:    amount.FromInt(3),
		}, pool, &checker{})
		require.NoError(t, err)
		require.Len(t, plan.Instructions, 2)

		op, err := Decode(plan.Instructions[1])
		require.NoError(t, err)
		assert.Equal(t, domain.ActionUnstake, op.Action)
		assert.Equal(t, delegate, op.Authority)
		assert.Equal(t, pool.StakePosition(principal), op.Position)
		assert.Equal(t, DiscUnstake, plan.Instructions[1].Data[0])
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Build(context.Background(), Request{Action: "burn", Amount: amount.FromInt(1)}, pool, &checker{})
		assert.ErrorIs(t, err, domain.ErrInvalidAction)
	})
}

func TestDecodeRejectsForeignData(t *testing.T) {
	_, err := Decode(ledger.Instruction{Data: []byte{9, 0, 0, 0, 0, 0, 0, 0, 0}, Accounts: make([]ledger.AccountMeta, 4)})
	assert.ErrorIs(t, err, ErrUnknownInstruction)

	_, err = Decode(ledger.Instruction{Data: []byte{0}})
	assert.ErrorIs(t, err, ErrUnknownInstruction)
}
