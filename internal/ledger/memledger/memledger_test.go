package memledger

import (
	"context"
	"errors"
	"testing"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/instruction"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pool = instruction.Pool{
	Program:          ledger.Derive(ledger.Address{1}, ledger.Address{}, "program"),
	Mint:             ledger.Derive(ledger.Address{2}, ledger.Address{}, "mint"),
	RewardsAuthority: ledger.Derive(ledger.Address{3}, ledger.Address{}, "rewards"),
	Rules:            amount.Rules{Decimals: 0, Minimum: amount.FromInt(1)},
}

func signed(t *testing.T, l *Ledger, key *ledger.Keypair, action domain.Action, amt int64, memo string) *ledger.SignedTransaction {
	t.Helper()
	plan, err := instruction.Build(context.Background(), instruction.Request{
		Action:    action,
		Principal: key.PublicKey(),
		Amount:    amount.FromInt(amt),
	}, pool, l)
	require.NoError(t, err)
	tx, err := ledger.Sign(plan.Transaction(memo), key)
	require.NoError(t, err)
	return tx
}

func status(t *testing.T, l *Ledger, h ledger.Handle) ledger.OperationStatus {
	t.Helper()
	st, err := l.OperationStatus(context.Background(), h)
	require.NoError(t, err)
	return st
}

func TestStakeAndUnstakeMoveBalances(t *testing.T) {
	ctx := context.Background()
	key, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	l := New()
	user := pool.UserTokenAccount(key.PublicKey())
	l.Fund(user, 100)

	h, err := l.Submit(ctx, signed(t, l, key, domain.ActionStake, 60, "s"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, status(t, l, h).Status)
	assert.Equal(t, uint64(40), l.Balance(user))
	assert.Equal(t, uint64(60), l.Balance(pool.StakePosition(key.PublicKey())))
	assert.Equal(t, uint64(60), l.Balance(pool.PoolTokenAccount()))

	h, err = l.Submit(ctx, signed(t, l, key, domain.ActionUnstake, 70, "u"))
	require.NoError(t, err)
	st := status(t, l, h)
	assert.Equal(t, ledger.StatusRejected, st.Status)
	assert.Contains(t, st.Reason, "insufficient funds")
	assert.Equal(t, uint64(60), l.Balance(pool.StakePosition(key.PublicKey())), "rejected transactions change nothing")

	_, err = l.Submit(ctx, signed(t, l, key, domain.ActionUnstake, 60, "u2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), l.Balance(user))
	assert.Equal(t, 2, l.Applied())
}

func TestResubmissionIsNoop(t *testing.T) {
	ctx := context.Background()
	key, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	l := New()
	l.Fund(pool.UserTokenAccount(key.PublicKey()), 100)

	tx := signed(t, l, key, domain.ActionStake, 10, "once")
	for i := 0; i < 3; i++ {
		h, err := l.Submit(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, tx.Handle(), h)
	}
	assert.Equal(t, 3, l.Submissions())
	assert.Equal(t, 1, l.Applied())
}

func TestFaucetFundsUnknownStakers(t *testing.T) {
	ctx := context.Background()
	key, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	l := New()

	h, err := l.Submit(ctx, signed(t, l, key, domain.ActionStake, 5, "dry"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, status(t, l, h).Status)

	l.SetFaucet(50)
	h, err = l.Submit(ctx, signed(t, l, key, domain.ActionStake, 5, "wet"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, status(t, l, h).Status)
	assert.Equal(t, uint64(45), l.Balance(pool.UserTokenAccount(key.PublicKey())))
}

func TestForgedSignatureRejected(t *testing.T) {
	key, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	l := New()
	tx := signed(t, l, key, domain.ActionStake, 5, "forged")
	tx.Signature[0] ^= 0xff

	_, err = l.Submit(context.Background(), tx)
	var rej *ledger.RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Zero(t, l.Submissions())
}
