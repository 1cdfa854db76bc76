package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/events"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store    *store.Memory
	rec      *Reconciler
	events   *events.Recorder
	account  *domain.Account
	nextTime time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemory()
	acc, err := s.EnsureAccount(context.Background(), "principal")
	require.NoError(t, err)
	h := &harness{
		store:    s,
		events:   events.NewRecorder(64),
		account:  acc,
		nextTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.rec = NewReconciler(s, h.events, zap.NewNop())
	// Strictly increasing timestamps make FIFO order observable.
	h.rec.now = func() time.Time {
		h.nextTime = h.nextTime.Add(time.Second)
		return h.nextTime
	}
	return h
}

func (h *harness) pending(t *testing.T, key string, kind domain.Action, amt, ref string) {
	t.Helper()
	_, created, err := h.store.CreatePending(context.Background(), &domain.PendingOperation{
		IdempotencyKey: key,
		AccountID:      h.account.ID,
		Kind:           kind,
		Amount:         amount.MustParse(amt),
		Status:         domain.OpSubmitted,
		LedgerRef:      ref,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) commit(t *testing.T, key string, kind domain.Action, amt, ref string) domain.DomainEvent {
	t.Helper()
	h.pending(t, key, kind, amt, ref)
	ev, err := h.rec.Reconcile(context.Background(), key, ledger.Committed(ledger.Handle(ref)))
	require.NoError(t, err)
	return ev
}

func (h *harness) activeSum(t *testing.T) amount.Amount {
	t.Helper()
	totals, err := h.store.AccountTotals(context.Background(), h.account.ID)
	require.NoError(t, err)
	return totals.ActiveStaked
}

func TestReconcileStakeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := h.commit(t, "k1", domain.ActionStake, "100", "ref-1")
	assert.Equal(t, domain.EventStaked, ev.Kind)
	assert.False(t, ev.Replayed)
	require.Len(t, ev.StakeIDs, 1)

	again, err := h.rec.Reconcile(ctx, "k1", ledger.Committed("ref-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, ev.StakeIDs, again.StakeIDs)

	stakes, err := h.store.Stakes(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Len(t, stakes, 1)
	assert.True(t, h.activeSum(t).Equal(amount.FromInt(100)))

	op, err := h.store.GetPending(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.OpCommitted, op.Status)
	assert.NotNil(t, op.ResolvedAt)

	published := h.events.Drain()
	require.Len(t, published, 1, "replays are not republished")
	assert.Equal(t, domain.EventStaked, published[0].Kind)
}

func TestConcurrentReconcileAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pending(t, "race", domain.ActionStake, "40", "ref-race")

	const workers = 16
	results := make(chan domain.DomainEvent, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := h.rec.Reconcile(ctx, "race", ledger.Committed("ref-race"))
			assert.NoError(t, err)
			results <- ev
		}()
	}
	wg.Wait()
	close(results)

	var fresh, replayed int
	for ev := range results {
		assert.Equal(t, domain.EventStaked, ev.Kind)
		if ev.Replayed {
			replayed++
		} else {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, workers-1, replayed)

	stakes, err := h.store.Stakes(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Len(t, stakes, 1)
	assert.True(t, h.activeSum(t).Equal(amount.FromInt(40)))
	assert.Len(t, h.events.Drain(), 1)
}

func TestReconcileClaimReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := h.commit(t, "claim-1", domain.ActionClaim, "5", "sig-1")
	assert.Equal(t, domain.EventClaimed, ev.Kind)
	assert.NotZero(t, ev.RewardID)

	again, err := h.rec.Reconcile(ctx, "claim-1", ledger.Committed("sig-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, ev.RewardID, again.RewardID)

	totals, err := h.store.AccountTotals(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.RewardCount)
	assert.True(t, totals.Claimed.Equal(amount.FromInt(5)))
}

func TestReconcileRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pending(t, "k1", domain.ActionStake, "10", "ref-r")

	ev, err := h.rec.Reconcile(ctx, "k1", ledger.Rejected("ref-r", "insufficient funds"))
	require.NoError(t, err)
	assert.Equal(t, domain.EventRejected, ev.Kind)
	assert.Equal(t, "insufficient funds", ev.Reason)

	stakes, err := h.store.Stakes(ctx, h.account.ID)
	require.NoError(t, err)
	assert.Empty(t, stakes)

	t.Run("terminal status is never overwritten", func(t *testing.T) {
		ev, err := h.rec.Reconcile(ctx, "k1", ledger.Committed("ref-r"))
		require.NoError(t, err)
		assert.True(t, ev.Replayed)
		assert.Equal(t, domain.EventRejected, ev.Kind)

		stakes, err := h.store.Stakes(ctx, h.account.ID)
		require.NoError(t, err)
		assert.Empty(t, stakes)
	})
}

func TestReconcileUnknownThenCommitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pending(t, "k1", domain.ActionStake, "10", "ref-u")

	for i := 1; i <= 2; i++ {
		ev, err := h.rec.Reconcile(ctx, "k1", ledger.Unknown("ref-u"))
		require.NoError(t, err)
		assert.Equal(t, domain.EventUnresolved, ev.Kind)

		op, err := h.store.GetPending(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, domain.OpUnknown, op.Status)
		assert.Equal(t, i, op.Attempts)
		assert.Nil(t, op.ResolvedAt)
	}
	assert.Empty(t, h.events.Drain())

	ev, err := h.rec.Reconcile(ctx, "k1", ledger.Committed("ref-u"))
	require.NoError(t, err)
	assert.Equal(t, domain.EventStaked, ev.Kind)
	assert.True(t, h.activeSum(t).Equal(amount.FromInt(10)))
}

func TestReconcileUnstakeFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s1 := h.commit(t, "s1", domain.ActionStake, "30", "st-1")
	s2 := h.commit(t, "s2", domain.ActionStake, "10", "st-2")
	h.commit(t, "s3", domain.ActionStake, "20", "st-3")

	t.Run("whole rows oldest first", func(t *testing.T) {
		ev := h.commit(t, "u1", domain.ActionUnstake, "40", "un-1")
		assert.Equal(t, domain.EventUnstaked, ev.Kind)
		assert.Equal(t, []int64{s1.StakeIDs[0], s2.StakeIDs[0]}, ev.StakeIDs)
		assert.True(t, h.activeSum(t).Equal(amount.FromInt(20)))

		stakes, err := h.store.Stakes(ctx, h.account.ID)
		require.NoError(t, err)
		for _, s := range stakes[:2] {
			assert.Equal(t, domain.StakeCompleted, s.Status)
			assert.NotNil(t, s.EndedAt)
			assert.Equal(t, "un-1", s.EndedRef)
		}

		again, err := h.rec.Reconcile(ctx, "u1", ledger.Committed("un-1"))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, ev.StakeIDs, again.StakeIDs)
	})

	t.Run("partial row stays unresolved", func(t *testing.T) {
		h.pending(t, "u2", domain.ActionUnstake, "15", "un-2")
		_, err := h.rec.Reconcile(ctx, "u2", ledger.Committed("un-2"))
		assert.ErrorIs(t, err, domain.ErrAmbiguousUnstake)
		assert.False(t, IsRetryable(err))

		op, err := h.store.GetPending(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, domain.OpSubmitted, op.Status)
		assert.True(t, h.activeSum(t).Equal(amount.FromInt(20)))
	})
}

func TestReconcileMissingOperation(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Reconcile(context.Background(), "nope", ledger.Committed("x"))
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)
}

func TestMatchFIFO(t *testing.T) {
	stakes := []domain.Stake{
		{ID: 1, Amount: amount.FromInt(100)},
		{ID: 2, Amount: amount.MustParse("0.5")},
		{ID: 3, Amount: amount.FromInt(7)},
	}
	for _, tc := range []struct {
		amt  string
		want []int64
	}{
		{"100", []int64{1}},
		{"100.5", []int64{1, 2}},
		{"107.5", []int64{1, 2, 3}},
		{"50", nil},
		{"7", nil},
		{"108", nil},
	} {
		t.Run(tc.amt, func(t *testing.T) {
			got, err := MatchFIFO(stakes, amount.MustParse(tc.amt))
			if tc.want == nil {
				assert.ErrorIs(t, err, domain.ErrAmbiguousUnstake)
				return
			}
			require.NoError(t, err)
			ids := make([]int64, len(got))
			for i, s := range got {
				ids[i] = s.ID
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}
