// Package reconcile applies confirmed ledger outcomes to the local mirror
// exactly once, and recovers operations whose outcome was never observed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/events"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/store"
	"go.uber.org/zap"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_reconcile_transitions_total",
		Help: "Pending operation status transitions",
	}, []string{"kind", "from", "to"})

	replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_reconcile_replays_total",
		Help: "Reconcile calls on already resolved operations",
	}, []string{"kind"})

	effectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_reconcile_effect_failures_total",
		Help: "Committed outcomes whose domain effect could not be applied",
	}, []string{"kind"})
)

type Reconciler struct {
	store     store.Store
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewReconciler(s store.Store, pub events.Publisher, log *zap.Logger) *Reconciler {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Reconciler{store: s, publisher: pub, log: log, now: time.Now}
}

// Reconcile moves the operation identified by key according to out and
// returns the resulting event. A terminal operation is never mutated again:
// the event describing its earlier resolution is returned with Replayed set.
//
// A committed outcome whose effect cannot be applied (for example an unstake
// that no longer matches whole active stakes) rolls back and leaves the
// operation non-terminal.
func (r *Reconciler) Reconcile(ctx context.Context, key string, out ledger.Outcome) (domain.DomainEvent, error) {
	var (
		ev   domain.DomainEvent
		kind domain.Action
		from domain.OperationStatus
	)
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		op, err := tx.LockPending(ctx, key)
		if err != nil {
			return err
		}
		kind, from = op.Kind, op.Status

		if op.Status.Terminal() {
			if out.Status.Terminal() && out.Status != op.Status {
				r.log.Warn("outcome contradicts resolved operation",
					zap.String("key", key),
					zap.String("resolved", string(op.Status)),
					zap.String("outcome", string(out.Status)))
			}
			ev, err = r.replay(ctx, tx, op)
			return err
		}

		now := r.now().UTC()
		if out.Ref != "" && out.Ref.String() != op.LedgerRef {
			if op.LedgerRef != "" {
				r.log.Warn("ledger reference changed", zap.String("key", key),
					zap.String("stored", op.LedgerRef), zap.String("outcome", out.Ref.String()))
			}
			op.LedgerRef = out.Ref.String()
		}
		ev = domain.DomainEvent{
			IdempotencyKey: op.IdempotencyKey,
			AccountID:      op.AccountID,
			Amount:         op.Amount,
			LedgerRef:      op.LedgerRef,
			At:             now,
		}

		switch out.Status {
		case domain.OpCommitted:
			if err := r.apply(ctx, tx, op, &ev, now); err != nil {
				effectFailures.WithLabelValues(string(op.Kind)).Inc()
				return err
			}
			op.Status, op.Reason, op.ResolvedAt = domain.OpCommitted, "", &now
		case domain.OpRejected:
			op.Status, op.Reason, op.ResolvedAt = domain.OpRejected, out.Reason, &now
			ev.Kind, ev.Reason = domain.EventRejected, out.Reason
		default:
			op.Status = domain.OpUnknown
			op.Attempts++
			ev.Kind = domain.EventUnresolved
		}
		return tx.UpdatePending(ctx, op, from)
	})
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("reconcile %s: %w", key, err)
	}

	if ev.Replayed {
		replays.WithLabelValues(string(ev.Kind)).Inc()
		return ev, nil
	}
	to := domain.OpUnknown
	switch ev.Kind {
	case domain.EventRejected:
		to = domain.OpRejected
	case domain.EventStaked, domain.EventUnstaked, domain.EventClaimed:
		to = domain.OpCommitted
	}
	transitions.WithLabelValues(string(kind), string(from), string(to)).Inc()

	if to.Terminal() {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warn("event publish failed", zap.String("key", key), zap.Error(err))
		}
	}
	return ev, nil
}

// apply performs the committed effect for op. Every effect is keyed by the
// ledger reference so a retried reconcile never duplicates rows.
func (r *Reconciler) apply(ctx context.Context, tx store.Tx, op *domain.PendingOperation, ev *domain.DomainEvent, now time.Time) error {
	ref := op.LedgerRef
	switch op.Kind {
	case domain.ActionStake:
		ev.Kind = domain.EventStaked
		existing, err := tx.StakeByRef(ctx, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			ev.StakeIDs = []int64{existing.ID}
			return nil
		}
		id, err := tx.InsertStake(ctx, &domain.Stake{
			AccountID: op.AccountID,
			Amount:    op.Amount,
			Status:    domain.StakeActive,
			StartedAt: now,
			LedgerRef: ref,
		})
		if err != nil {
			return err
		}
		ev.StakeIDs = []int64{id}

	case domain.ActionUnstake:
		ev.Kind = domain.EventUnstaked
		ended, err := tx.StakesEndedBy(ctx, ref)
		if err != nil {
			return err
		}
		if len(ended) > 0 {
			ev.StakeIDs = ended
			return nil
		}
		active, err := tx.LockActiveStakes(ctx, op.AccountID)
		if err != nil {
			return err
		}
		matched, err := MatchFIFO(active, op.Amount)
		if err != nil {
			r.log.Error("committed unstake does not match mirror",
				zap.String("key", op.IdempotencyKey),
				zap.Int64("account_id", op.AccountID),
				zap.String("amount", op.Amount.String()),
				zap.Error(err))
			return err
		}
		ids := make([]int64, len(matched))
		for i, s := range matched {
			ids[i] = s.ID
		}
		if err := tx.CompleteStakes(ctx, ids, ref, now); err != nil {
			return err
		}
		ev.StakeIDs = ids

	case domain.ActionClaim:
		ev.Kind = domain.EventClaimed
		existing, err := tx.RewardByRef(ctx, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			ev.RewardID = existing.ID
			return nil
		}
		id, err := tx.InsertReward(ctx, &domain.Reward{
			AccountID: op.AccountID,
			Amount:    op.Amount,
			ClaimedAt: now,
			LedgerRef: ref,
		})
		if err != nil {
			return err
		}
		ev.RewardID = id

	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidAction, op.Kind)
	}
	return nil
}

// replay rebuilds the event for an already resolved operation without
// writing anything.
func (r *Reconciler) replay(ctx context.Context, tx store.Tx, op *domain.PendingOperation) (domain.DomainEvent, error) {
	ev := domain.DomainEvent{
		IdempotencyKey: op.IdempotencyKey,
		AccountID:      op.AccountID,
		Amount:         op.Amount,
		LedgerRef:      op.LedgerRef,
		Replayed:       true,
	}
	if op.ResolvedAt != nil {
		ev.At = *op.ResolvedAt
	}
	if op.Status == domain.OpRejected {
		ev.Kind, ev.Reason = domain.EventRejected, op.Reason
		return ev, nil
	}

	switch op.Kind {
	case domain.ActionStake:
		ev.Kind = domain.EventStaked
		s, err := tx.StakeByRef(ctx, op.LedgerRef)
		if err != nil {
			return ev, err
		}
		if s != nil {
			ev.StakeIDs = []int64{s.ID}
		}
	case domain.ActionUnstake:
		ev.Kind = domain.EventUnstaked
		ids, err := tx.StakesEndedBy(ctx, op.LedgerRef)
		if err != nil {
			return ev, err
		}
		ev.StakeIDs = ids
	case domain.ActionClaim:
		ev.Kind = domain.EventClaimed
		rw, err := tx.RewardByRef(ctx, op.LedgerRef)
		if err != nil {
			return ev, err
		}
		if rw != nil {
			ev.RewardID = rw.ID
		}
	}
	return ev, nil
}

// IsRetryable reports whether a Reconcile error may succeed on a later
// attempt without outside intervention.
func IsRetryable(err error) bool {
	return !errors.Is(err, domain.ErrAmbiguousUnstake) &&
		!errors.Is(err, domain.ErrOperationNotFound) &&
		!errors.Is(err, domain.ErrInvalidAction)
}
