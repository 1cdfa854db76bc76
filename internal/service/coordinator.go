// Package service sequences stake, unstake and claim requests through
// validation, signing, submission, confirmation and reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/instruction"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/lock"
	"github.com/punchamoorthee/stakeops/internal/oracle"
	"github.com/punchamoorthee/stakeops/internal/reconcile"
	"github.com/punchamoorthee/stakeops/internal/store"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_actions_total",
		Help: "Coordinator requests by action and result",
	}, []string{"action", "result"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_action_duration_seconds",
		Help:    "Time spent in Perform, including ledger confirmation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"action"})
)

type Config struct {
	Pool           instruction.Pool
	ConfirmTimeout time.Duration
}

// Coordinator owns the request lifecycle. Requests for one principal are
// serialized through the Locker; different principals proceed in parallel.
type Coordinator struct {
	store       store.Store
	ledger      *ledger.Client
	keyring     ledger.Keyring
	reconciler  *reconcile.Reconciler
	oracle      *oracle.Oracle
	locker      lock.Locker
	eligibility amount.Eligibility
	cfg         Config
	log         *zap.Logger
}

func NewCoordinator(
	s store.Store,
	lc *ledger.Client,
	keyring ledger.Keyring,
	rec *reconcile.Reconciler,
	o *oracle.Oracle,
	locker lock.Locker,
	eligibility amount.Eligibility,
	cfg Config,
	log *zap.Logger,
) *Coordinator {
	if eligibility == nil {
		eligibility = amount.AllowAll{}
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:       s,
		ledger:      lc,
		keyring:     keyring,
		reconciler:  rec,
		oracle:      o,
		locker:      locker,
		eligibility: eligibility,
		cfg:         cfg,
		log:         log,
	}
}

func (c *Coordinator) PerformStake(ctx context.Context, principal string, amt amount.Amount, key string) (*domain.Receipt, error) {
	return c.Perform(ctx, principal, domain.ActionStake, amt, key)
}

func (c *Coordinator) PerformUnstake(ctx context.Context, principal string, amt amount.Amount, key string) (*domain.Receipt, error) {
	return c.Perform(ctx, principal, domain.ActionUnstake, amt, key)
}

func (c *Coordinator) PerformClaim(ctx context.Context, principal string, amt amount.Amount, key string) (*domain.Receipt, error) {
	return c.Perform(ctx, principal, domain.ActionClaim, amt, key)
}

// Perform runs one operation to a terminal outcome or to the confirm
// timeout. An empty key is replaced with a generated one.
//
// ErrRejected and ErrUnresolved are returned together with a receipt that
// carries the idempotency key and ledger reference, so callers can poll.
func (c *Coordinator) Perform(ctx context.Context, principal string, action domain.Action, amt amount.Amount, key string) (*domain.Receipt, error) {
	timer := prometheus.NewTimer(actionDuration.WithLabelValues(string(action)))
	defer timer.ObserveDuration()

	rcpt, err := c.perform(ctx, principal, action, amt, key)
	actionsTotal.WithLabelValues(string(action), resultLabel(rcpt, err)).Inc()
	return rcpt, err
}

func resultLabel(rcpt *domain.Receipt, err error) string {
	switch {
	case err == nil && rcpt.Replayed:
		return "replayed"
	case err == nil:
		return "committed"
	case errors.Is(err, domain.ErrUnresolved):
		return "unresolved"
	case errors.Is(err, domain.ErrRejected):
		return "rejected"
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrBelowMinimum),
		errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrAmbiguousUnstake),
		errors.Is(err, domain.ErrNotEligible), errors.Is(err, domain.ErrIdempotencyMismatch),
		errors.Is(err, domain.ErrInvalidAction):
		return "invalid"
	}
	return "error"
}

func (c *Coordinator) perform(ctx context.Context, principal string, action domain.Action, amt amount.Amount, key string) (*domain.Receipt, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAction, action)
	}
	addr, err := ledger.ParseAddress(principal)
	if err != nil {
		return nil, fmt.Errorf("principal %q: %w", principal, err)
	}
	if key == "" {
		key = ksuid.New().String()
	}

	release, err := c.locker.Lock(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("lock principal: %w", err)
	}
	defer release()

	acc, err := c.store.EnsureAccount(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	existing, err := c.store.GetPending(ctx, key)
	switch {
	case err == nil:
		return c.replay(ctx, existing, acc, action, amt)
	case !errors.Is(err, domain.ErrOperationNotFound):
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	signer, err := c.keyring.SignerFor(ctx, addr)
	if err != nil {
		return nil, err
	}
	req := instruction.Request{Action: action, Principal: addr, Authority: signer.PublicKey(), Amount: amt}
	if err := c.precheck(ctx, acc, &req); err != nil {
		return nil, err
	}

	plan, err := instruction.Build(ctx, req, c.cfg.Pool, c.ledger)
	if err != nil {
		return nil, err
	}
	if action == domain.ActionUnstake {
		active, err := c.store.ActiveStakes(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		if _, err := reconcile.MatchFIFO(active, amt); err != nil {
			return nil, err
		}
	}

	signed, err := ledger.Sign(plan.Transaction(key), signer)
	if err != nil {
		return nil, err
	}
	ref := signed.Handle()

	// The handle is known before submission, so the anchor row is durable
	// before the ledger can apply anything.
	op, created, err := c.store.CreatePending(ctx, &domain.PendingOperation{
		IdempotencyKey: key,
		AccountID:      acc.ID,
		Kind:           action,
		Amount:         plan.Amount,
		Status:         domain.OpSubmitted,
		LedgerRef:      ref.String(),
		Payload:        signed.Encode(),
	})
	if err != nil {
		return nil, fmt.Errorf("record pending operation: %w", err)
	}
	if !created {
		return c.replay(ctx, op, acc, action, amt)
	}

	log := c.log.With(zap.String("key", key), zap.String("action", string(action)), zap.String("ref", ref.String()))
	out := c.submit(ctx, signed, log)

	// The outcome must be recorded even if the caller has gone away.
	persist := context.WithoutCancel(ctx)
	ev, err := c.reconciler.Reconcile(persist, key, out)
	c.oracle.Invalidate(addr)
	if err != nil {
		log.Error("reconcile after confirm failed", zap.Error(err))
		return receipt(op, nil), fmt.Errorf("%w: %v", domain.ErrUnresolved, err)
	}
	return finish(op, ev)
}

// submit hands the transaction to the ledger and waits for its outcome. An
// ambiguous submission is treated like a confirm timeout.
func (c *Coordinator) submit(ctx context.Context, signed *ledger.SignedTransaction, log *zap.Logger) ledger.Outcome {
	ref := signed.Handle()
	if _, err := c.ledger.Submit(ctx, signed); err != nil {
		var rej *ledger.RejectedError
		if errors.As(err, &rej) {
			log.Info("ledger rejected submission", zap.String("reason", rej.Reason))
			return ledger.Rejected(ref, rej.Reason)
		}
		log.Warn("submission outcome ambiguous", zap.Error(err))
		return ledger.Unknown(ref)
	}
	return c.ledger.Confirm(ctx, ref, c.cfg.ConfirmTimeout)
}

// precheck applies eligibility and local balance limits before anything is
// signed.
func (c *Coordinator) precheck(ctx context.Context, acc *domain.Account, req *instruction.Request) error {
	switch req.Action {
	case domain.ActionStake:
		verdict, err := c.eligibility.Check(ctx, acc.PrincipalKey)
		if err != nil {
			return fmt.Errorf("eligibility check: %w", err)
		}
		if !verdict.Eligible {
			return domain.ErrNotEligible
		}
		if verdict.MaxStake.IsPositive() {
			totals, err := c.store.AccountTotals(ctx, acc.ID)
			if err != nil {
				return err
			}
			if totals.ActiveStaked.Add(req.Amount).Cmp(verdict.MaxStake) > 0 {
				return fmt.Errorf("%w: stake would exceed cap of %s", domain.ErrNotEligible, verdict.MaxStake)
			}
		}
	case domain.ActionUnstake:
		view, err := c.oracle.CurrentStake(ctx, acc.ID)
		if err != nil {
			return err
		}
		available := view.Current
		if view.LedgerKnown && view.Ledger.Cmp(available) < 0 {
			available = view.Ledger
		}
		req.Available = &available
	case domain.ActionClaim:
		view, err := c.oracle.AccruedRewards(ctx, acc.ID)
		if err != nil {
			return err
		}
		req.Available = &view.Amount
	}
	return nil
}

// replay answers a request whose key was seen before. A non-terminal
// operation is given one status check so that a retry can observe a
// resolution the sweep has not reached yet.
func (c *Coordinator) replay(ctx context.Context, op *domain.PendingOperation, acc *domain.Account, action domain.Action, amt amount.Amount) (*domain.Receipt, error) {
	if op.AccountID != acc.ID || op.Kind != action || !op.Amount.Equal(amt) {
		return nil, domain.ErrIdempotencyMismatch
	}

	out := ledger.Committed(ledger.Handle(op.LedgerRef))
	if !op.Status.Terminal() {
		status, found, err := c.ledger.Status(ctx, ledger.Handle(op.LedgerRef))
		if err != nil || !found || !status.Status.Terminal() {
			return receipt(op, nil), fmt.Errorf("%w: operation %s", domain.ErrUnresolved, op.IdempotencyKey)
		}
		out = status
	} else if op.Status == domain.OpRejected {
		out = ledger.Rejected(ledger.Handle(op.LedgerRef), op.Reason)
	}

	ev, err := c.reconciler.Reconcile(ctx, op.IdempotencyKey, out)
	if err != nil {
		return receipt(op, nil), fmt.Errorf("%w: %v", domain.ErrUnresolved, err)
	}
	if addr, err := ledger.ParseAddress(acc.PrincipalKey); err == nil {
		c.oracle.Invalidate(addr)
	}
	rcpt, err := finish(op, ev)
	if rcpt != nil {
		rcpt.Replayed = true
	}
	return rcpt, err
}

func finish(op *domain.PendingOperation, ev domain.DomainEvent) (*domain.Receipt, error) {
	rcpt := receipt(op, &ev)
	switch ev.Kind {
	case domain.EventRejected:
		rcpt.Status = domain.OpRejected
		return rcpt, fmt.Errorf("%w: %s", domain.ErrRejected, ev.Reason)
	case domain.EventUnresolved:
		rcpt.Status = domain.OpUnknown
		return rcpt, fmt.Errorf("%w: operation %s", domain.ErrUnresolved, op.IdempotencyKey)
	}
	rcpt.Status = domain.OpCommitted
	rcpt.Replayed = ev.Replayed
	return rcpt, nil
}

func receipt(op *domain.PendingOperation, ev *domain.DomainEvent) *domain.Receipt {
	return &domain.Receipt{
		IdempotencyKey: op.IdempotencyKey,
		Action:         op.Kind,
		Amount:         op.Amount,
		LedgerRef:      op.LedgerRef,
		Status:         op.Status,
		Event:          ev,
	}
}

// Operation returns the pending operation key if it belongs to principal.
func (c *Coordinator) Operation(ctx context.Context, principal, key string) (*domain.PendingOperation, error) {
	acc, err := c.store.AccountByPrincipal(ctx, principal)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, err
	}
	op, err := c.store.GetPending(ctx, key)
	if err != nil {
		return nil, err
	}
	if op.AccountID != acc.ID {
		return nil, domain.ErrOperationNotFound
	}
	return op, nil
}
