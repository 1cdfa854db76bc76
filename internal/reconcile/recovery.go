package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_recovery_sweeps_total",
		Help: "Recovery sweeps by scope",
	}, []string{"scope"})

	sweepResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_recovery_resolutions_total",
		Help: "Operations handled by the recovery sweep, by result",
	}, []string{"result"})
)

type RecovererConfig struct {
	// ConfirmTimeout is the minimum age before an operation is swept.
	ConfirmTimeout time.Duration
	// RebroadcastAfter is the age after which an operation the ledger has
	// never seen is resubmitted from its stored payload.
	RebroadcastAfter time.Duration
	BatchSize        int
	Concurrency      int
	// MaxRetryElapsed bounds backoff on store failures for one operation.
	MaxRetryElapsed time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned     int
	Committed   int
	Rejected    int
	Unknown     int
	Rebroadcast int
	Failed      int
}

func (r *SweepResult) add(o SweepResult) {
	r.Scanned += o.Scanned
	r.Committed += o.Committed
	r.Rejected += o.Rejected
	r.Unknown += o.Unknown
	r.Rebroadcast += o.Rebroadcast
	r.Failed += o.Failed
}

// Recoverer re-resolves non-terminal operations by querying the ledger.
type Recoverer struct {
	store      store.Store
	ledger     *ledger.Client
	reconciler *Reconciler
	cfg        RecovererConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewRecoverer(s store.Store, lc *ledger.Client, rec *Reconciler, cfg RecovererConfig, log *zap.Logger) *Recoverer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 30 * time.Second
	}
	return &Recoverer{store: s, ledger: lc, reconciler: rec, cfg: cfg, log: log, now: time.Now}
}

// Sweep resolves every non-terminal operation older than the confirm
// timeout. Per-operation failures are counted, not returned; they remain
// non-terminal for the next sweep.
func (r *Recoverer) Sweep(ctx context.Context) (SweepResult, error) {
	sweepRuns.WithLabelValues("all").Inc()
	ops, err := r.store.ListUnresolved(ctx, r.now().Add(-r.cfg.ConfirmTimeout), r.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list unresolved: %w", err)
	}
	return r.resolveAll(ctx, ops)
}

// SweepAccount resolves every non-terminal operation of one account
// regardless of age.
func (r *Recoverer) SweepAccount(ctx context.Context, accountID int64) (SweepResult, error) {
	sweepRuns.WithLabelValues("account").Inc()
	ops, err := r.store.ListUnresolvedForAccount(ctx, accountID)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list unresolved for account %d: %w", accountID, err)
	}
	return r.resolveAll(ctx, ops)
}

func (r *Recoverer) resolveAll(ctx context.Context, ops []domain.PendingOperation) (SweepResult, error) {
	var (
		mu    sync.Mutex
		total SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range ops {
		op := ops[i]
		g.Go(func() error {
			res := r.resolve(gctx, op)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if total.Scanned > 0 {
		r.log.Info("recovery sweep finished",
			zap.Int("scanned", total.Scanned),
			zap.Int("committed", total.Committed),
			zap.Int("rejected", total.Rejected),
			zap.Int("unknown", total.Unknown),
			zap.Int("rebroadcast", total.Rebroadcast),
			zap.Int("failed", total.Failed))
	}
	return total, err
}

func (r *Recoverer) resolve(ctx context.Context, op domain.PendingOperation) SweepResult {
	res := SweepResult{Scanned: 1}
	log := r.log.With(zap.String("key", op.IdempotencyKey), zap.String("ref", op.LedgerRef))
	h := ledger.Handle(op.LedgerRef)

	out, found, err := r.ledger.Status(ctx, h)
	if err != nil {
		log.Warn("status query failed", zap.Error(err))
		res.Failed++
		sweepResolutions.WithLabelValues("failed").Inc()
		return res
	}

	if !found {
		out = ledger.Unknown(h)
		if r.now().Sub(op.CreatedAt) >= r.cfg.RebroadcastAfter && len(op.Payload) > 0 {
			rebroadcast, err := r.rebroadcast(ctx, op)
			switch {
			case err == nil:
				res.Rebroadcast++
				sweepResolutions.WithLabelValues("rebroadcast").Inc()
				if again, ok, err := r.ledger.Status(ctx, h); err == nil && ok {
					out = again
				}
			case errors.Is(err, domain.ErrRejected):
				out = rebroadcast
			default:
				log.Warn("rebroadcast failed", zap.Error(err))
			}
		}
	}

	ev, err := r.reconcileWithRetry(ctx, op.IdempotencyKey, out)
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
		res.Failed++
		sweepResolutions.WithLabelValues("failed").Inc()
		return res
	}
	switch {
	case ev.Replayed:
	case ev.Kind == domain.EventRejected:
		res.Rejected++
		sweepResolutions.WithLabelValues("rejected").Inc()
	case ev.Kind == domain.EventUnresolved:
		res.Unknown++
		sweepResolutions.WithLabelValues("unknown").Inc()
	default:
		res.Committed++
		sweepResolutions.WithLabelValues("committed").Inc()
	}
	return res
}

// rebroadcast resubmits the stored signed payload. The handle is derived
// from the payload, so a transaction that did land is never applied twice.
func (r *Recoverer) rebroadcast(ctx context.Context, op domain.PendingOperation) (ledger.Outcome, error) {
	tx, err := ledger.DecodeSignedTransaction(op.Payload)
	if err != nil {
		return ledger.Outcome{}, fmt.Errorf("decode stored payload: %w", err)
	}
	h, err := r.ledger.Submit(ctx, tx)
	if err != nil {
		var rej *ledger.RejectedError
		if errors.As(err, &rej) {
			return ledger.Rejected(h, rej.Reason), err
		}
		return ledger.Outcome{}, err
	}
	return ledger.Unknown(h), nil
}

func (r *Recoverer) reconcileWithRetry(ctx context.Context, key string, out ledger.Outcome) (domain.DomainEvent, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = r.cfg.MaxRetryElapsed

	var ev domain.DomainEvent
	err := backoff.RetryNotify(func() error {
		var err error
		ev, err = r.reconciler.Reconcile(ctx, key, out)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		r.log.Warn("reconcile retry", zap.String("key", key), zap.Duration("wait", wait), zap.Error(err))
	})
	return ev, err
}

// Start runs one sweep immediately, to recover operations left behind by a
// previous process, then schedules Sweep on spec. Stop the returned cron to
// end scheduling.
func (r *Recoverer) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log})))
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("recovery sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	if _, err := r.Sweep(ctx); err != nil {
		r.log.Error("startup recovery sweep failed", zap.Error(err))
	}
	c.Start()
	return c, nil
}

// cronLogger adapts zap to cron's logger interface.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
