// Package oracle answers balance and statistics queries from the mirror and
// the ledger, and reports which source produced each figure.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/instruction"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/reconcile"
	"github.com/punchamoorthee/stakeops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var divergences = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stake_oracle_divergences_total",
	Help: "Mirror and ledger stake disagreements, by whether a sweep resolved them",
}, []string{"resolved"})

var year = decimal.NewFromInt(int64(365 * 24 * time.Hour))

// Source tells callers how much to trust a reported figure.
type Source string

const (
	SourceLedger   Source = "ledger"
	SourceEstimate Source = "estimate"
	SourceMirror   Source = "mirror"
)

// Balances is the read side of the ledger.
type Balances interface {
	AccountBalance(ctx context.Context, addr ledger.Address) (uint64, error)
}

// AccountSweeper resolves one account's unresolved operations.
type AccountSweeper interface {
	SweepAccount(ctx context.Context, accountID int64) (reconcile.SweepResult, error)
}

// StakeView is an account's current stake. Current is the mirror value;
// Ledger is the stake position balance when it could be read.
type StakeView struct {
	AccountID   int64         `json:"account_id"`
	Current     amount.Amount `json:"current"`
	Ledger      amount.Amount `json:"ledger"`
	LedgerKnown bool          `json:"ledger_known"`
	Diverged    bool          `json:"diverged"`
	Reconciled  bool          `json:"reconciled"`
}

// RewardView is an account's claimable rewards.
type RewardView struct {
	AccountID int64         `json:"account_id"`
	Amount    amount.Amount `json:"amount"`
	Source    Source        `json:"source"`
}

type Stats struct {
	TotalUsers              int64           `json:"totalUsers"`
	TotalStakes             int64           `json:"totalStakes"`
	ActiveStakes            int64           `json:"activeStakes"`
	TotalRewards            int64           `json:"totalRewards"`
	TotalRewardsDistributed amount.Amount   `json:"totalRewardsDistributed"`
	TotalStakedAmount       amount.Amount   `json:"totalStakedAmount"`
	TotalStakedSource       Source          `json:"totalStakedSource"`
	RewardRate              decimal.Decimal `json:"rewardRate"`
	APR                     decimal.Decimal `json:"apr"`
	RealizedYield           decimal.Decimal `json:"realizedYield"`
}

type UserStats struct {
	AccountID     int64         `json:"account_id"`
	TotalStaked   amount.Amount `json:"totalStaked"`
	CurrentStake  StakeView     `json:"currentStake"`
	ActiveStakes  int64         `json:"activeStakes"`
	TotalStakes   int64         `json:"totalStakes"`
	TotalRewards  amount.Amount `json:"totalRewards"`
	RewardsClaims int64         `json:"rewardClaims"`
	Accrued       RewardView    `json:"accrued"`
}

type Config struct {
	RewardRate decimal.Decimal
	Tolerance  amount.Amount
	CacheTTL   time.Duration
	CacheSize  int
}

type Oracle struct {
	store   store.Store
	ledger  Balances
	sweeper AccountSweeper
	pool    instruction.Pool
	cfg     Config
	cache   *expirable.LRU[ledger.Address, uint64]
	group   singleflight.Group
	log     *zap.Logger
	now     func() time.Time
}

func New(s store.Store, balances Balances, sweeper AccountSweeper, pool instruction.Pool, cfg Config, log *zap.Logger) *Oracle {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Second
	}
	return &Oracle{
		store:   s,
		ledger:  balances,
		sweeper: sweeper,
		pool:    pool,
		cfg:     cfg,
		cache:   expirable.NewLRU[ledger.Address, uint64](cfg.CacheSize, nil, cfg.CacheTTL),
		log:     log,
		now:     time.Now,
	}
}

// Invalidate drops every cached balance belonging to principal, and the pool
// total its operations change.
func (o *Oracle) Invalidate(principal ledger.Address) {
	o.cache.Remove(o.pool.StakePosition(principal))
	o.cache.Remove(o.pool.RewardPosition(principal))
	o.cache.Remove(o.pool.PoolTokenAccount())
}

// balance reads addr through the cache. A missing account reads as zero
// with found=false.
func (o *Oracle) balance(ctx context.Context, addr ledger.Address, fresh bool) (amount.Amount, bool, error) {
	if !fresh {
		if units, ok := o.cache.Get(addr); ok {
			return amount.FromBaseUnits(units, o.pool.Rules.Decimals), true, nil
		}
	}
	units, err := o.ledger.AccountBalance(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return amount.Zero, false, nil
		}
		return amount.Zero, false, err
	}
	o.cache.Add(addr, units)
	return amount.FromBaseUnits(units, o.pool.Rules.Decimals), true, nil
}

func (o *Oracle) principal(ctx context.Context, accountID int64) (ledger.Address, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.Address{}, err
	}
	return ledger.ParseAddress(acc.PrincipalKey)
}

// CurrentStake sums the account's active stakes and checks the sum against
// the ledger stake position. A divergence beyond tolerance triggers one
// recovery pass for the account before the figures are recomputed.
func (o *Oracle) CurrentStake(ctx context.Context, accountID int64) (StakeView, error) {
	principal, err := o.principal(ctx, accountID)
	if err != nil {
		return StakeView{}, err
	}

	view, err := o.compareStake(ctx, accountID, principal, false)
	if err != nil || !view.Diverged {
		return view, err
	}

	// A stale cache entry is the cheapest explanation; check again fresh.
	if view, err = o.compareStake(ctx, accountID, principal, true); err != nil || !view.Diverged {
		return view, err
	}

	if o.sweeper != nil {
		_, err, _ = o.group.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
			return o.sweeper.SweepAccount(ctx, accountID)
		})
		if err != nil {
			o.log.Warn("divergence sweep failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
		o.Invalidate(principal)
		if view, err = o.compareStake(ctx, accountID, principal, true); err != nil {
			return view, err
		}
		view.Reconciled = true
	}

	divergences.WithLabelValues(strconv.FormatBool(!view.Diverged)).Inc()
	if view.Diverged {
		o.log.Warn("stake mirror diverges from ledger",
			zap.Int64("account_id", accountID),
			zap.String("mirror", view.Current.String()),
			zap.String("ledger", view.Ledger.String()))
	}
	return view, nil
}

func (o *Oracle) compareStake(ctx context.Context, accountID int64, principal ledger.Address, fresh bool) (StakeView, error) {
	totals, err := o.store.AccountTotals(ctx, accountID)
	if err != nil {
		return StakeView{}, fmt.Errorf("account totals: %w", err)
	}
	view := StakeView{AccountID: accountID, Current: totals.ActiveStaked, Ledger: amount.Zero}

	onLedger, _, err := o.balance(ctx, o.pool.StakePosition(principal), fresh)
	if err != nil {
		o.log.Debug("stake position unavailable", zap.Int64("account_id", accountID), zap.Error(err))
		return view, nil
	}
	view.Ledger, view.LedgerKnown = onLedger, true
	view.Diverged = view.Current.Sub(onLedger).Abs().Cmp(o.cfg.Tolerance) > 0
	return view, nil
}

// AccruedRewards returns the reward position balance when the ledger
// tracks one, otherwise an estimate from the mirror.
func (o *Oracle) AccruedRewards(ctx context.Context, accountID int64) (RewardView, error) {
	principal, err := o.principal(ctx, accountID)
	if err != nil {
		return RewardView{}, err
	}

	onLedger, found, err := o.balance(ctx, o.pool.RewardPosition(principal), false)
	if err != nil {
		o.log.Debug("reward position unavailable", zap.Int64("account_id", accountID), zap.Error(err))
	}
	if err == nil && found {
		return RewardView{AccountID: accountID, Amount: onLedger, Source: SourceLedger}, nil
	}

	est, err := o.estimate(ctx, accountID)
	if err != nil {
		return RewardView{}, err
	}
	return RewardView{AccountID: accountID, Amount: est, Source: SourceEstimate}, nil
}

// estimate accrues rewardRate per year on every stake over the time it was
// active, less what was already claimed, rounded down to ledger precision.
func (o *Oracle) estimate(ctx context.Context, accountID int64) (amount.Amount, error) {
	stakes, err := o.store.Stakes(ctx, accountID)
	if err != nil {
		return amount.Zero, err
	}
	totals, err := o.store.AccountTotals(ctx, accountID)
	if err != nil {
		return amount.Zero, err
	}

	now := o.now()
	accrued := amount.Zero
	for _, s := range stakes {
		if s.Status == domain.StakeCancelled {
			continue
		}
		end := now
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		if !end.After(s.StartedAt) {
			continue
		}
		elapsed := decimal.NewFromInt(int64(end.Sub(s.StartedAt))).Div(year)
		accrued = accrued.Add(s.Amount.Mul(o.cfg.RewardRate.Mul(elapsed)))
	}
	return amount.Max(accrued.Sub(totals.Claimed), amount.Zero).Truncate(o.pool.Rules.Decimals), nil
}

// PlatformStats aggregates the mirror with the pool's ledger balance.
func (o *Oracle) PlatformStats(ctx context.Context) (Stats, error) {
	totals, err := o.store.PlatformTotals(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("platform totals: %w", err)
	}
	st := Stats{
		TotalUsers:              totals.Users,
		TotalStakes:             totals.Stakes,
		ActiveStakes:            totals.ActiveStakes,
		TotalRewards:            totals.Rewards,
		TotalRewardsDistributed: totals.RewardsDistributed,
		TotalStakedAmount:       totals.ActiveStaked,
		TotalStakedSource:       SourceMirror,
		RewardRate:              o.cfg.RewardRate,
		APR:                     o.cfg.RewardRate.Mul(decimal.NewFromInt(100)),
		RealizedYield:           decimal.Zero,
	}

	pooled, found, err := o.balance(ctx, o.pool.PoolTokenAccount(), false)
	switch {
	case err != nil:
		o.log.Warn("pool balance unavailable, using mirror", zap.Error(err))
	case found:
		st.TotalStakedAmount, st.TotalStakedSource = pooled, SourceLedger
	}

	if st.TotalStakedAmount.IsPositive() {
		st.RealizedYield = totals.RewardsDistributed.Decimal().
			Div(st.TotalStakedAmount.Decimal()).
			Mul(decimal.NewFromInt(100)).
			Round(4)
	}
	return st, nil
}

// UserStats is the per-account summary.
func (o *Oracle) UserStats(ctx context.Context, accountID int64) (UserStats, error) {
	totals, err := o.store.AccountTotals(ctx, accountID)
	if err != nil {
		return UserStats{}, err
	}
	current, err := o.CurrentStake(ctx, accountID)
	if err != nil {
		return UserStats{}, err
	}
	accrued, err := o.AccruedRewards(ctx, accountID)
	if err != nil {
		return UserStats{}, err
	}
	return UserStats{
		AccountID:     accountID,
		TotalStaked:   totals.LifetimeStaked,
		CurrentStake:  current,
		ActiveStakes:  totals.ActiveStakes,
		TotalStakes:   totals.TotalStakes,
		TotalRewards:  totals.Claimed,
		RewardsClaims: totals.RewardCount,
		Accrued:       accrued,
	}, nil
}
