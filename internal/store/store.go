// Package store persists the local mirror: accounts, stakes, rewards and the
// pending operations that anchor reconciliation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/stakeops/internal/domain"
)

var (
	// ErrConflict is returned by a compare-and-set whose expected status no
	// longer holds.
	ErrConflict = errors.New("status changed concurrently")
	// ErrDuplicate is returned when a unique ledger reference already exists.
	ErrDuplicate = errors.New("duplicate ledger reference")
)

// Store is the durable mirror. Reads outside WithinTx see committed data only.
type Store interface {
	EnsureAccount(ctx context.Context, principal string) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	AccountByPrincipal(ctx context.Context, principal string) (*domain.Account, error)
	UpdateProfile(ctx context.Context, id int64, name, email string) (*domain.Account, error)

	// CreatePending records op before submission. When the key already exists
	// the stored operation is returned with created=false.
	CreatePending(ctx context.Context, op *domain.PendingOperation) (stored *domain.PendingOperation, created bool, err error)
	GetPending(ctx context.Context, key string) (*domain.PendingOperation, error)
	// ListUnresolved returns non-terminal operations created before cutoff,
	// oldest first.
	ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]domain.PendingOperation, error)
	ListUnresolvedForAccount(ctx context.Context, accountID int64) ([]domain.PendingOperation, error)

	ActiveStakes(ctx context.Context, accountID int64) ([]domain.Stake, error)
	Stakes(ctx context.Context, accountID int64) ([]domain.Stake, error)
	AccountTotals(ctx context.Context, accountID int64) (domain.AccountTotals, error)
	PlatformTotals(ctx context.Context) (domain.PlatformTotals, error)

	// WithinTx runs fn in one transaction. Any error returned by fn rolls
	// back every write made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface used by the reconciler.
type Tx interface {
	// LockPending loads the operation and holds its row lock until the
	// transaction ends.
	LockPending(ctx context.Context, key string) (*domain.PendingOperation, error)
	// UpdatePending writes op if the stored status still equals from.
	UpdatePending(ctx context.Context, op *domain.PendingOperation, from domain.OperationStatus) error

	StakeByRef(ctx context.Context, ref string) (*domain.Stake, error)
	InsertStake(ctx context.Context, s *domain.Stake) (int64, error)
	// LockActiveStakes returns active stakes in FIFO order (startedAt, id).
	LockActiveStakes(ctx context.Context, accountID int64) ([]domain.Stake, error)
	StakesEndedBy(ctx context.Context, ref string) ([]int64, error)
	CompleteStakes(ctx context.Context, ids []int64, endedRef string, at time.Time) error

	RewardByRef(ctx context.Context, ref string) (*domain.Reward, error)
	InsertReward(ctx context.Context, r *domain.Reward) (int64, error)
}
