package domain

import (
	"time"

	"github.com/punchamoorthee/stakeops/internal/amount"
)

// Action is a user-facing staking operation.
type Action string

const (
	ActionStake   Action = "stake"
	ActionUnstake Action = "unstake"
	ActionClaim   Action = "claim"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionStake, ActionUnstake, ActionClaim:
		return true
	}
	return false
}

type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeCompleted StakeStatus = "completed"
	StakeCancelled StakeStatus = "cancelled"
)

// OperationStatus is the reconciliation state of a PendingOperation.
type OperationStatus string

const (
	OpSubmitted OperationStatus = "submitted"
	OpCommitted OperationStatus = "committed"
	OpRejected  OperationStatus = "rejected"
	OpUnknown   OperationStatus = "unknown"
)

// Terminal reports whether no further transition is allowed.
// Unknown is deliberately non-terminal: the recovery sweep must resolve it.
func (s OperationStatus) Terminal() bool {
	return s == OpCommitted || s == OpRejected
}

// Account is the local record of an authenticated principal.
type Account struct {
	ID           int64     `json:"id"`
	PrincipalKey string    `json:"principal_key"`
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stake mirrors tokens held in the pool on an account's behalf.
// EndedAt is set iff Status is completed or cancelled.
type Stake struct {
	ID        int64         `json:"id"`
	AccountID int64         `json:"account_id"`
	Amount    amount.Amount `json:"amount"`
	Status    StakeStatus   `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	LedgerRef string        `json:"ledger_ref,omitempty"`
	EndedRef  string        `json:"ended_ref,omitempty"`
}

// Reward is one confirmed claim. LedgerRef is unique across all rewards.
type Reward struct {
	ID        int64         `json:"id"`
	AccountID int64         `json:"account_id"`
	Amount    amount.Amount `json:"amount"`
	ClaimedAt time.Time     `json:"claimed_at"`
	LedgerRef string        `json:"ledger_ref"`
}

// PendingOperation is the reconciliation anchor spanning submission to
// terminal resolution. It is written before the ledger sees the operation.
type PendingOperation struct {
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      int64           `json:"account_id"`
	Kind           Action          `json:"kind"`
	Amount         amount.Amount   `json:"amount"`
	Status         OperationStatus `json:"status"`
	LedgerRef      string          `json:"ledger_ref"`
	Payload        []byte          `json:"-"`
	Reason         string          `json:"reason,omitempty"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// EventKind classifies the outcome of a reconciliation step.
type EventKind string

const (
	EventStaked     EventKind = "staked"
	EventUnstaked   EventKind = "unstaked"
	EventClaimed    EventKind = "claimed"
	EventRejected   EventKind = "rejected"
	EventUnresolved EventKind = "unresolved"
)

// DomainEvent describes the durable effect applied for one operation.
// Replayed is true when the operation had already been resolved and no
// mutation was performed.
type DomainEvent struct {
	Kind           EventKind     `json:"kind"`
	IdempotencyKey string        `json:"idempotency_key"`
	AccountID      int64         `json:"account_id"`
	Amount         amount.Amount `json:"amount"`
	LedgerRef      string        `json:"ledger_ref,omitempty"`
	StakeIDs       []int64       `json:"stake_ids,omitempty"`
	RewardID       int64         `json:"reward_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Replayed       bool          `json:"replayed"`
	At             time.Time     `json:"at"`
}

// Receipt is returned to callers of the lifecycle coordinator.
type Receipt struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Action         Action          `json:"action"`
	Amount         amount.Amount   `json:"amount"`
	LedgerRef      string          `json:"ledger_ref"`
	Status         OperationStatus `json:"status"`
	Event          *DomainEvent    `json:"event,omitempty"`
	Replayed       bool            `json:"replayed"`
}

// AccountTotals aggregates one account's mirror rows.
type AccountTotals struct {
	ActiveStaked   amount.Amount
	LifetimeStaked amount.Amount
	Claimed        amount.Amount
	ActiveStakes   int64
	TotalStakes    int64
	RewardCount    int64
}

// PlatformTotals aggregates the whole mirror.
type PlatformTotals struct {
	Users              int64
	Stakes             int64
	ActiveStakes       int64
	Rewards            int64
	ActiveStaked       amount.Amount
	RewardsDistributed amount.Amount
}
