package domain

import (
	"errors"

	"github.com/punchamoorthee/stakeops/internal/amount"
)

var (
	ErrInvalidAmount       = amount.ErrInvalid
	ErrBelowMinimum        = amount.ErrBelowMinimum
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmbiguousUnstake    = errors.New("unstake amount does not match whole active stakes")
	ErrAccountLookupFailed = errors.New("ledger account lookup failed")
	ErrSubmissionFailed    = errors.New("ledger submission failed")
	ErrRejected            = errors.New("operation rejected by ledger")
	ErrUnresolved          = errors.New("operation pending confirmation")
	ErrAccountNotFound     = errors.New("account not found")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrNotEligible         = errors.New("principal not eligible to stake")
	ErrOperationNotFound   = errors.New("operation not found")
	ErrInvalidAction       = errors.New("invalid action")
)
