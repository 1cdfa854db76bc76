package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/stakeops/internal/domain"
)

var ErrAccountNotFound = errors.New("ledger account not found")

// Status is the ledger's view of a submitted transaction.
type Status int

const (
	StatusNotFound Status = iota
	StatusPending
	StatusCommitted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusRejected:
		return "rejected"
	default:
		return "not_found"
	}
}

type OperationStatus struct {
	Status Status
	Reason string
}

// Ledger is the external system of record. Implementations must treat a
// resubmission of an already-known transaction as a no-op returning the same
// handle.
type Ledger interface {
	AccountBalance(ctx context.Context, addr Address) (uint64, error)
	AccountExists(ctx context.Context, addr Address) (bool, error)
	Submit(ctx context.Context, tx *SignedTransaction) (Handle, error)
	OperationStatus(ctx context.Context, h Handle) (OperationStatus, error)
}

// RejectedError is a definite refusal: the ledger will never apply the
// transaction.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrRejected, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == domain.ErrRejected }

// Outcome is the definitive result of confirming one handle. Status is one
// of committed, rejected or unknown.
type Outcome struct {
	Status domain.OperationStatus
	Ref    Handle
	Reason string
}

func Committed(h Handle) Outcome { return Outcome{Status: domain.OpCommitted, Ref: h} }

func Rejected(h Handle, reason string) Outcome {
	return Outcome{Status: domain.OpRejected, Ref: h, Reason: reason}
}

func Unknown(h Handle) Outcome { return Outcome{Status: domain.OpUnknown, Ref: h} }
