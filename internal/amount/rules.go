package amount

import (
	"context"
	"fmt"
)

// Rules holds the token's precision and the staking threshold.
type Rules struct {
	Decimals int32
	Minimum  Amount
}

// Validate checks that a is positive and representable in ledger units.
func (r Rules) Validate(a Amount) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalid, a)
	}
	if _, err := a.BaseUnits(r.Decimals); err != nil {
		return err
	}
	return nil
}

// ValidateStake applies Validate plus the minimum stake threshold.
func (r Rules) ValidateStake(a Amount) error {
	if err := r.Validate(a); err != nil {
		return err
	}
	if a.Cmp(r.Minimum) < 0 {
		return fmt.Errorf("%w: minimum stake is %s", ErrBelowMinimum, r.Minimum)
	}
	return nil
}

// Verdict is an eligibility decision. A zero MaxStake means no cap.
type Verdict struct {
	Eligible bool
	MaxStake Amount
}

// Eligibility is an external oracle deciding whether a principal may stake
// (for example holders of a specific collection).
type Eligibility interface {
	Check(ctx context.Context, principal string) (Verdict, error)
}

// AllowAll admits every principal without a cap.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (Verdict, error) {
	return Verdict{Eligible: true}, nil
}
