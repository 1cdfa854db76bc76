package reconcile

import (
	"fmt"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
)

// MatchFIFO selects the oldest active stakes whose amounts sum exactly to
// amt. Stakes are never split: when the running total overshoots amt before
// matching it, or the stakes run out, the unstake is ambiguous.
//
// active must already be ordered by (StartedAt, ID).
func MatchFIFO(active []domain.Stake, amt amount.Amount) ([]domain.Stake, error) {
	total := amount.Zero
	for i, s := range active {
		total = total.Add(s.Amount)
		switch total.Cmp(amt) {
		case 0:
			return active[:i+1], nil
		case 1:
			return nil, fmt.Errorf("%w: %s would split stake %d (oldest stakes sum to %s)",
				domain.ErrAmbiguousUnstake, amt, s.ID, total)
		}
	}
	return nil, fmt.Errorf("%w: %s exceeds active stakes totalling %s", domain.ErrAmbiguousUnstake, amt, total)
}
