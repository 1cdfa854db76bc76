package events

import (
	"context"
	"testing"

	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "staking.events.staked", Subject(domain.EventStaked))
	assert.Equal(t, "staking.events.claimed", Subject(domain.EventClaimed))
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, r.Publish(ctx, domain.DomainEvent{Kind: domain.EventStaked, IdempotencyKey: k}))
	}

	got := r.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].IdempotencyKey)
	assert.Equal(t, "b", got[1].IdempotencyKey)
	assert.Empty(t, r.Drain())
}
