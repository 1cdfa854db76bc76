package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
)

type memState struct {
	accounts map[int64]domain.Account
	stakes   map[int64]domain.Stake
	rewards  map[int64]domain.Reward
	pending  map[string]domain.PendingOperation
	nextID   int64
}

func (s *memState) clone() *memState {
	return &memState{
		accounts: maps.Clone(s.accounts),
		stakes:   maps.Clone(s.stakes),
		rewards:  maps.Clone(s.rewards),
		pending:  maps.Clone(s.pending),
		nextID:   s.nextID,
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// Memory is a Store held in process memory. A single mutex serializes every
// transaction, which gives serializable isolation.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			accounts: make(map[int64]domain.Account),
			stakes:   make(map[int64]domain.Stake),
			rewards:  make(map[int64]domain.Reward),
			pending:  make(map[string]domain.PendingOperation),
		},
		now: time.Now,
	}
}

func (m *Memory) EnsureAccount(_ context.Context, principal string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byPrincipal(principal); ok {
		return &a, nil
	}
	a := domain.Account{ID: m.state.id(), PrincipalKey: principal, CreatedAt: m.now().UTC()}
	m.state.accounts[a.ID] = a
	return &a, nil
}

func (m *Memory) byPrincipal(principal string) (domain.Account, bool) {
	for _, a := range m.state.accounts {
		if a.PrincipalKey == principal {
			return a, true
		}
	}
	return domain.Account{}, false
}

func (m *Memory) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) AccountByPrincipal(_ context.Context, principal string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byPrincipal(principal)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) UpdateProfile(_ context.Context, id int64, name, email string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	a.Name, a.Email = name, email
	m.state.accounts[id] = a
	return &a, nil
}

func (m *Memory) CreatePending(_ context.Context, op *domain.PendingOperation) (*domain.PendingOperation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.state.pending[op.IdempotencyKey]; ok {
		return &existing, false, nil
	}
	if _, ok := m.state.accounts[op.AccountID]; !ok {
		return nil, false, domain.ErrAccountNotFound
	}
	stored := *op
	now := m.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	m.state.pending[stored.IdempotencyKey] = stored
	return &stored, true, nil
}

func (m *Memory) GetPending(_ context.Context, key string) (*domain.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.state.pending[key]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return &op, nil
}

func (m *Memory) ListUnresolved(_ context.Context, cutoff time.Time, limit int) ([]domain.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.unresolved(func(op domain.PendingOperation) bool { return op.CreatedAt.Before(cutoff) })
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

func (m *Memory) ListUnresolvedForAccount(_ context.Context, accountID int64) ([]domain.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unresolved(func(op domain.PendingOperation) bool { return op.AccountID == accountID }), nil
}

func (m *Memory) unresolved(keep func(domain.PendingOperation) bool) []domain.PendingOperation {
	var ops []domain.PendingOperation
	for _, op := range m.state.pending {
		if !op.Status.Terminal() && keep(op) {
			ops = append(ops, op)
		}
	}
	slices.SortFunc(ops, func(a, b domain.PendingOperation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.IdempotencyKey, b.IdempotencyKey)
	})
	return ops
}

func (m *Memory) ActiveStakes(_ context.Context, accountID int64) ([]domain.Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stakesFor(accountID, true), nil
}

func (m *Memory) Stakes(_ context.Context, accountID int64) ([]domain.Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stakesFor(accountID, false), nil
}

func (m *Memory) stakesFor(accountID int64, activeOnly bool) []domain.Stake {
	var out []domain.Stake
	for _, s := range m.state.stakes {
		if s.AccountID != accountID || (activeOnly && s.Status != domain.StakeActive) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, fifo)
	return out
}

func fifo(a, b domain.Stake) int {
	if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func (m *Memory) AccountTotals(_ context.Context, accountID int64) (domain.AccountTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.AccountTotals{ActiveStaked: amount.Zero, LifetimeStaked: amount.Zero, Claimed: amount.Zero}
	for _, s := range m.state.stakes {
		if s.AccountID != accountID {
			continue
		}
		t.TotalStakes++
		t.LifetimeStaked = t.LifetimeStaked.Add(s.Amount)
		if s.Status == domain.StakeActive {
			t.ActiveStakes++
			t.ActiveStaked = t.ActiveStaked.Add(s.Amount)
		}
	}
	for _, r := range m.state.rewards {
		if r.AccountID == accountID {
			t.RewardCount++
			t.Claimed = t.Claimed.Add(r.Amount)
		}
	}
	return t, nil
}

func (m *Memory) PlatformTotals(_ context.Context) (domain.PlatformTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.PlatformTotals{
		Users:              int64(len(m.state.accounts)),
		Stakes:             int64(len(m.state.stakes)),
		Rewards:            int64(len(m.state.rewards)),
		ActiveStaked:       amount.Zero,
		RewardsDistributed: amount.Zero,
	}
	for _, s := range m.state.stakes {
		if s.Status == domain.StakeActive {
			t.ActiveStakes++
			t.ActiveStaked = t.ActiveStaked.Add(s.Amount)
		}
	}
	for _, r := range m.state.rewards {
		t.RewardsDistributed = t.RewardsDistributed.Add(r.Amount)
	}
	return t, nil
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memTx runs with Memory.mu held.
type memTx struct {
	m *Memory
}

func (t *memTx) LockPending(_ context.Context, key string) (*domain.PendingOperation, error) {
	op, ok := t.m.state.pending[key]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return &op, nil
}

func (t *memTx) UpdatePending(_ context.Context, op *domain.PendingOperation, from domain.OperationStatus) error {
	cur, ok := t.m.state.pending[op.IdempotencyKey]
	if !ok {
		return domain.ErrOperationNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	op.UpdatedAt = t.m.now().UTC()
	t.m.state.pending[op.IdempotencyKey] = *op
	return nil
}

func (t *memTx) StakeByRef(_ context.Context, ref string) (*domain.Stake, error) {
	for _, s := range t.m.state.stakes {
		if s.LedgerRef == ref {
			return &s, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertStake(ctx context.Context, s *domain.Stake) (int64, error) {
	if s.LedgerRef != "" {
		if existing, _ := t.StakeByRef(ctx, s.LedgerRef); existing != nil {
			return 0, ErrDuplicate
		}
	}
	stored := *s
	stored.ID = t.m.state.id()
	t.m.state.stakes[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) LockActiveStakes(_ context.Context, accountID int64) ([]domain.Stake, error) {
	return t.m.stakesFor(accountID, true), nil
}

func (t *memTx) StakesEndedBy(_ context.Context, ref string) ([]int64, error) {
	var ids []int64
	for _, s := range t.m.state.stakes {
		if s.EndedRef == ref {
			ids = append(ids, s.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memTx) CompleteStakes(_ context.Context, ids []int64, endedRef string, at time.Time) error {
	for _, id := range ids {
		s, ok := t.m.state.stakes[id]
		if !ok || s.Status != domain.StakeActive {
			return ErrConflict
		}
		ended := at
		s.Status, s.EndedAt, s.EndedRef = domain.StakeCompleted, &ended, endedRef
		t.m.state.stakes[id] = s
	}
	return nil
}

func (t *memTx) RewardByRef(_ context.Context, ref string) (*domain.Reward, error) {
	for _, r := range t.m.state.rewards {
		if r.LedgerRef == ref {
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertReward(ctx context.Context, r *domain.Reward) (int64, error) {
	if existing, _ := t.RewardByRef(ctx, r.LedgerRef); existing != nil {
		return 0, ErrDuplicate
	}
	stored := *r
	stored.ID = t.m.state.id()
	t.m.state.rewards[stored.ID] = stored
	return stored.ID, nil
}
