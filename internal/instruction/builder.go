package instruction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
)

// Discriminators tag the value-moving instruction for the staking program.
const (
	DiscStake   byte = 0
	DiscUnstake byte = 1
	DiscClaim   byte = 2
)

const createAssociated byte = 0

var ErrUnknownInstruction = errors.New("unknown instruction")

// Pool describes the on-ledger program and the token it stakes.
type Pool struct {
	Program          ledger.Address
	Mint             ledger.Address
	RewardsAuthority ledger.Address
	Rules            amount.Rules
}

func (p Pool) UserTokenAccount(owner ledger.Address) ledger.Address {
	return ledger.Derive(owner, p.Mint, "token")
}

func (p Pool) PoolTokenAccount() ledger.Address {
	return ledger.Derive(p.Program, p.Mint, "pool")
}

func (p Pool) RewardsTokenAccount() ledger.Address {
	return ledger.Derive(p.RewardsAuthority, p.Mint, "token")
}

// StakePosition holds the amount staked by principal; its balance is what the
// program considers held in the pool on the principal's behalf.
func (p Pool) StakePosition(principal ledger.Address) ledger.Address {
	return ledger.Derive(p.Program, principal, "stake")
}

// RewardPosition holds claimable rewards when the program tracks them.
func (p Pool) RewardPosition(principal ledger.Address) ledger.Address {
	return ledger.Derive(p.Program, principal, "reward")
}

// AccountChecker reports whether a ledger account exists.
type AccountChecker interface {
	AccountExists(ctx context.Context, addr ledger.Address) (bool, error)
}

// Request is the input to Build. Available, when set, is the caller's best
// local knowledge of the withdrawable balance; the ledger still has the final
// word. Authority defaults to Principal.
type Request struct {
	Action    domain.Action
	Principal ledger.Address
	Authority ledger.Address
	Amount    amount.Amount
	Available *amount.Amount
}

// Plan is the ordered instruction sequence for one request.
type Plan struct {
	Action         domain.Action
	Amount         amount.Amount
	Units          uint64
	Instructions   []ledger.Instruction
	CreatesAccount bool
}

// Transaction wraps the plan's instructions with the memo used as the
// idempotency key.
func (p *Plan) Transaction(memo string) *ledger.Transaction {
	return &ledger.Transaction{
		Memo:         memo,
		Instructions: append([]ledger.Instruction(nil), p.Instructions...),
	}
}

// Build validates req and produces its instruction sequence. The only side
// effect is a read-only existence check on the destination token account.
func Build(ctx context.Context, req Request, pool Pool, accounts AccountChecker) (*Plan, error) {
	switch req.Action {
	case domain.ActionStake:
		if err := pool.Rules.ValidateStake(req.Amount); err != nil {
			return nil, err
		}
	case domain.ActionUnstake, domain.ActionClaim:
		if err := pool.Rules.Validate(req.Amount); err != nil {
			return nil, err
		}
		if req.Available != nil && req.Amount.Cmp(*req.Available) > 0 {
			return nil, fmt.Errorf("%w: requested %s, available %s", domain.ErrInsufficientBalance, req.Amount, *req.Available)
		}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAction, req.Action)
	}

	units, err := req.Amount.BaseUnits(pool.Rules.Decimals)
	if err != nil {
		return nil, err
	}

	authority := req.Authority
	if authority.IsZero() {
		authority = req.Principal
	}

	var (
		disc                byte
		source, destination ledger.Address
		position            ledger.Address
		destOwner           ledger.Address
	)
	userToken := pool.UserTokenAccount(req.Principal)
	switch req.Action {
	case domain.ActionStake:
		disc = DiscStake
		source, destination = userToken, pool.PoolTokenAccount()
		position, destOwner = pool.StakePosition(req.Principal), pool.Program
	case domain.ActionUnstake:
		disc = DiscUnstake
		source, destination = pool.PoolTokenAccount(), userToken
		position, destOwner = pool.StakePosition(req.Principal), req.Principal
	case domain.ActionClaim:
		disc = DiscClaim
		source, destination = pool.RewardsTokenAccount(), userToken
		position, destOwner = pool.RewardPosition(req.Principal), req.Principal
	}

	plan := &Plan{Action: req.Action, Amount: req.Amount, Units: units}

	exists, err := accounts.AccountExists(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAccountLookupFailed, destination, err)
	}
	if !exists {
		plan.CreatesAccount = true
		plan.Instructions = append(plan.Instructions, CreateAccount(authority, destination, destOwner, pool.Mint))
	}

	data := make([]byte, 1, 9)
	data[0] = disc
	data = binary.LittleEndian.AppendUint64(data, units)

	plan.Instructions = append(plan.Instructions, ledger.Instruction{
		Program: pool.Program,
		Accounts: []ledger.AccountMeta{
			{Address: authority, Signer: true, Writable: true},
			{Address: source, Writable: true},
			{Address: destination, Writable: true},
			{Address: position, Writable: true},
		},
		Data: data,
	})
	return plan, nil
}

// CreateAccount returns an idempotent "ensure token account exists"
// instruction for the system program.
func CreateAccount(payer, account, owner, mint ledger.Address) ledger.Instruction {
	return ledger.Instruction{
		Program: ledger.SystemProgram,
		Accounts: []ledger.AccountMeta{
			{Address: payer, Signer: true, Writable: true},
			{Address: account, Writable: true},
			{Address: owner},
			{Address: mint},
		},
		Data: []byte{createAssociated},
	}
}
