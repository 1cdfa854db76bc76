// Package memledger is an in-process, linearizable ledger that executes the
// staking program's instruction layout. It backs simulation mode and tests.
package memledger

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/instruction"
	"github.com/punchamoorthee/stakeops/internal/ledger"
)

type Ledger struct {
	mu       sync.Mutex
	balances map[ledger.Address]uint64
	statuses map[ledger.Handle]ledger.OperationStatus
	queued   []*ledger.SignedTransaction
	paused   bool

	faucet        uint64
	failNext      error
	deliverOnFail bool
	submits       int
	applied       int
}

var _ ledger.Ledger = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		balances: make(map[ledger.Address]uint64),
		statuses: make(map[ledger.Handle]ledger.OperationStatus),
	}
}

// Fund creates addr if needed and adds units to it.
func (l *Ledger) Fund(addr ledger.Address, units uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += units
}

// Balance returns the balance of addr, zero when absent.
func (l *Ledger) Balance(addr ledger.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// SetFaucet makes a stake from a token account the ledger has never seen
// start from units instead of failing. Simulation mode uses it so that fresh
// principals hold tokens.
func (l *Ledger) SetFaucet(units uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faucet = units
}

// Pause queues submitted transactions as pending until Resume.
func (l *Ledger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume applies queued transactions in submission order.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	for _, tx := range l.queued {
		l.statuses[tx.Handle()] = l.execute(tx)
	}
	l.queued = nil
}

// FailNextSubmit makes the next Submit return err. When delivered is true
// the transaction is still accepted, modelling a lost acknowledgement.
func (l *Ledger) FailNextSubmit(err error, delivered bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
	l.deliverOnFail = delivered
}

// Submissions counts Submit calls that reached the ledger.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

// Applied counts transactions that committed.
func (l *Ledger) Applied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

func (l *Ledger) AccountBalance(_ context.Context, addr ledger.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	return bal, nil
}

func (l *Ledger) AccountExists(_ context.Context, addr ledger.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.balances[addr]
	return ok, nil
}

func (l *Ledger) Submit(_ context.Context, tx *ledger.SignedTransaction) (ledger.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := tx.Handle()
	if err := l.failNext; err != nil {
		l.failNext = nil
		if !l.deliverOnFail {
			return "", err
		}
		l.accept(tx)
		return "", err
	}
	if !ledger.Verify(tx.FeePayer, tx.Message(), tx.Signature) {
		return "", &ledger.RejectedError{Reason: "signature verification failed"}
	}
	l.accept(tx)
	return h, nil
}

func (l *Ledger) accept(tx *ledger.SignedTransaction) {
	l.submits++
	h := tx.Handle()
	if _, seen := l.statuses[h]; seen {
		return
	}
	if l.paused {
		l.statuses[h] = ledger.OperationStatus{Status: ledger.StatusPending}
		l.queued = append(l.queued, tx)
		return
	}
	l.statuses[h] = l.execute(tx)
}

func (l *Ledger) OperationStatus(_ context.Context, h ledger.Handle) (ledger.OperationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[h], nil
}

// execute applies every instruction of tx or none of them.
func (l *Ledger) execute(tx *ledger.SignedTransaction) ledger.OperationStatus {
	staged := maps.Clone(l.balances)
	for i, ix := range tx.Instructions {
		if err := apply(staged, tx.FeePayer, ix, l.faucet); err != nil {
			return ledger.OperationStatus{Status: ledger.StatusRejected, Reason: fmt.Sprintf("instruction %d: %v", i, err)}
		}
	}
	l.balances = staged
	l.applied++
	return ledger.OperationStatus{Status: ledger.StatusCommitted}
}

func apply(bal map[ledger.Address]uint64, signer ledger.Address, ix ledger.Instruction, faucet uint64) error {
	if ix.Program == ledger.SystemProgram {
		addr, err := instruction.DecodeCreateAccount(ix)
		if err != nil {
			return err
		}
		if _, ok := bal[addr]; !ok {
			bal[addr] = 0
		}
		return nil
	}

	op, err := instruction.Decode(ix)
	if err != nil {
		return err
	}
	if op.Authority != signer {
		return fmt.Errorf("missing signature for %s", op.Authority)
	}
	if _, ok := bal[op.Destination]; !ok {
		return fmt.Errorf("destination %s does not exist", op.Destination)
	}
	if _, ok := bal[op.Source]; !ok && faucet > 0 && op.Action == domain.ActionStake {
		bal[op.Source] = faucet
	}
	if err := debit(bal, op.Source, op.Units); err != nil {
		return err
	}

	switch op.Action {
	case domain.ActionStake:
		bal[op.Position] += op.Units
	case domain.ActionUnstake:
		if err := debit(bal, op.Position, op.Units); err != nil {
			return fmt.Errorf("stake position: %w", err)
		}
	case domain.ActionClaim:
		if _, tracked := bal[op.Position]; tracked {
			if err := debit(bal, op.Position, op.Units); err != nil {
				return fmt.Errorf("reward position: %w", err)
			}
		}
	}
	bal[op.Destination] += op.Units
	return nil
}

func debit(bal map[ledger.Address]uint64, addr ledger.Address, units uint64) error {
	have, ok := bal[addr]
	if !ok {
		return fmt.Errorf("account %s does not exist", addr)
	}
	if have < units {
		return fmt.Errorf("insufficient funds in %s: have %d, need %d", addr, have, units)
	}
	bal[addr] = have - units
	return nil
}
