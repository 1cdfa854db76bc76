package instruction

import (
	"encoding/binary"
	"fmt"

	"github.com/punchamoorthee/stakeops/internal/domain"
	"github.com/punchamoorthee/stakeops/internal/ledger"
)

// Op is a decoded value-moving instruction.
type Op struct {
	Action      domain.Action
	Authority   ledger.Address
	Source      ledger.Address
	Destination ledger.Address
	Position    ledger.Address
	Units       uint64
}

// Decode parses an instruction produced by Build for the staking program.
func Decode(ix ledger.Instruction) (Op, error) {
	if len(ix.Data) != 9 || len(ix.Accounts) != 4 {
		return Op{}, fmt.Errorf("%w: data=%d accounts=%d", ErrUnknownInstruction, len(ix.Data), len(ix.Accounts))
	}
	op := Op{
		Authority:   ix.Accounts[0].Address,
		Source:      ix.Accounts[1].Address,
		Destination: ix.Accounts[2].Address,
		Position:    ix.Accounts[3].Address,
		Units:       binary.LittleEndian.Uint64(ix.Data[1:]),
	}
	switch ix.Data[0] {
	case DiscStake:
		op.Action = domain.ActionStake
	case DiscUnstake:
		op.Action = domain.ActionUnstake
	case DiscClaim:
		op.Action = domain.ActionClaim
	default:
		return Op{}, fmt.Errorf("%w: discriminator %d", ErrUnknownInstruction, ix.Data[0])
	}
	if !ix.Accounts[0].Signer {
		return Op{}, fmt.Errorf("%w: authority is not a signer", ErrUnknownInstruction)
	}
	return op, nil
}

// DecodeCreateAccount parses a CreateAccount instruction and returns the
// account it creates.
func DecodeCreateAccount(ix ledger.Instruction) (ledger.Address, error) {
	if ix.Program != ledger.SystemProgram || len(ix.Accounts) != 4 || len(ix.Data) != 1 || ix.Data[0] != createAssociated {
		return ledger.Address{}, ErrUnknownInstruction
	}
	return ix.Accounts[1].Address, nil
}
