package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	messageVersion = 1
	signatureSize  = 64
)

var errMalformed = errors.New("malformed transaction")

// AccountMeta references an account touched by an instruction.
type AccountMeta struct {
	Address  Address
	Signer   bool
	Writable bool
}

// Instruction is one program invocation.
type Instruction struct {
	Program  Address
	Accounts []AccountMeta
	Data     []byte
}

// Transaction is an ordered, atomic list of instructions. Memo carries the
// idempotency key so identical requests still produce distinct handles.
type Transaction struct {
	FeePayer     Address
	Memo         string
	Instructions []Instruction
}

// Handle is the content-derived reference of a signed transaction.
type Handle string

func (h Handle) String() string { return string(h) }

// SignedTransaction is a transaction plus the fee payer's signature.
type SignedTransaction struct {
	Transaction
	Signature []byte
}

// Handle is base58(signature). Ed25519 signatures are deterministic, so
// re-signing the same transaction yields the same handle.
func (s *SignedTransaction) Handle() Handle {
	return Handle(base58.Encode(s.Signature))
}

// Message returns the canonical bytes covered by the signature.
func (t *Transaction) Message() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, messageVersion)
	buf = append(buf, t.FeePayer[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.Memo)))
	buf = append(buf, t.Memo...)
	buf = append(buf, byte(len(t.Instructions)))
	for _, ix := range t.Instructions {
		buf = append(buf, ix.Program[:]...)
		buf = append(buf, byte(len(ix.Accounts)))
		for _, m := range ix.Accounts {
			buf = append(buf, m.Address[:]...)
			var flags byte
			if m.Signer {
				flags |= 1
			}
			if m.Writable {
				flags |= 2
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Encode serializes signature and message for the wire and for storage.
func (s *SignedTransaction) Encode() []byte {
	msg := s.Message()
	out := make([]byte, 0, signatureSize+len(msg))
	out = append(out, s.Signature...)
	return append(out, msg...)
}

// DecodeSignedTransaction parses bytes produced by Encode.
func DecodeSignedTransaction(b []byte) (*SignedTransaction, error) {
	if len(b) < signatureSize+1 {
		return nil, errMalformed
	}
	st := &SignedTransaction{Signature: append([]byte(nil), b[:signatureSize]...)}
	r := reader{b: b[signatureSize:]}

	if v := r.u8(); v != messageVersion {
		return nil, fmt.Errorf("%w: version %d", errMalformed, v)
	}
	st.FeePayer = r.addr()
	st.Memo = string(r.take(int(r.u16())))
	n := int(r.u8())
	for i := 0; i < n; i++ {
		var ix Instruction
		ix.Program = r.addr()
		m := int(r.u8())
		for j := 0; j < m; j++ {
			addr := r.addr()
			flags := r.u8()
			ix.Accounts = append(ix.Accounts, AccountMeta{Address: addr, Signer: flags&1 != 0, Writable: flags&2 != 0})
		}
		ix.Data = append([]byte(nil), r.take(int(r.u16()))...)
		st.Instructions = append(st.Instructions, ix)
	}
	if r.err != nil || len(r.b) != 0 {
		return nil, errMalformed
	}
	return st, nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil || len(r.b) < n {
		r.err = errMalformed
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) addr() Address {
	var a Address
	copy(a[:], r.take(len(a)))
	return a
}
