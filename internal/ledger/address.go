package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Address identifies a ledger account or program. It is rendered in base58.
type Address [32]byte

// SystemProgram owns account creation. Its base58 form is all ones.
var SystemProgram = Address{}

func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address %q: got %d bytes", s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Derive returns the deterministic address for (owner, mint, seed). It plays
// the role of an associated account: anyone can recompute it without a lookup.
func Derive(owner, mint Address, seed string) Address {
	h := sha256.New()
	h.Write(owner[:])
	h.Write(mint[:])
	h.Write([]byte(seed))
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
