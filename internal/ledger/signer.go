package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

var ErrNoSigner = errors.New("no signer for principal")

// Signer produces signatures on behalf of one public key.
type Signer interface {
	PublicKey() Address
	Sign(message []byte) ([]byte, error)
}

// Keyring resolves the signing context for a principal.
type Keyring interface {
	SignerFor(ctx context.Context, principal Address) (Signer, error)
}

// Keypair is an ed25519 Signer.
type Keypair struct {
	priv ed25519.PrivateKey
}

func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// ParseKeypair accepts a base58 64-byte private key or 32-byte seed.
func ParseKeypair(s string) (*Keypair, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return &Keypair{priv: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		return &Keypair{priv: ed25519.PrivateKey(b)}, nil
	}
	return nil, fmt.Errorf("decode key: unexpected length %d", len(b))
}

func (k *Keypair) PublicKey() Address {
	var a Address
	copy(a[:], k.priv.Public().(ed25519.PublicKey))
	return a
}

func (k *Keypair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

// Secret returns the base58 private key.
func (k *Keypair) Secret() string { return base58.Encode(k.priv) }

// Verify checks an ed25519 signature by pub over message.
func Verify(pub Address, message, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig)
}

// Sign sets the fee payer to the signer and signs the transaction.
func Sign(tx *Transaction, s Signer) (*SignedTransaction, error) {
	tx.FeePayer = s.PublicKey()
	sig, err := s.Sign(tx.Message())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return &SignedTransaction{Transaction: *tx, Signature: sig}, nil
}

// DelegateKeyring signs every principal's operations with one delegated
// authority key.
type DelegateKeyring struct {
	Signer Signer
}

func (d DelegateKeyring) SignerFor(context.Context, Address) (Signer, error) {
	if d.Signer == nil {
		return nil, ErrNoSigner
	}
	return d.Signer, nil
}

// MemoryKeyring holds one key per principal.
type MemoryKeyring struct {
	mu   sync.RWMutex
	keys map[Address]Signer
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{keys: make(map[Address]Signer)}
}

func (m *MemoryKeyring) Add(s Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[s.PublicKey()] = s
}

func (m *MemoryKeyring) SignerFor(_ context.Context, principal Address) (Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.keys[principal]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, principal)
	}
	return s, nil
}
