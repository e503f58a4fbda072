package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec"
)

// Guard against a corrupt or hostile authenticator list.
const maxAuthenticators = 1000

var (
	ErrAddressRequired       = errors.New("wallet: address is required")
	ErrChainIDRequired       = errors.New("wallet: chain id is required")
	ErrNoKeyMaterial         = errors.New("wallet: no private key, authenticated key, or mnemonic supplied")
	ErrConflictingKeys       = errors.New("wallet: exactly one key source must be supplied")
	ErrMnemonicUnsupported   = errors.New("wallet: mnemonic-derived keys are not supported")
	ErrAuthenticatorNotFound = errors.New("wallet: no usable authenticator id")
	ErrAuthenticatorList     = errors.New("wallet: authenticator list is empty or implausibly large")
)

// AccountSource looks up on-chain account metadata for an address.
type AccountSource interface {
	Account(ctx context.Context, address string) (accountNumber, sequence uint64, err error)
}

// Wallet holds the signing identity for one brokerage session: address,
// account metadata, key material, and the authenticator rotation state
// used when signing is delegated to a registered authenticator.
type Wallet struct {
	Address       string
	ChainID       string
	AccountNumber uint64

	privKey *btcec.PrivateKey
	pubKey  []byte

	mu       sync.Mutex
	sequence uint64
	auth     authState
}

// authState tracks the pinned authenticator and the remaining candidates.
type authState struct {
	delegated bool
	pinned    *uint64
	queue     []uint64
}

// Sequence returns the current account sequence.
func (w *Wallet) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// SetSequence overwrites the account sequence (after a node refresh).
func (w *Wallet) SetSequence(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sequence = seq
}

// IncrementSequence advances the sequence after a successful broadcast.
func (w *Wallet) IncrementSequence() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sequence++
}

// Delegated reports whether signing goes through an on-chain authenticator.
func (w *Wallet) Delegated() bool {
	return w.auth.delegated
}

// TryAuthenticatorID returns the pinned authenticator id if one is set,
// else the head of the candidate queue. ok is false when neither exists.
func (w *Wallet) TryAuthenticatorID() (id uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.auth.pinned != nil {
		return *w.auth.pinned, true
	}
	if len(w.auth.queue) > 0 {
		return w.auth.queue[0], true
	}
	return 0, false
}

// PinAuthenticator marks id as the authenticator to reuse on later calls.
func (w *Wallet) PinAuthenticator(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.auth.pinned = &id
}

// InvalidateAuthenticator drops the pinned id and advances past the
// candidate the node just rejected.
func (w *Wallet) InvalidateAuthenticator() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.auth.pinned = nil
	if len(w.auth.queue) > 0 {
		w.auth.queue = w.auth.queue[1:]
	}
}

// AuthenticatorsRemaining reports how many untried candidates are left.
func (w *Wallet) AuthenticatorsRemaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.auth.queue)
}

// Builder assembles a Wallet with construction-time validation.
type Builder struct {
	address string
	chainID string

	privKeyHex string
	authKeyHex string
	authIDs    []uint64
	mnemonic   string
	keySources int

	accountNumber *uint64
	sequence      *uint64
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) WithAddress(addr string) *Builder {
	b.address = addr
	return b
}

func (b *Builder) WithChainID(id string) *Builder {
	b.chainID = id
	return b
}

// WithPrivateKeyHex supplies the account owner's raw signing key.
func (b *Builder) WithPrivateKeyHex(hexKey string) *Builder {
	b.privKeyHex = hexKey
	b.keySources++
	return b
}

// WithAuthenticatedKey supplies a delegated signing key plus the on-chain
// authenticator ids registered for it.
func (b *Builder) WithAuthenticatedKey(hexKey string, ids []uint64) *Builder {
	b.authKeyHex = hexKey
	b.authIDs = ids
	b.keySources++
	return b
}

// WithMnemonic is accepted for interface parity but always fails Build.
func (b *Builder) WithMnemonic(m string) *Builder {
	b.mnemonic = m
	b.keySources++
	return b
}

// WithAccountNumber overrides the on-chain account-number lookup.
func (b *Builder) WithAccountNumber(n uint64) *Builder {
	b.accountNumber = &n
	return b
}

// WithSequence overrides the on-chain sequence lookup.
func (b *Builder) WithSequence(s uint64) *Builder {
	b.sequence = &s
	return b
}

// Build validates the configuration and resolves account metadata from the
// node unless both overrides were supplied.
func (b *Builder) Build(ctx context.Context, accounts AccountSource) (*Wallet, error) {
	if b.address == "" {
		return nil, ErrAddressRequired
	}
	if b.chainID == "" {
		return nil, ErrChainIDRequired
	}
	switch {
	case b.keySources == 0:
		return nil, ErrNoKeyMaterial
	case b.keySources > 1:
		return nil, ErrConflictingKeys
	}
	if b.mnemonic != "" {
		return nil, ErrMnemonicUnsupported
	}

	w := &Wallet{
		Address: b.address,
		ChainID: b.chainID,
	}

	keyHex := b.privKeyHex
	if b.authKeyHex != "" {
		if len(b.authIDs) == 0 || len(b.authIDs) > maxAuthenticators {
			return nil, fmt.Errorf("%w (%d candidates)", ErrAuthenticatorList, len(b.authIDs))
		}
		keyHex = b.authKeyHex
		w.auth = authState{delegated: true, queue: append([]uint64(nil), b.authIDs...)}
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode private key: %w", err)
	}
	w.privKey, w.pubKey, err = parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}

	if b.accountNumber != nil && b.sequence != nil {
		w.AccountNumber = *b.accountNumber
		w.sequence = *b.sequence
		return w, nil
	}

	if accounts == nil {
		return nil, errors.New("wallet: account source required unless account number and sequence are overridden")
	}
	num, seq, err := accounts.Account(ctx, b.address)
	if err != nil {
		return nil, fmt.Errorf("wallet: fetch account %s: %w", b.address, err)
	}
	w.AccountNumber = num
	w.sequence = seq
	if b.accountNumber != nil {
		w.AccountNumber = *b.accountNumber
	}
	if b.sequence != nil {
		w.sequence = *b.sequence
	}
	return w, nil
}
