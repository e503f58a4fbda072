package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

const testKeyHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

type fakeAccounts struct {
	num uint64
	seq uint64
	err error
}

func (f fakeAccounts) Account(ctx context.Context, address string) (uint64, uint64, error) {
	return f.num, f.seq, f.err
}

func buildTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewBuilder().
		WithAddress("dydx1testaddress").
		WithChainID("dydx-testnet-4").
		WithPrivateKeyHex(testKeyHex).
		WithAccountNumber(7).
		WithSequence(3).
		Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return w
}

func TestBuilderValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		builder *Builder
		wantErr error
	}{
		{
			name:    "missing address",
			builder: NewBuilder().WithChainID("dydx-testnet-4").WithPrivateKeyHex(testKeyHex),
			wantErr: ErrAddressRequired,
		},
		{
			name:    "missing chain id",
			builder: NewBuilder().WithAddress("dydx1x").WithPrivateKeyHex(testKeyHex),
			wantErr: ErrChainIDRequired,
		},
		{
			name:    "no key material",
			builder: NewBuilder().WithAddress("dydx1x").WithChainID("dydx-testnet-4"),
			wantErr: ErrNoKeyMaterial,
		},
		{
			name: "conflicting keys",
			builder: NewBuilder().WithAddress("dydx1x").WithChainID("dydx-testnet-4").
				WithPrivateKeyHex(testKeyHex).
				WithAuthenticatedKey(testKeyHex, []uint64{1}),
			wantErr: ErrConflictingKeys,
		},
		{
			name: "mnemonic unsupported",
			builder: NewBuilder().WithAddress("dydx1x").WithChainID("dydx-testnet-4").
				WithMnemonic("abandon abandon about"),
			wantErr: ErrMnemonicUnsupported,
		},
		{
			name: "authenticated key without ids",
			builder: NewBuilder().WithAddress("dydx1x").WithChainID("dydx-testnet-4").
				WithAuthenticatedKey(testKeyHex, nil),
			wantErr: ErrAuthenticatorList,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build(ctx, fakeAccounts{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build error = %v, expected %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildFetchesAccountFromSource(t *testing.T) {
	w, err := NewBuilder().
		WithAddress("dydx1x").
		WithChainID("dydx-testnet-4").
		WithPrivateKeyHex(testKeyHex).
		Build(context.Background(), fakeAccounts{num: 42, seq: 9})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if w.AccountNumber != 42 {
		t.Fatalf("AccountNumber=%d, expected 42", w.AccountNumber)
	}
	if w.Sequence() != 9 {
		t.Fatalf("Sequence=%d, expected 9", w.Sequence())
	}
}

func TestBuildOverridesSkipAccountLookup(t *testing.T) {
	// accounts is nil: Build must not need it when both overrides are set.
	w := buildTestWallet(t)
	if w.AccountNumber != 7 || w.Sequence() != 3 {
		t.Fatalf("got account=%d seq=%d, expected 7/3", w.AccountNumber, w.Sequence())
	}
	w.IncrementSequence()
	if w.Sequence() != 4 {
		t.Fatalf("Sequence after increment=%d, expected 4", w.Sequence())
	}
	w.SetSequence(11)
	if w.Sequence() != 11 {
		t.Fatalf("Sequence after set=%d, expected 11", w.Sequence())
	}
}

func TestSignIsLowSAnd64Bytes(t *testing.T) {
	w := buildTestWallet(t)
	msg := []byte("sign bytes for a place-order transaction")

	sig, err := w.Sign(msg)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length=%d, expected 64", len(sig))
	}
	s := new(big.Int).SetBytes(sig[32:])
	if s.Cmp(curveHalfN) > 0 {
		t.Fatalf("signature S is in the upper half of the curve order")
	}

	// Deterministic signing: same message, same signature.
	again, err := w.Sign(msg)
	if err != nil {
		t.Fatalf("second Sign returned error: %v", err)
	}
	if string(sig) != string(again) {
		t.Fatalf("signatures for identical messages differ")
	}
}

func TestPubKeyIsCompressed(t *testing.T) {
	w := buildTestWallet(t)
	pub := w.PubKey()
	if len(pub) != 33 {
		t.Fatalf("pubkey length=%d, expected 33", len(pub))
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		t.Fatalf("pubkey prefix=0x%02x, expected 0x02 or 0x03", pub[0])
	}
}

func TestAuthenticatorRotation(t *testing.T) {
	w, err := NewBuilder().
		WithAddress("dydx1x").
		WithChainID("dydx-testnet-4").
		WithAuthenticatedKey(testKeyHex, []uint64{5, 9, 12}).
		WithAccountNumber(1).
		WithSequence(0).
		Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !w.Delegated() {
		t.Fatalf("wallet with authenticated key should be delegated")
	}

	id, ok := w.TryAuthenticatorID()
	if !ok || id != 5 {
		t.Fatalf("first candidate=%d ok=%v, expected 5 true", id, ok)
	}

	// Rotation drops the rejected candidate.
	w.InvalidateAuthenticator()
	id, ok = w.TryAuthenticatorID()
	if !ok || id != 9 {
		t.Fatalf("candidate after rotation=%d ok=%v, expected 9 true", id, ok)
	}

	// Pinning makes the accepted id sticky across calls.
	w.PinAuthenticator(9)
	for i := 0; i < 3; i++ {
		id, ok = w.TryAuthenticatorID()
		if !ok || id != 9 {
			t.Fatalf("pinned candidate=%d ok=%v, expected 9 true", id, ok)
		}
	}

	// Invalidating the pinned id resumes the queue.
	w.InvalidateAuthenticator()
	id, ok = w.TryAuthenticatorID()
	if !ok || id != 12 {
		t.Fatalf("candidate after pin invalidated=%d ok=%v, expected 12 true", id, ok)
	}

	w.InvalidateAuthenticator()
	if _, ok = w.TryAuthenticatorID(); ok {
		t.Fatalf("exhausted queue still returned a candidate")
	}
	if w.AuthenticatorsRemaining() != 0 {
		t.Fatalf("AuthenticatorsRemaining=%d, expected 0", w.AuthenticatorsRemaining())
	}
}
