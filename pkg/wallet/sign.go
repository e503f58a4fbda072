package wallet

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// Curve order and half-order, used to normalize signatures to lower-S form.
// The chain rejects malleable (high-S) signatures.
var (
	curveN     = btcec.S256().N
	curveHalfN = new(big.Int).Rsh(new(big.Int).Set(btcec.S256().N), 1)
)

var errNoPrivateKey = errors.New("wallet: no private key loaded")

// Sign hashes msg with SHA-256 and signs it with the wallet key over
// secp256k1. The result is r||s, two zero-padded 32-byte big-endian
// integers, with s normalized to the lower half of the curve order.
func (w *Wallet) Sign(msg []byte) ([]byte, error) {
	if w.privKey == nil {
		return nil, errNoPrivateKey
	}
	digest := sha256.Sum256(msg)
	sig, err := w.privKey.Sign(digest[:])
	if err != nil {
		return nil, err
	}

	s := sig.S
	if s.Cmp(curveHalfN) > 0 {
		s = new(big.Int).Sub(curveN, s)
	}

	rBytes := sig.R.Bytes()
	sBytes := s.Bytes()
	out := make([]byte, 64)
	// 0 pad the byte arrays from the left if they aren't big enough.
	copy(out[32-len(rBytes):32], rBytes)
	copy(out[64-len(sBytes):64], sBytes)
	return out, nil
}

// PubKey returns the compressed 33-byte secp256k1 public key.
func (w *Wallet) PubKey() []byte {
	return w.pubKey
}

func parsePrivateKey(raw []byte) (*btcec.PrivateKey, []byte, error) {
	if len(raw) != 32 {
		return nil, nil, errors.New("wallet: private key must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return priv, pub.SerializeCompressed(), nil
}
