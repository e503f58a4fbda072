package chain

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	secp256k1PubKeyTypeURL = "/cosmos.crypto.secp256k1.PubKey"
	txExtensionTypeURL     = "/dydxprotocol.accountplus.TxExtension"

	signModeDirect = 1

	fieldBodyMessages    = 1
	fieldBodyNonCritical = 2047
	fieldAnyTypeURL      = 1
	fieldAnyValue        = 2
	fieldAuthSignerInfos = 1
	fieldAuthFee         = 2
	fieldSignerPubKey    = 1
	fieldSignerModeInfo  = 2
	fieldSignerSequence  = 3
	fieldFeeGasLimit     = 2
	fieldSignDocBody     = 1
	fieldSignDocAuthInfo = 2
	fieldSignDocChainID  = 3
	fieldSignDocAccount  = 4
	fieldTxRawBody       = 1
	fieldTxRawAuthInfo   = 2
	fieldTxRawSignatures = 3
)

// Signer produces 64-byte r||s signatures and exposes the compressed
// public key to embed in AuthInfo. *wallet.Wallet satisfies it.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PubKey() []byte
}

// TxParams carries everything besides the message needed to assemble and
// sign a transaction.
type TxParams struct {
	ChainID       string
	AccountNumber uint64
	Sequence      uint64
	GasLimit      uint64
	// AuthenticatorID, when set, is attached as a non-critical extension
	// telling the chain which registered authenticator validates the
	// delegated signature.
	AuthenticatorID *uint64
}

func appendAny(b []byte, typeURL string, value []byte) []byte {
	var any []byte
	any = protowire.AppendTag(any, fieldAnyTypeURL, protowire.BytesType)
	any = protowire.AppendString(any, typeURL)
	any = protowire.AppendTag(any, fieldAnyValue, protowire.BytesType)
	any = protowire.AppendBytes(any, value)
	return protowire.AppendBytes(b, any)
}

func encodeTxBody(msgTypeURL string, msgValue []byte, authenticatorID *uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBodyMessages, protowire.BytesType)
	b = appendAny(b, msgTypeURL, msgValue)

	if authenticatorID != nil {
		var ext []byte
		// selected_authenticators is a packed repeated uint64.
		var packed []byte
		packed = protowire.AppendVarint(packed, *authenticatorID)
		ext = protowire.AppendTag(ext, 1, protowire.BytesType)
		ext = protowire.AppendBytes(ext, packed)

		b = protowire.AppendTag(b, fieldBodyNonCritical, protowire.BytesType)
		b = appendAny(b, txExtensionTypeURL, ext)
	}
	return b
}

func encodeAuthInfo(pubKey []byte, sequence, gasLimit uint64) []byte {
	var pk []byte
	pk = protowire.AppendTag(pk, 1, protowire.BytesType)
	pk = protowire.AppendBytes(pk, pubKey)

	var single []byte
	single = protowire.AppendTag(single, 1, protowire.VarintType)
	single = protowire.AppendVarint(single, signModeDirect)
	var modeInfo []byte
	modeInfo = protowire.AppendTag(modeInfo, 1, protowire.BytesType)
	modeInfo = protowire.AppendBytes(modeInfo, single)

	var signer []byte
	signer = protowire.AppendTag(signer, fieldSignerPubKey, protowire.BytesType)
	signer = appendAny(signer, secp256k1PubKeyTypeURL, pk)
	signer = protowire.AppendTag(signer, fieldSignerModeInfo, protowire.BytesType)
	signer = protowire.AppendBytes(signer, modeInfo)
	if sequence != 0 {
		signer = protowire.AppendTag(signer, fieldSignerSequence, protowire.VarintType)
		signer = protowire.AppendVarint(signer, sequence)
	}

	var fee []byte
	if gasLimit != 0 {
		fee = protowire.AppendTag(fee, fieldFeeGasLimit, protowire.VarintType)
		fee = protowire.AppendVarint(fee, gasLimit)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldAuthSignerInfos, protowire.BytesType)
	b = protowire.AppendBytes(b, signer)
	b = protowire.AppendTag(b, fieldAuthFee, protowire.BytesType)
	b = protowire.AppendBytes(b, fee)
	return b
}

func encodeSignDoc(bodyBytes, authInfoBytes []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSignDocBody, protowire.BytesType)
	b = protowire.AppendBytes(b, bodyBytes)
	b = protowire.AppendTag(b, fieldSignDocAuthInfo, protowire.BytesType)
	b = protowire.AppendBytes(b, authInfoBytes)
	b = protowire.AppendTag(b, fieldSignDocChainID, protowire.BytesType)
	b = protowire.AppendString(b, chainID)
	if accountNumber != 0 {
		b = protowire.AppendTag(b, fieldSignDocAccount, protowire.VarintType)
		b = protowire.AppendVarint(b, accountNumber)
	}
	return b
}

// BuildSignedTx assembles body and auth info for a single message, signs
// the SignDoc with s, and returns the broadcast-ready TxRaw bytes.
func BuildSignedTx(s Signer, msgTypeURL string, msgValue []byte, p TxParams) ([]byte, error) {
	bodyBytes := encodeTxBody(msgTypeURL, msgValue, p.AuthenticatorID)
	authInfoBytes := encodeAuthInfo(s.PubKey(), p.Sequence, p.GasLimit)
	signDoc := encodeSignDoc(bodyBytes, authInfoBytes, p.ChainID, p.AccountNumber)

	sig, err := s.Sign(signDoc)
	if err != nil {
		return nil, fmt.Errorf("chain: sign tx: %w", err)
	}

	var raw []byte
	raw = protowire.AppendTag(raw, fieldTxRawBody, protowire.BytesType)
	raw = protowire.AppendBytes(raw, bodyBytes)
	raw = protowire.AppendTag(raw, fieldTxRawAuthInfo, protowire.BytesType)
	raw = protowire.AppendBytes(raw, authInfoBytes)
	raw = protowire.AppendTag(raw, fieldTxRawSignatures, protowire.BytesType)
	raw = protowire.AppendBytes(raw, sig)
	return raw, nil
}
