package chain

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// gRPC method names the node client invokes with these hand-encoded
// request/response payloads.
const (
	MethodBroadcastTx       = "/cosmos.tx.v1beta1.Service/BroadcastTx"
	MethodGetLatestBlock    = "/cosmos.base.tendermint.v1beta1.Service/GetLatestBlock"
	MethodGetAuthenticators = "/dydxprotocol.accountplus.Query/GetAuthenticators"
)

// broadcastModeSync asks the node to wait for CheckTx before responding.
const broadcastModeSync = 2

// BroadcastResult is the chain's synchronous answer to a broadcast.
type BroadcastResult struct {
	Code      uint32
	Codespace string
	TxHash    string
	RawLog    string
}

// EncodeBroadcastTxRequest wraps signed TxRaw bytes in a sync-mode
// BroadcastTxRequest.
func EncodeBroadcastTxRequest(txBytes []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, txBytes)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, broadcastModeSync)
	return b
}

// DecodeBroadcastResponse extracts code, hash and log from a
// BroadcastTxResponse.
func DecodeBroadcastResponse(b []byte) (BroadcastResult, error) {
	txResp, ok, err := messageField(b, 1)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("chain: decode broadcast response: %w", err)
	}
	if !ok {
		return BroadcastResult{}, fmt.Errorf("chain: broadcast response missing tx_response")
	}
	var res BroadcastResult
	err = walkFields(txResp, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case 2:
			res.TxHash = string(raw)
		case 3:
			res.Codespace = string(raw)
		case 4:
			res.Code = uint32(v)
		case 6:
			res.RawLog = string(raw)
		}
	})
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("chain: decode tx_response: %w", err)
	}
	return res, nil
}

// EncodeGetLatestBlockRequest returns the empty request message.
func EncodeGetLatestBlockRequest() []byte { return nil }

// DecodeLatestBlockHeight walks block.header.height out of a
// GetLatestBlockResponse.
func DecodeLatestBlockHeight(b []byte) (uint32, error) {
	block, ok, err := messageField(b, 2)
	if err != nil || !ok {
		return 0, fmt.Errorf("chain: latest block response missing block: %w", err)
	}
	header, ok, err := messageField(block, 1)
	if err != nil || !ok {
		return 0, fmt.Errorf("chain: block missing header: %w", err)
	}
	var height uint64
	err = walkFields(header, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		if num == 3 && typ == protowire.VarintType {
			height = v
		}
	})
	if err != nil {
		return 0, fmt.Errorf("chain: decode block header: %w", err)
	}
	return uint32(height), nil
}

// EncodeGetAuthenticatorsRequest encodes the accountplus authenticator
// query for an address.
func EncodeGetAuthenticatorsRequest(address string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, address)
	return b
}

// DecodeAuthenticatorIDs collects the ids of every registered
// authenticator in a GetAuthenticatorsResponse.
func DecodeAuthenticatorIDs(b []byte) ([]uint64, error) {
	var ids []uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		if num != 1 || typ != protowire.BytesType {
			return
		}
		_ = walkFields(raw, func(n protowire.Number, t protowire.Type, id uint64, _ []byte) {
			if n == 1 && t == protowire.VarintType {
				ids = append(ids, id)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("chain: decode authenticators: %w", err)
	}
	return ids, nil
}

// messageField returns the payload of the first length-delimited field
// with the given number.
func messageField(b []byte, want protowire.Number) (payload []byte, found bool, err error) {
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		if num == want && typ == protowire.BytesType && !found {
			payload, found = raw, true
		}
	})
	return payload, found, err
}

// walkFields visits every top-level field of a wire-format message. For
// varint fields v holds the value; for length-delimited fields raw holds
// the payload. Other wire types are skipped.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, typ, v, nil)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, typ, uint64(v), nil)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, typ, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			visit(num, typ, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
