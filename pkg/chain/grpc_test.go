package chain

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestBroadcastRequestAndResponseRoundTrip(t *testing.T) {
	tx := []byte{0x01, 0x02, 0x03}
	req := EncodeBroadcastTxRequest(tx)

	fields := decodeFields(t, req)
	if string(fields[1]) != string(tx) {
		t.Fatalf("request tx_bytes=%x", fields[1])
	}
	mode, _ := protowire.ConsumeVarint(fields[2])
	if mode != 2 {
		t.Fatalf("broadcast mode=%d, expected sync", mode)
	}

	// Synthesize a BroadcastTxResponse{tx_response{...}}.
	var inner []byte
	inner = protowire.AppendTag(inner, 2, protowire.BytesType)
	inner = protowire.AppendString(inner, "CAFEBABE")
	inner = protowire.AppendTag(inner, 3, protowire.BytesType)
	inner = protowire.AppendString(inner, "sdk")
	inner = protowire.AppendTag(inner, 4, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 32)
	inner = protowire.AppendTag(inner, 6, protowire.BytesType)
	inner = protowire.AppendString(inner, "account sequence mismatch")
	var resp []byte
	resp = protowire.AppendTag(resp, 1, protowire.BytesType)
	resp = protowire.AppendBytes(resp, inner)

	res, err := DecodeBroadcastResponse(resp)
	if err != nil {
		t.Fatalf("DecodeBroadcastResponse returned error: %v", err)
	}
	if res.TxHash != "CAFEBABE" || res.Codespace != "sdk" || res.Code != 32 {
		t.Fatalf("decoded result = %+v", res)
	}
	if res.RawLog != "account sequence mismatch" {
		t.Fatalf("raw log = %q", res.RawLog)
	}
}

func TestDecodeBroadcastResponseMissingTxResponse(t *testing.T) {
	if _, err := DecodeBroadcastResponse(nil); err == nil {
		t.Fatalf("empty broadcast response was accepted")
	}
}

func TestDecodeLatestBlockHeight(t *testing.T) {
	// GetLatestBlockResponse{block{header{height}}}
	var header []byte
	header = protowire.AppendTag(header, 3, protowire.VarintType)
	header = protowire.AppendVarint(header, 12345678)
	var block []byte
	block = protowire.AppendTag(block, 1, protowire.BytesType)
	block = protowire.AppendBytes(block, header)
	var resp []byte
	resp = protowire.AppendTag(resp, 2, protowire.BytesType)
	resp = protowire.AppendBytes(resp, block)

	height, err := DecodeLatestBlockHeight(resp)
	if err != nil {
		t.Fatalf("DecodeLatestBlockHeight returned error: %v", err)
	}
	if height != 12345678 {
		t.Fatalf("height=%d, expected 12345678", height)
	}

	if _, err := DecodeLatestBlockHeight(nil); err == nil {
		t.Fatalf("empty block response was accepted")
	}
}

func TestDecodeAuthenticatorIDs(t *testing.T) {
	// GetAuthenticatorsResponse{account_authenticators: [{id:5},{id:9}]}
	var resp []byte
	for _, id := range []uint64{5, 9} {
		var auth []byte
		auth = protowire.AppendTag(auth, 1, protowire.VarintType)
		auth = protowire.AppendVarint(auth, id)
		resp = protowire.AppendTag(resp, 1, protowire.BytesType)
		resp = protowire.AppendBytes(resp, auth)
	}

	ids, err := DecodeAuthenticatorIDs(resp)
	if err != nil {
		t.Fatalf("DecodeAuthenticatorIDs returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 9 {
		t.Fatalf("ids=%v, expected [5 9]", ids)
	}

	ids, err = DecodeAuthenticatorIDs(nil)
	if err != nil {
		t.Fatalf("empty response returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids from empty response=%v", ids)
	}
}

func TestEncodeGetAuthenticatorsRequest(t *testing.T) {
	req := EncodeGetAuthenticatorsRequest("dydx1owner")
	fields := decodeFields(t, req)
	if string(fields[1]) != "dydx1owner" {
		t.Fatalf("request address=%q", fields[1])
	}
}
