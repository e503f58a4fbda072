package node

import "fmt"

// rawMessage is a pre-encoded protobuf message body.
type rawMessage []byte

// rawCodec passes message bytes through untouched so hand-encoded
// payloads can ride a standard gRPC call. It advertises the proto
// content subtype because the bytes are valid protobuf wire format.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("node: raw codec cannot marshal %T", v)
	}
	return []byte(*m), nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("node: raw codec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}
