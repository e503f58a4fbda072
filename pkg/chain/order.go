// Package chain encodes the on-chain transaction messages the adapter
// broadcasts: protobuf wire format assembled field by field with
// protowire, signed over a Cosmos SignDoc.
package chain

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Order flag regimes. Short-term orders expire by block height, long-term
// and conditional orders by wall-clock time; the two field sets are
// mutually exclusive on the wire.
type OrderFlags uint32

const (
	FlagsShortTerm   OrderFlags = 0
	FlagsConditional OrderFlags = 32
	FlagsLongTerm    OrderFlags = 64
)

// Side enum as the clob module defines it.
type Side int32

const (
	SideUnspecified Side = 0
	SideBuy         Side = 1
	SideSell        Side = 2
)

// TimeInForce enum as the clob module defines it.
type TimeInForce int32

const (
	TifUnspecified TimeInForce = 0
	TifIOC         TimeInForce = 1
	TifPostOnly    TimeInForce = 2
	TifFillOrKill  TimeInForce = 3
)

// ConditionType enum for conditional orders.
type ConditionType int32

const (
	ConditionUnspecified ConditionType = 0
	ConditionStopLoss    ConditionType = 1
	ConditionTakeProfit  ConditionType = 2
)

const (
	placeOrderTypeURL  = "/dydxprotocol.clob.MsgPlaceOrder"
	cancelOrderTypeURL = "/dydxprotocol.clob.MsgCancelOrder"
)

var (
	ErrGoodTilMissing  = errors.New("chain: order carries neither good-til-block nor good-til-block-time")
	ErrGoodTilConflict = errors.New("chain: order carries both good-til-block and good-til-block-time")
)

// OrderID identifies an order on the clob: owner subaccount, the
// client-assigned id, the flag regime, and the market.
type OrderID struct {
	Owner            string
	SubaccountNumber uint32
	ClientID         uint32
	Flags            OrderFlags
	ClobPairID       uint32
}

// WireOrder is an exchange-native order ready to be signed and broadcast.
// Quantums and Subticks are already quantized to the market's step and
// tick granularity.
type WireOrder struct {
	ID                         OrderID
	Side                       Side
	Quantums                   uint64
	Subticks                   uint64
	GoodTilBlock               uint32 // short-term regime only
	GoodTilBlockTime           uint32 // long-term/conditional regime, unix seconds
	TimeInForce                TimeInForce
	ReduceOnly                 bool
	ClientMetadata             uint32
	ConditionType              ConditionType
	ConditionalTriggerSubticks uint64
}

// checkGoodTil enforces the flag-regime invariant: short-term orders carry
// a block height, everything else a block time, never both.
func (o WireOrder) checkGoodTil() error {
	switch {
	case o.GoodTilBlock == 0 && o.GoodTilBlockTime == 0:
		return ErrGoodTilMissing
	case o.GoodTilBlock != 0 && o.GoodTilBlockTime != 0:
		return ErrGoodTilConflict
	case o.ID.Flags == FlagsShortTerm && o.GoodTilBlock == 0:
		return fmt.Errorf("chain: short-term order %d missing good-til-block", o.ID.ClientID)
	case o.ID.Flags != FlagsShortTerm && o.GoodTilBlockTime == 0:
		return fmt.Errorf("chain: stateful order %d missing good-til-block-time", o.ID.ClientID)
	}
	return nil
}

func encodeSubaccountID(owner string, number uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, owner)
	if number != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(number))
	}
	return b
}

func encodeOrderID(id OrderID) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSubaccountID(id.Owner, id.SubaccountNumber))
	// client_id is fixed32 on the wire.
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, id.ClientID)
	if id.Flags != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id.Flags))
	}
	if id.ClobPairID != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id.ClobPairID))
	}
	return b
}

func encodeOrder(o WireOrder) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeOrderID(o.ID))
	if o.Side != SideUnspecified {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.Side))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Quantums)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Subticks)
	if o.GoodTilBlock != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.GoodTilBlock))
	}
	if o.GoodTilBlockTime != 0 {
		// good_til_block_time is fixed32 on the wire.
		b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, o.GoodTilBlockTime)
	}
	if o.TimeInForce != TifUnspecified {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.TimeInForce))
	}
	if o.ReduceOnly {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if o.ClientMetadata != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.ClientMetadata))
	}
	if o.ConditionType != ConditionUnspecified {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.ConditionType))
	}
	if o.ConditionalTriggerSubticks != 0 {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, o.ConditionalTriggerSubticks)
	}
	return b
}

// PlaceOrderMsg encodes a MsgPlaceOrder and returns its Any envelope parts.
func PlaceOrderMsg(o WireOrder) (typeURL string, value []byte, err error) {
	if err := o.checkGoodTil(); err != nil {
		return "", nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeOrder(o))
	return placeOrderTypeURL, b, nil
}

// CancelOrderMsg encodes a MsgCancelOrder. The good-til field must mirror
// the flag regime of the original order or the chain will not find it.
func CancelOrderMsg(id OrderID, goodTilBlock, goodTilBlockTime uint32) (typeURL string, value []byte, err error) {
	if goodTilBlock == 0 && goodTilBlockTime == 0 {
		return "", nil, ErrGoodTilMissing
	}
	if goodTilBlock != 0 && goodTilBlockTime != 0 {
		return "", nil, ErrGoodTilConflict
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeOrderID(id))
	if goodTilBlock != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(goodTilBlock))
	}
	if goodTilBlockTime != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, goodTilBlockTime)
	}
	return cancelOrderTypeURL, b, nil
}
