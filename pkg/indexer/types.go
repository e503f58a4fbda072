// Package indexer is the read-only client for the exchange's off-chain
// indexer: market metadata, positions, orders and candles over REST, and
// the v4 channel protocol over WebSocket.
package indexer

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PerpetualMarket is one entry of the exchange-info snapshot. The
// quantization fields all come from the same snapshot and are refreshed
// together; the oracle price also moves on its own via the markets channel.
type PerpetualMarket struct {
	Ticker                    string          `json:"ticker"`
	ClobPairID                string          `json:"clobPairId"`
	Status                    string          `json:"status"`
	OraclePrice               decimal.Decimal `json:"oraclePrice"`
	TickSize                  decimal.Decimal `json:"tickSize"`
	StepSize                  decimal.Decimal `json:"stepSize"`
	StepBaseQuantums          uint64          `json:"stepBaseQuantums"`
	AtomicResolution          int32           `json:"atomicResolution"`
	QuantumConversionExponent int32           `json:"quantumConversionExponent"`
	SubticksPerTick           uint32          `json:"subticksPerTick"`
	Volume24H                 decimal.Decimal `json:"volume24H"`
}

// PerpetualPosition is an open or historical position row.
type PerpetualPosition struct {
	Market           string          `json:"market"`
	Status           string          `json:"status"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	UnrealizedPnl    decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnl      decimal.Decimal `json:"realizedPnl"`
	SubaccountNumber uint32          `json:"subaccountNumber"`
	CreatedAt        string          `json:"createdAt"`
}

// AssetPosition is a quote-asset balance row in a subaccount snapshot.
type AssetPosition struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Size   decimal.Decimal `json:"size"`
}

// Subaccount is the account snapshot: collateral plus open positions.
type Subaccount struct {
	Address                string                       `json:"address"`
	SubaccountNumber       uint32                       `json:"subaccountNumber"`
	Equity                 decimal.Decimal              `json:"equity"`
	FreeCollateral         decimal.Decimal              `json:"freeCollateral"`
	OpenPerpetualPositions map[string]PerpetualPosition `json:"openPerpetualPositions"`
	AssetPositions         map[string]AssetPosition     `json:"assetPositions"`
}

// Order is an indexer order row. ID is the exchange-assigned order id;
// ClientID echoes the id the adapter chose at submission.
type Order struct {
	ID               string          `json:"id"`
	ClientID         string          `json:"clientId"`
	ClobPairID       string          `json:"clobPairId"`
	Ticker           string          `json:"ticker"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	TotalFilled      decimal.Decimal `json:"totalFilled"`
	Price            decimal.Decimal `json:"price"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	TimeInForce      string          `json:"timeInForce"`
	ReduceOnly       bool            `json:"reduceOnly"`
	OrderFlags       string          `json:"orderFlags"`
	GoodTilBlock     string          `json:"goodTilBlock"`
	GoodTilBlockTime string          `json:"goodTilBlockTime"`
}

// Fill is one execution attributed to an order.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Ticker    string          `json:"ticker"`
	Liquidity string          `json:"liquidity"`
	CreatedAt string          `json:"createdAt"`
}

// Candle is one bar of the paginated candle history.
type Candle struct {
	StartedAt       string          `json:"startedAt"`
	Ticker          string          `json:"ticker"`
	Resolution      string          `json:"resolution"`
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	BaseTokenVolume decimal.Decimal `json:"baseTokenVolume"`
	UsdVolume       decimal.Decimal `json:"usdVolume"`
	Trades          int             `json:"trades"`
}

// PriceLevel is one side entry of an orderbook message. The indexer sends
// levels both as ["price","size"] arrays and as {price,size} objects
// depending on snapshot vs delta, so it unmarshals from either shape.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var pair [2]decimal.Decimal
		if err := json.Unmarshal(b, &pair); err != nil {
			return fmt.Errorf("indexer: price level array: %w", err)
		}
		l.Price, l.Size = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Price decimal.Decimal `json:"price"`
		Size  decimal.Decimal `json:"size"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("indexer: price level object: %w", err)
	}
	l.Price, l.Size = obj.Price, obj.Size
	return nil
}

// OrderbookUpdate is a parsed v4_orderbook snapshot or delta. A delta
// level with size zero removes that price level.
type OrderbookUpdate struct {
	Symbol   string
	Snapshot bool
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// WsTrade is one print from the v4_trades channel.
type WsTrade struct {
	ID        string          `json:"id"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt string          `json:"createdAt"`
}

// TradesUpdate is a parsed v4_trades message.
type TradesUpdate struct {
	Symbol string
	Trades []WsTrade
}

// OraclePriceUpdate carries fresh oracle prices keyed by ticker.
type OraclePriceUpdate map[string]decimal.Decimal

// SubaccountsUpdate is a parsed v4_subaccounts message: order status
// transitions plus fills attributed in the same block.
type SubaccountsUpdate struct {
	BlockHeight string  `json:"blockHeight"`
	Orders      []Order `json:"orders"`
	Fills       []Fill  `json:"fills"`
}
