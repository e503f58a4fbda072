package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order kinds the adapter can translate.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFDay TimeInForce = "DAY" // expires 24h after submission
	TIFGTD TimeInForce = "GTD" // expires at OrderRequest.Expiry
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusInvalid   OrderStatus = "INVALID"
)

// AccountType distinguishes how balances are derived from positions.
type AccountType string

const (
	AccountCash   AccountType = "CASH"
	AccountMargin AccountType = "MARGIN"
)

// OrderRequest captures an order intent from the trading engine.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal // required for LIMIT / STOP_LIMIT
	StopPrice   decimal.Decimal // required for STOP_MARKET / STOP_LIMIT
	TimeInForce TimeInForce
	Expiry      time.Time // required for GTD
	ReduceOnly  bool
	ClientTag   uint32 // opaque metadata echoed back by the exchange
}

// OrderResult returns the adapter-side ack for a submitted order.
type OrderResult struct {
	ClientID uint32
	BrokerID string // exchange-assigned, known once the indexer confirms
	Status   OrderStatus
	TxHash   string
}

// OrderEvent reports a lifecycle transition or fill to the engine.
type OrderEvent struct {
	ClientID    uint32
	BrokerID    string
	Symbol      string
	Status      OrderStatus
	FillQty     decimal.Decimal
	FillPrice   decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Message     string
	Time        time.Time
}

// QuoteTick is a best bid/ask update emitted after book reconciliation.
type QuoteTick struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	Time     time.Time
}

// TradeTick is a single trade print. Size is signed: positive when the
// taker bought, negative when the taker sold.
type TradeTick struct {
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
	Time   time.Time
}

// Balance is a per-currency account balance.
type Balance struct {
	Currency string
	Amount   decimal.Decimal
}

// Severity grades adapter messages surfaced to the engine.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Message carries a human-readable adapter notice with a coarse category.
type Message struct {
	Severity Severity
	Category string
	Text     string
}
