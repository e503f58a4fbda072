package events

// Event enumerates high-level topics inside the adapter.
type Event string

const (
	EventQuoteTick      Event = "quote_tick"
	EventTradeTick      Event = "trade_tick"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderCanceled  Event = "order.canceled"
	EventOrderInvalid   Event = "order.invalid"
	EventBrokerMessage  Event = "broker.message"
)
