package broker

import (
	"bytes"
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dydx-adapter/internal/events"
	"dydx-adapter/internal/market"
	"dydx-adapter/pkg/chain"
	"dydx-adapter/pkg/db"
	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
	"dydx-adapter/pkg/wallet"
)

func testTranslator() *market.Translator {
	symbols := map[string]market.SymbolProperties{
		"BTCUSD": {Ticker: "BTC-USD", QuoteCurrency: "USDC"},
	}
	return market.NewTranslator(market.Config{Owner: "dydx1owner"}, symbols, nil, nil)
}

func newTestBroker(t *testing.T) (*Broker, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	b := New(nil, nil, testTranslator(), nil, database, bus, engine.AccountMargin, 0)
	return b, bus
}

type fakeMarkets struct{}

func (fakeMarkets) PerpetualMarkets(ctx context.Context) (map[string]indexer.PerpetualMarket, error) {
	return map[string]indexer.PerpetualMarket{
		"BTC-USD": {
			Ticker:                    "BTC-USD",
			ClobPairID:                "5",
			Status:                    "ACTIVE",
			StepBaseQuantums:          1000,
			AtomicResolution:          -9,
			QuantumConversionExponent: -9,
			SubticksPerTick:           1000,
		},
	}, nil
}

// newSubmitBroker wires a broker whose translator can build real wire
// orders, so SubmitOrder can run end to end against a stub node.
func newSubmitBroker(t *testing.T, node TxClient) (*Broker, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	symbols := map[string]market.SymbolProperties{
		"BTCUSD": {Ticker: "BTC-USD", QuoteCurrency: "USDC"},
	}
	registry := market.NewRegistry(fakeMarkets{}, time.Hour)
	tr := market.NewTranslator(market.Config{Owner: "dydx1owner"}, symbols, registry, nil)

	bus := events.NewBus()
	b := New(nil, node, tr, nil, database, bus, engine.AccountMargin, 0)
	return b, bus
}

// ackingNode confirms each broadcast through the subaccount handler
// before the broadcast call returns, like an indexer racing the caller.
type ackingNode struct {
	b        *Broker
	brokerID string
}

func (n *ackingNode) PlaceOrder(ctx context.Context, w *wallet.Wallet, o chain.WireOrder) (chain.BroadcastResult, error) {
	n.b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Orders: []indexer.Order{{
			ID:       n.brokerID,
			ClientID: strconv.FormatUint(uint64(o.ID.ClientID), 10),
			Status:   "OPEN",
		}},
	})
	return chain.BroadcastResult{TxHash: "AB12"}, nil
}

func (n *ackingNode) CancelOrder(ctx context.Context, w *wallet.Wallet, id chain.OrderID, goodTilBlock, goodTilBlockTime uint32) (chain.BroadcastResult, error) {
	return chain.BroadcastResult{}, nil
}

// stubNode answers every broadcast with a fixed result.
type stubNode struct {
	result chain.BroadcastResult
}

func (n stubNode) PlaceOrder(ctx context.Context, w *wallet.Wallet, o chain.WireOrder) (chain.BroadcastResult, error) {
	return n.result, nil
}

func (n stubNode) CancelOrder(ctx context.Context, w *wallet.Wallet, id chain.OrderID, goodTilBlock, goodTilBlockTime uint32) (chain.BroadcastResult, error) {
	return n.result, nil
}

// track registers an in-flight order as if it had just been broadcast.
func track(b *Broker, clientID uint32, req engine.OrderRequest, wire chain.WireOrder) *orderState {
	st := &orderState{
		req:    req,
		wire:   wire,
		status: engine.StatusSubmitted,
		acked:  make(chan struct{}),
	}
	b.mu.Lock()
	b.pending[clientID] = st
	b.mu.Unlock()
	return st
}

func TestMapOrderStatus(t *testing.T) {
	tests := []struct {
		status  string
		partial bool
		want    engine.OrderStatus
	}{
		{"OPEN", false, engine.StatusSubmitted},
		{"OPEN", true, engine.StatusPartial},
		{"BEST_EFFORT_OPENED", false, engine.StatusSubmitted},
		{"UNTRIGGERED", false, engine.StatusSubmitted},
		{"FILLED", false, engine.StatusFilled},
		{"CANCELED", false, engine.StatusCanceled},
		{"BEST_EFFORT_CANCELED", false, engine.StatusCanceled},
		{"SOMETHING_NEW", false, engine.StatusSubmitted},
	}
	for _, tt := range tests {
		if got := mapOrderStatus(tt.status, tt.partial); got != tt.want {
			t.Fatalf("mapOrderStatus(%q, %v)=%s, expected %s", tt.status, tt.partial, got, tt.want)
		}
	}
}

func TestHandleSubaccountsCorrelatesAckAndFills(t *testing.T) {
	b, bus := newTestBroker(t)
	fills, unsub := bus.Subscribe(events.EventOrderFilled, 10)
	defer unsub()

	req := engine.OrderRequest{
		Symbol:   "BTCUSD",
		Side:     engine.SideBuy,
		Type:     engine.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
	}
	st := track(b, 42, req, chain.WireOrder{})

	// First update: the indexer assigns the exchange order id.
	b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Orders: []indexer.Order{{ID: "exch-1", ClientID: "42", Status: "OPEN"}},
	})
	if st.brokerID != "exch-1" {
		t.Fatalf("brokerID=%q, expected exch-1", st.brokerID)
	}
	select {
	case <-st.acked:
	default:
		t.Fatalf("ack channel not closed after confirmation")
	}

	// Partial fill: a fill row without a terminal order status.
	b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Fills: []indexer.Fill{{
			ID: "f1", OrderID: "exch-1", Side: "BUY",
			Size: decimal.RequireFromString("0.4"), Price: decimal.NewFromInt(50000),
			Fee: decimal.RequireFromString("0.2"),
		}},
	})
	ev := recvOrderEvent(t, fills)
	if ev.Status != engine.StatusPartial {
		t.Fatalf("partial fill status=%s, expected PARTIAL", ev.Status)
	}
	if ev.FeeCurrency != "USDC" {
		t.Fatalf("fee currency=%q, expected the symbol's quote currency", ev.FeeCurrency)
	}
	if !ev.FillQty.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("fill qty=%s, expected 0.4", ev.FillQty)
	}

	// Terminal update: order FILLED and the closing fill in one message.
	b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Orders: []indexer.Order{{ID: "exch-1", ClientID: "42", Status: "FILLED", TotalFilled: decimal.NewFromInt(1)}},
		Fills: []indexer.Fill{{
			ID: "f2", OrderID: "exch-1", Side: "BUY",
			Size: decimal.RequireFromString("0.6"), Price: decimal.NewFromInt(50010),
			Fee: decimal.RequireFromString("0.3"),
		}},
	})
	ev = recvOrderEvent(t, fills)
	if ev.Status != engine.StatusFilled {
		t.Fatalf("closing fill status=%s, expected FILLED", ev.Status)
	}

	b.mu.Lock()
	_, stillPending := b.pending[42]
	b.mu.Unlock()
	if stillPending {
		t.Fatalf("filled order still tracked")
	}

	// The journal kept both fills.
	rows, err := b.DB.FillsForOrder(context.Background(), 42)
	if err != nil {
		t.Fatalf("FillsForOrder returned error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("journaled fills=%d, expected 2", len(rows))
	}
}

func TestHandleSubaccountsLogsAndDropsUnknownOrders(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	b, _ := newTestBroker(t)
	// Neither the order nor the fill belongs to this adapter instance.
	b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Orders: []indexer.Order{{ID: "other", ClientID: "7", Status: "OPEN"}},
		Fills:  []indexer.Fill{{ID: "f9", OrderID: "other"}},
	})
	b.mu.Lock()
	if len(b.pending) != 0 || len(b.byBroker) != 0 {
		b.mu.Unlock()
		t.Fatalf("foreign update mutated tracking state")
	}
	b.mu.Unlock()

	out := buf.String()
	if !strings.Contains(out, "dropping order update other") {
		t.Fatalf("unknown order update dropped without a log line: %q", out)
	}
	if !strings.Contains(out, "dropping fill f9") {
		t.Fatalf("unknown fill dropped without a log line: %q", out)
	}
}

func TestTerminalUpdateEmitsEveryFill(t *testing.T) {
	b, bus := newTestBroker(t)
	fills, unsub := bus.Subscribe(events.EventOrderFilled, 10)
	defer unsub()

	req := engine.OrderRequest{
		Symbol:   "BTCUSD",
		Side:     engine.SideBuy,
		Type:     engine.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
	}
	st := track(b, 77, req, chain.WireOrder{})
	st.brokerID = "exch-9"
	b.byBroker["exch-9"] = 77

	// The order fills completely in one block: the terminal status and
	// both closing fills arrive in a single update.
	b.HandleSubaccounts(indexer.SubaccountsUpdate{
		Orders: []indexer.Order{{ID: "exch-9", ClientID: "77", Status: "FILLED", TotalFilled: decimal.NewFromInt(1)}},
		Fills: []indexer.Fill{
			{ID: "f1", OrderID: "exch-9", Side: "BUY", Size: decimal.RequireFromString("0.4"), Price: decimal.NewFromInt(50000)},
			{ID: "f2", OrderID: "exch-9", Side: "BUY", Size: decimal.RequireFromString("0.6"), Price: decimal.NewFromInt(50010)},
		},
	})

	first := recvOrderEvent(t, fills)
	if first.Status != engine.StatusPartial {
		t.Fatalf("first fill status=%s, expected PARTIAL", first.Status)
	}
	if !first.FillQty.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("first fill qty=%s, expected 0.4", first.FillQty)
	}
	second := recvOrderEvent(t, fills)
	if second.Status != engine.StatusFilled {
		t.Fatalf("closing fill status=%s, expected FILLED", second.Status)
	}
	if !second.FillQty.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("closing fill qty=%s, expected 0.6", second.FillQty)
	}

	b.mu.Lock()
	_, stillPending := b.pending[77]
	b.mu.Unlock()
	if stillPending {
		t.Fatalf("filled order still tracked")
	}

	rows, err := b.DB.FillsForOrder(context.Background(), 77)
	if err != nil {
		t.Fatalf("FillsForOrder returned error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("journaled fills=%d, expected 2", len(rows))
	}
}

func TestSubmitSeesAckArrivingDuringBroadcast(t *testing.T) {
	node := &ackingNode{brokerID: "exch-7"}
	b, _ := newSubmitBroker(t, node)
	node.b = b

	res, err := b.SubmitOrder(context.Background(), engine.OrderRequest{
		Symbol:      "BTCUSD",
		Side:        engine.SideBuy,
		Type:        engine.OrderTypeLimit,
		TimeInForce: engine.TIFGTC,
		Quantity:    decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if res.Status != engine.StatusSubmitted {
		t.Fatalf("status=%s, expected SUBMITTED", res.Status)
	}
	if res.BrokerID != "exch-7" {
		t.Fatalf("broker id %q, expected the id assigned during broadcast", res.BrokerID)
	}

	b.mu.Lock()
	st := b.pending[res.ClientID]
	b.mu.Unlock()
	if st == nil {
		t.Fatalf("submitted order not tracked")
	}
	if st.brokerID != "exch-7" {
		t.Fatalf("tracked broker id %q, expected exch-7", st.brokerID)
	}
}

func TestSubmitRejectedBroadcastLeavesNoTracking(t *testing.T) {
	b, _ := newSubmitBroker(t, stubNode{result: chain.BroadcastResult{
		Code: 13, Codespace: "sdk", RawLog: "insufficient fee",
	}})

	res, err := b.SubmitOrder(context.Background(), engine.OrderRequest{
		Symbol:      "BTCUSD",
		Side:        engine.SideBuy,
		Type:        engine.OrderTypeLimit,
		TimeInForce: engine.TIFGTC,
		Quantity:    decimal.NewFromInt(1),
		LimitPrice:  decimal.NewFromInt(1000),
	})
	if err == nil {
		t.Fatalf("rejected broadcast reported success")
	}
	if res.Status != engine.StatusInvalid {
		t.Fatalf("status=%s, expected INVALID", res.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) != 0 || len(b.byBroker) != 0 {
		t.Fatalf("rejected order left tracking state behind")
	}
}

func TestCancelRacesStreamUpdates(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Node = stubNode{}

	st := track(b, 5, engine.OrderRequest{Symbol: "BTCUSD", Type: engine.OrderTypeLimit}, chain.WireOrder{})
	st.brokerID = "exch-5"
	b.byBroker["exch-5"] = 5

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.HandleSubaccounts(indexer.SubaccountsUpdate{
				Orders: []indexer.Order{{
					ID: "exch-5", ClientID: "5", Status: "OPEN",
					TotalFilled: decimal.NewFromInt(int64(i % 2)),
				}},
			})
		}
	}()
	for i := 0; i < 200; i++ {
		_ = b.CancelOrder(context.Background(), "BTCUSD", "exch-5")
	}
	<-done
}

func TestCancelRejections(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.CancelOrder(ctx, "BTCUSD", "missing"); err == nil {
		t.Fatalf("cancel of an unknown order succeeded")
	}

	marketSt := track(b, 1, engine.OrderRequest{Symbol: "BTCUSD", Type: engine.OrderTypeMarket}, chain.WireOrder{})
	marketSt.brokerID = "m-1"
	b.byBroker["m-1"] = 1
	if err := b.CancelOrder(ctx, "BTCUSD", "m-1"); err == nil {
		t.Fatalf("cancel of a market order succeeded")
	}

	filledSt := track(b, 2, engine.OrderRequest{Symbol: "BTCUSD", Type: engine.OrderTypeLimit}, chain.WireOrder{})
	filledSt.brokerID = "l-2"
	filledSt.status = engine.StatusFilled
	b.byBroker["l-2"] = 2
	if err := b.CancelOrder(ctx, "BTCUSD", "l-2"); err == nil {
		t.Fatalf("cancel of a filled order succeeded")
	}
}

func TestModifyOrderIsUnsupported(t *testing.T) {
	b, _ := newTestBroker(t)
	if err := b.ModifyOrder(context.Background(), "BTCUSD", "x"); err != ErrUnsupported {
		t.Fatalf("ModifyOrder error = %v, expected ErrUnsupported", err)
	}
}

func TestNewClientIDAvoidsCollisions(t *testing.T) {
	b, _ := newTestBroker(t)
	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		id := b.newClientID()
		if _, dup := seen[id]; dup {
			// Random collisions are possible in principle but 100 draws
			// from 2^32 colliding indicates a broken generator.
			t.Fatalf("duplicate client id %d", id)
		}
		seen[id] = struct{}{}
		track(b, id, engine.OrderRequest{}, chain.WireOrder{})
	}
}

func recvOrderEvent(t *testing.T, ch <-chan any) engine.OrderEvent {
	t.Helper()
	select {
	case v := <-ch:
		ev, ok := v.(engine.OrderEvent)
		if !ok {
			t.Fatalf("event payload is %T, expected engine.OrderEvent", v)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no order event received")
		return engine.OrderEvent{}
	}
}
