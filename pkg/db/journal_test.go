package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOrderJournalRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := OrderRecord{
		ClientID:  42,
		Symbol:    "BTCUSD",
		Side:      "BUY",
		Type:      "LIMIT",
		Price:     "50000.5",
		Qty:       "0.25",
		Status:    "SUBMITTED",
		TxHash:    "ABCDEF",
		CreatedAt: time.Now().UTC(),
	}
	if err := d.RecordOrder(ctx, o); err != nil {
		t.Fatalf("RecordOrder returned error: %v", err)
	}

	orders, err := d.RecentOrders(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOrders returned error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders=%d, expected 1", len(orders))
	}
	got := orders[0]
	if got.ClientID != 42 || got.Price != "50000.5" || got.Status != "SUBMITTED" {
		t.Fatalf("journaled order = %+v", got)
	}

	// Status update attaches the exchange id once known.
	if err := d.UpdateOrderStatus(ctx, 42, "exch-1", "FILLED"); err != nil {
		t.Fatalf("UpdateOrderStatus returned error: %v", err)
	}
	orders, _ = d.RecentOrders(ctx, 10)
	if orders[0].Status != "FILLED" || orders[0].BrokerID != "exch-1" {
		t.Fatalf("after update: status=%s broker=%s", orders[0].Status, orders[0].BrokerID)
	}

	// A later update without a broker id must not erase the stored one.
	if err := d.UpdateOrderStatus(ctx, 42, "", "CANCELED"); err != nil {
		t.Fatalf("UpdateOrderStatus returned error: %v", err)
	}
	orders, _ = d.RecentOrders(ctx, 10)
	if orders[0].BrokerID != "exch-1" {
		t.Fatalf("broker id erased by empty update: %q", orders[0].BrokerID)
	}
}

func TestFillJournalIgnoresDuplicates(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	f := FillRecord{
		ID:          "f1",
		ClientID:    42,
		BrokerID:    "exch-1",
		Symbol:      "BTCUSD",
		Side:        "BUY",
		Price:       "50000",
		Qty:         "0.4",
		Fee:         "0.2",
		FeeCurrency: "USDC",
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.RecordFill(ctx, f); err != nil {
		t.Fatalf("RecordFill returned error: %v", err)
	}
	// Redelivery after a stream reconnect.
	if err := d.RecordFill(ctx, f); err != nil {
		t.Fatalf("duplicate RecordFill returned error: %v", err)
	}

	fills, err := d.FillsForOrder(ctx, 42)
	if err != nil {
		t.Fatalf("FillsForOrder returned error: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills=%d, expected duplicate ignored", len(fills))
	}
	if fills[0].FeeCurrency != "USDC" {
		t.Fatalf("fee currency=%q", fills[0].FeeCurrency)
	}
}
