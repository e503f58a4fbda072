// Package broker orchestrates the order lifecycle: it translates engine
// requests into wire orders, broadcasts them, journals them, and
// correlates indexer subaccount updates back into engine order events.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"dydx-adapter/internal/events"
	"dydx-adapter/internal/market"
	"dydx-adapter/pkg/chain"
	"dydx-adapter/pkg/db"
	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
	"dydx-adapter/pkg/wallet"
)

// ErrUnsupported marks operations the exchange has no primitive for.
var ErrUnsupported = errors.New("broker: operation not supported by the exchange")

// ackTimeout bounds how long a submit waits for the indexer confirmation
// before returning without a broker id. The order is not failed: the
// transaction was accepted by the mempool and may still land in a later
// block.
const ackTimeout = 15 * time.Second

// TxClient is the slice of the node client the broker broadcasts through.
type TxClient interface {
	PlaceOrder(ctx context.Context, w *wallet.Wallet, o chain.WireOrder) (chain.BroadcastResult, error)
	CancelOrder(ctx context.Context, w *wallet.Wallet, id chain.OrderID, goodTilBlock, goodTilBlockTime uint32) (chain.BroadcastResult, error)
}

// orderState tracks one in-flight order from broadcast to terminal status.
type orderState struct {
	req      engine.OrderRequest
	wire     chain.WireOrder
	brokerID string
	status   engine.OrderStatus
	acked    chan struct{}
}

// Broker implements engine.Gateway against the chain node and indexer.
type Broker struct {
	Wallet     *wallet.Wallet
	Node       TxClient
	Translator *market.Translator
	Indexer    *indexer.Client
	DB         *db.Database
	Bus        *events.Bus

	AccountType engine.AccountType
	Subaccount  uint32

	// mu serializes submission against the subaccount-stream handler so
	// an ack arriving mid-submit cannot race the pending map.
	mu       sync.Mutex
	pending  map[uint32]*orderState
	byBroker map[string]uint32
}

func New(w *wallet.Wallet, n TxClient, tr *market.Translator, ix *indexer.Client, database *db.Database, bus *events.Bus, acct engine.AccountType, subaccount uint32) *Broker {
	if acct == "" {
		acct = engine.AccountMargin
	}
	return &Broker{
		Wallet:      w,
		Node:        n,
		Translator:  tr,
		Indexer:     ix,
		DB:          database,
		Bus:         bus,
		AccountType: acct,
		Subaccount:  subaccount,
		pending:     make(map[uint32]*orderState),
		byBroker:    make(map[string]uint32),
	}
}

// SubmitOrder translates, signs and broadcasts an order, then waits up
// to ackTimeout for the indexer confirmation. A nonzero broadcast code
// means the exchange rejected the transaction outright and the order is
// reported invalid; a missing confirmation is only a warning.
func (b *Broker) SubmitOrder(ctx context.Context, req engine.OrderRequest) (engine.OrderResult, error) {
	clientID := b.newClientID()

	wire, err := b.Translator.CreateOrder(ctx, req, clientID)
	if err != nil {
		b.publishInvalid(clientID, req, err.Error())
		return engine.OrderResult{ClientID: clientID, Status: engine.StatusInvalid}, err
	}

	st := &orderState{
		req:    req,
		wire:   wire,
		status: engine.StatusSubmitted,
		acked:  make(chan struct{}),
	}
	// Track before broadcasting: the subaccount stream can ack the order
	// while the broadcast call is still returning.
	b.mu.Lock()
	b.pending[clientID] = st
	b.mu.Unlock()

	res, err := b.Node.PlaceOrder(ctx, b.Wallet, wire)
	if err != nil {
		b.untrack(clientID)
		b.publishInvalid(clientID, req, err.Error())
		return engine.OrderResult{ClientID: clientID, Status: engine.StatusInvalid}, err
	}
	if res.Code != 0 {
		b.untrack(clientID)
		reason := fmt.Sprintf("broadcast rejected (codespace=%s code=%d): %s", res.Codespace, res.Code, res.RawLog)
		b.publishInvalid(clientID, req, reason)
		b.journalOrder(ctx, clientID, req, engine.StatusInvalid, res.TxHash)
		return engine.OrderResult{ClientID: clientID, Status: engine.StatusInvalid, TxHash: res.TxHash},
			fmt.Errorf("broker: %s", reason)
	}

	b.journalOrder(ctx, clientID, req, engine.StatusSubmitted, res.TxHash)
	b.publish(events.EventOrderSubmitted, engine.OrderEvent{
		ClientID: clientID,
		Symbol:   req.Symbol,
		Status:   engine.StatusSubmitted,
		Time:     time.Now().UTC(),
	})
	log.Printf("broker: submitted %s %s %s qty=%s client_id=%d tx=%s",
		req.Symbol, req.Side, req.Type, req.Quantity, clientID, res.TxHash)

	brokerID := b.awaitAck(ctx, clientID, st)
	return engine.OrderResult{ClientID: clientID, BrokerID: brokerID, Status: engine.StatusSubmitted, TxHash: res.TxHash}, nil
}

// untrack drops a pending order that never made it onto the exchange.
func (b *Broker) untrack(clientID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.pending[clientID]
	if !ok {
		return
	}
	delete(b.pending, clientID)
	if st.brokerID != "" {
		delete(b.byBroker, st.brokerID)
	}
}

// CancelOrder broadcasts a cancel for a previously submitted order. The
// cancel message must carry the same flag regime and good-til fields the
// order was placed with, so only orders this broker still tracks can be
// canceled.
func (b *Broker) CancelOrder(ctx context.Context, symbol, brokerID string) error {
	// Copy the fields needed for the cancel while holding mu; the stream
	// handler mutates order state under the same lock.
	b.mu.Lock()
	clientID, ok := b.byBroker[brokerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("broker: unknown order %s", brokerID)
	}
	st := b.pending[clientID]
	if st == nil {
		b.mu.Unlock()
		return fmt.Errorf("broker: order %s is no longer tracked", brokerID)
	}
	orderType := st.req.Type
	status := st.status
	id := st.wire.ID
	goodTilBlock, goodTilBlockTime := st.wire.GoodTilBlock, st.wire.GoodTilBlockTime
	b.mu.Unlock()

	switch {
	case orderType == engine.OrderTypeMarket:
		return fmt.Errorf("broker: market order %s cannot be canceled", brokerID)
	case status == engine.StatusFilled:
		return fmt.Errorf("broker: order %s is already filled", brokerID)
	case status == engine.StatusCanceled:
		return fmt.Errorf("broker: order %s is already canceled", brokerID)
	}

	res, err := b.Node.CancelOrder(ctx, b.Wallet, id, goodTilBlock, goodTilBlockTime)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("broker: cancel rejected (codespace=%s code=%d): %s", res.Codespace, res.Code, res.RawLog)
	}
	log.Printf("broker: cancel broadcast for %s (client_id=%d) tx=%s", brokerID, clientID, res.TxHash)
	return nil
}

// ModifyOrder is not provided by the exchange; callers cancel and resubmit.
func (b *Broker) ModifyOrder(ctx context.Context, symbol, brokerID string) error {
	return ErrUnsupported
}

// HandleSubaccounts correlates an indexer subaccount update with pending
// orders: status transitions first, then fills, so a fill for an order
// acknowledged in the same message resolves against a known broker id.
func (b *Broker) HandleSubaccounts(u indexer.SubaccountsUpdate) {
	ctx := context.Background()
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range u.Orders {
		b.applyOrderLocked(ctx, o)
	}
	// One update can carry several fills for the same order; only the
	// last of them may close the order out, the earlier ones are partial.
	remaining := make(map[string]int, len(u.Fills))
	for _, f := range u.Fills {
		remaining[f.OrderID]++
	}
	for _, f := range u.Fills {
		remaining[f.OrderID]--
		b.applyFillLocked(ctx, f, remaining[f.OrderID] == 0)
	}
}

func (b *Broker) applyOrderLocked(ctx context.Context, o indexer.Order) {
	cid, err := strconv.ParseUint(o.ClientID, 10, 32)
	if err != nil {
		log.Printf("broker: dropping order update %s with unparseable client id %q", o.ID, o.ClientID)
		return
	}
	clientID := uint32(cid)
	st, ok := b.pending[clientID]
	if !ok {
		log.Printf("broker: dropping order update %s for unknown client_id=%d", o.ID, clientID)
		return
	}

	if st.brokerID == "" && o.ID != "" {
		st.brokerID = o.ID
		b.byBroker[o.ID] = clientID
		select {
		case <-st.acked:
		default:
			close(st.acked)
		}
	}

	status := mapOrderStatus(o.Status, o.TotalFilled.Sign() > 0)
	if status == st.status {
		return
	}
	st.status = status
	b.journalStatus(ctx, clientID, st.brokerID, status)

	ev := engine.OrderEvent{
		ClientID: clientID,
		BrokerID: st.brokerID,
		Symbol:   st.req.Symbol,
		Status:   status,
		Time:     time.Now().UTC(),
	}
	switch status {
	case engine.StatusCanceled:
		b.publish(events.EventOrderCanceled, ev)
		delete(b.pending, clientID)
	case engine.StatusFilled:
		// Terminal fill events carry the per-fill details; the status
		// row alone does not, so the fill handler emits them.
	default:
		b.publish(events.EventOrderSubmitted, ev)
	}
}

func (b *Broker) applyFillLocked(ctx context.Context, f indexer.Fill, last bool) {
	clientID, ok := b.byBroker[f.OrderID]
	if !ok {
		log.Printf("broker: dropping fill %s for unknown order %s", f.ID, f.OrderID)
		return
	}
	st, ok := b.pending[clientID]
	if !ok {
		log.Printf("broker: dropping fill %s for untracked client_id=%d", f.ID, clientID)
		return
	}

	feeCurrency := "USDC"
	if props, ok := b.Translator.Properties(st.req.Symbol); ok && props.QuoteCurrency != "" {
		feeCurrency = props.QuoteCurrency
	}

	b.journalFill(ctx, clientID, st, f, feeCurrency)

	terminal := last && st.status == engine.StatusFilled
	status := engine.StatusPartial
	if terminal {
		status = engine.StatusFilled
	}
	b.publish(events.EventOrderFilled, engine.OrderEvent{
		ClientID:    clientID,
		BrokerID:    st.brokerID,
		Symbol:      st.req.Symbol,
		Status:      status,
		FillQty:     f.Size,
		FillPrice:   f.Price,
		Fee:         f.Fee,
		FeeCurrency: feeCurrency,
		Time:        time.Now().UTC(),
	})
	if terminal {
		delete(b.pending, clientID)
		delete(b.byBroker, f.OrderID)
	}
}

// mapOrderStatus normalizes indexer order status strings.
func mapOrderStatus(s string, partiallyFilled bool) engine.OrderStatus {
	switch s {
	case "OPEN", "BEST_EFFORT_OPENED", "UNTRIGGERED":
		if partiallyFilled {
			return engine.StatusPartial
		}
		return engine.StatusSubmitted
	case "FILLED":
		return engine.StatusFilled
	case "CANCELED", "BEST_EFFORT_CANCELED":
		return engine.StatusCanceled
	default:
		return engine.StatusSubmitted
	}
}

// awaitAck blocks until the indexer confirms the order and returns the
// exchange-assigned id. On timeout it warns and returns an empty id; the
// order stays tracked, a slow indexer is not a failed order.
func (b *Broker) awaitAck(ctx context.Context, clientID uint32, st *orderState) string {
	select {
	case <-st.acked:
		b.mu.Lock()
		defer b.mu.Unlock()
		return st.brokerID
	case <-ctx.Done():
		return ""
	case <-time.After(ackTimeout):
		log.Printf("broker: no indexer confirmation for client_id=%d after %s", clientID, ackTimeout)
		b.publish(events.EventBrokerMessage, engine.Message{
			Severity: engine.SeverityWarning,
			Category: "order",
			Text:     fmt.Sprintf("order %d submitted but not yet confirmed by the indexer", clientID),
		})
		return ""
	}
}

// newClientID draws a random id not colliding with an in-flight order.
func (b *Broker) newClientID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		id := rand.Uint32()
		if _, taken := b.pending[id]; !taken {
			return id
		}
	}
}

func (b *Broker) publish(e events.Event, payload any) {
	if b.Bus != nil {
		b.Bus.Publish(e, payload)
	}
}

func (b *Broker) publishInvalid(clientID uint32, req engine.OrderRequest, reason string) {
	log.Printf("broker: order %s %s invalid: %s", req.Symbol, req.Side, reason)
	b.publish(events.EventOrderInvalid, engine.OrderEvent{
		ClientID: clientID,
		Symbol:   req.Symbol,
		Status:   engine.StatusInvalid,
		Message:  reason,
		Time:     time.Now().UTC(),
	})
}

func (b *Broker) journalOrder(ctx context.Context, clientID uint32, req engine.OrderRequest, status engine.OrderStatus, txHash string) {
	if b.DB == nil {
		return
	}
	err := b.DB.RecordOrder(ctx, db.OrderRecord{
		ClientID:  clientID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Type:      string(req.Type),
		Price:     req.LimitPrice.String(),
		Qty:       req.Quantity.String(),
		Status:    string(status),
		TxHash:    txHash,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("broker: journal order %d: %v", clientID, err)
	}
}

func (b *Broker) journalStatus(ctx context.Context, clientID uint32, brokerID string, status engine.OrderStatus) {
	if b.DB == nil {
		return
	}
	if err := b.DB.UpdateOrderStatus(ctx, clientID, brokerID, string(status)); err != nil {
		log.Printf("broker: journal status %d: %v", clientID, err)
	}
}

func (b *Broker) journalFill(ctx context.Context, clientID uint32, st *orderState, f indexer.Fill, feeCurrency string) {
	if b.DB == nil {
		return
	}
	err := b.DB.RecordFill(ctx, db.FillRecord{
		ID:          f.ID,
		ClientID:    clientID,
		BrokerID:    st.brokerID,
		Symbol:      st.req.Symbol,
		Side:        f.Side,
		Price:       f.Price.String(),
		Qty:         f.Size.String(),
		Fee:         f.Fee.String(),
		FeeCurrency: feeCurrency,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Printf("broker: journal fill %s: %v", f.ID, err)
	}
}
