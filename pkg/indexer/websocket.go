package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Channels of the indexer socket protocol.
type Channel string

const (
	ChannelMarkets     Channel = "v4_markets"
	ChannelSubaccounts Channel = "v4_subaccounts"
	ChannelOrderbook   Channel = "v4_orderbook"
	ChannelTrades      Channel = "v4_trades"
)

// ConnState is the connection lifecycle of one stream.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingConfirmation
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Subscription names one channel to establish after every (re)connect.
type Subscription struct {
	Channel Channel
	ID      string // ticker, or "address/subaccount" for v4_subaccounts
	Batched bool
}

// Handlers receive parsed channel messages. All callbacks for one stream
// run on that stream's read goroutine, so they are serialized.
type Handlers struct {
	OnMarketsSnapshot func(map[string]PerpetualMarket)
	OnOraclePrices    func(OraclePriceUpdate)
	OnSubaccounts     func(SubaccountsUpdate)
	OnOrderbook       func(OrderbookUpdate)
	OnTrades          func(TradesUpdate)
	OnError           func(error)
}

// Stream is one WebSocket connection to the indexer. It owns a fixed
// subscription set and re-establishes it after every reconnect, but only
// once the exchange has confirmed the connection; subscribing earlier
// risks a silent drop.
type Stream struct {
	URL            string
	ConfirmTimeout time.Duration

	subs     []Subscription
	handlers Handlers
	dialer   *websocket.Dialer

	writeMu sync.Mutex
	state   atomic.Int32
}

// envelope is the indexer's uniform message frame.
type envelope struct {
	Type     string          `json:"type"`
	Channel  Channel         `json:"channel"`
	ID       string          `json:"id"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

// NewStream builds a stream for a fixed subscription set.
func NewStream(wsURL string, subs []Subscription, h Handlers) *Stream {
	return &Stream{
		URL:            wsURL,
		ConfirmTimeout: 30 * time.Second,
		subs:           subs,
		handlers:       h,
		dialer:         websocket.DefaultDialer,
	}
}

// State reports the current connection state.
func (s *Stream) State() ConnState {
	return ConnState(s.state.Load())
}

// Run connects and processes messages until ctx is done, reconnecting
// with backoff on transport errors.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.runOnce(ctx)
		s.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("indexer ws: connection lost: %v (reconnecting in %s)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))
	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	s.state.Store(int32(StateAwaitingConfirmation))
	if err := s.awaitConnected(conn); err != nil {
		return err
	}

	for _, sub := range s.subs {
		if err := s.writeJSON(conn, subscribeRequest(sub, true)); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", sub.Channel, sub.ID, err)
		}
	}
	s.state.Store(int32(StateReady))
	log.Printf("indexer ws: connected, %d channels subscribed", len(s.subs))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		s.dispatch(msg)
	}
}

// awaitConnected reads frames until the exchange's connection
// confirmation arrives, bounded by ConfirmTimeout.
func (s *Stream) awaitConnected(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.ConfirmTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting connection confirmation: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.Type == "connected" {
			return nil
		}
	}
}

func subscribeRequest(sub Subscription, subscribe bool) any {
	req := map[string]any{
		"type":    "subscribe",
		"channel": string(sub.Channel),
	}
	if !subscribe {
		req["type"] = "unsubscribe"
	}
	if sub.ID != "" {
		req["id"] = sub.ID
	}
	if sub.Batched {
		req["batched"] = true
	}
	return req
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Stream) dispatch(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.reportError(fmt.Errorf("indexer ws: malformed frame: %w (%s)", err, string(msg)))
		return
	}

	switch env.Type {
	case "connected":
		// Late confirmation after a canceled connect; nothing to do.
	case "error":
		s.reportError(fmt.Errorf("indexer ws: exchange error: %s", env.Message))
	case "subscribed":
		s.dispatchContents(env, env.Contents, true)
	case "channel_data":
		s.dispatchContents(env, env.Contents, false)
	case "channel_batch_data":
		var batch []json.RawMessage
		if err := json.Unmarshal(env.Contents, &batch); err != nil {
			s.reportError(fmt.Errorf("indexer ws: malformed batch on %s: %w (%s)", env.Channel, err, string(env.Contents)))
			return
		}
		for _, item := range batch {
			s.dispatchContents(env, item, false)
		}
	default:
		// Unknown frame types are ignored.
	}
}

func (s *Stream) dispatchContents(env envelope, contents json.RawMessage, snapshot bool) {
	var err error
	switch env.Channel {
	case ChannelMarkets:
		err = s.handleMarkets(contents, snapshot)
	case ChannelSubaccounts:
		err = s.handleSubaccounts(contents)
	case ChannelOrderbook:
		err = s.handleOrderbook(env.ID, contents, snapshot)
	case ChannelTrades:
		err = s.handleTrades(env.ID, contents)
	}
	if err != nil {
		s.reportError(fmt.Errorf("indexer ws: %s message: %w (%s)", env.Channel, err, string(contents)))
	}
}

func (s *Stream) handleMarkets(contents json.RawMessage, snapshot bool) error {
	var mc struct {
		Markets      map[string]PerpetualMarket `json:"markets"`
		OraclePrices map[string]struct {
			OraclePrice decimal.Decimal `json:"oraclePrice"`
		} `json:"oraclePrices"`
	}
	if err := json.Unmarshal(contents, &mc); err != nil {
		return err
	}
	if snapshot && mc.Markets != nil && s.handlers.OnMarketsSnapshot != nil {
		s.handlers.OnMarketsSnapshot(mc.Markets)
	}
	if len(mc.OraclePrices) > 0 && s.handlers.OnOraclePrices != nil {
		update := make(OraclePriceUpdate, len(mc.OraclePrices))
		for ticker, p := range mc.OraclePrices {
			update[ticker] = p.OraclePrice
		}
		s.handlers.OnOraclePrices(update)
	}
	return nil
}

func (s *Stream) handleSubaccounts(contents json.RawMessage) error {
	var update SubaccountsUpdate
	if err := json.Unmarshal(contents, &update); err != nil {
		return err
	}
	if s.handlers.OnSubaccounts != nil {
		s.handlers.OnSubaccounts(update)
	}
	return nil
}

func (s *Stream) handleOrderbook(symbol string, contents json.RawMessage, snapshot bool) error {
	var book struct {
		Bids []PriceLevel `json:"bids"`
		Asks []PriceLevel `json:"asks"`
	}
	if err := json.Unmarshal(contents, &book); err != nil {
		return err
	}
	if s.handlers.OnOrderbook != nil {
		s.handlers.OnOrderbook(OrderbookUpdate{
			Symbol:   symbol,
			Snapshot: snapshot,
			Bids:     book.Bids,
			Asks:     book.Asks,
		})
	}
	return nil
}

func (s *Stream) handleTrades(symbol string, contents json.RawMessage) error {
	var tc struct {
		Trades []WsTrade `json:"trades"`
	}
	if err := json.Unmarshal(contents, &tc); err != nil {
		return err
	}
	if len(tc.Trades) > 0 && s.handlers.OnTrades != nil {
		s.handlers.OnTrades(TradesUpdate{Symbol: symbol, Trades: tc.Trades})
	}
	return nil
}

func (s *Stream) reportError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
		return
	}
	log.Printf("%v", err)
}
