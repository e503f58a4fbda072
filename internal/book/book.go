// Package book maintains per-symbol bid/ask ladders from indexer
// snapshots and deltas, repairs crossed books, and emits quote and trade
// ticks toward the engine's data aggregator.
package book

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
)

// Level is one price level of a ladder.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// symbolBook is one symbol's state: live only after a snapshot arrived.
// Bids are kept descending, asks ascending.
type symbolBook struct {
	live    bool
	bids    []Level
	asks    []Level
	lastBid Level
	lastAsk Level
	emitted bool
}

// Reconciler owns every symbol book. Books are mutated only through its
// methods; callbacks from different connections serialize on its lock.
type Reconciler struct {
	mu      sync.Mutex
	books   map[string]*symbolBook
	onQuote func(engine.QuoteTick)
	onTrade func(engine.TradeTick)
}

// New creates a reconciler; either callback may be nil.
func New(onQuote func(engine.QuoteTick), onTrade func(engine.TradeTick)) *Reconciler {
	return &Reconciler{
		books:   make(map[string]*symbolBook),
		onQuote: onQuote,
		onTrade: onTrade,
	}
}

// Apply folds an orderbook snapshot or delta into the symbol's book,
// uncrosses if needed, and emits a quote tick when the top of book moved.
// Deltas before the first snapshot are dropped.
func (r *Reconciler) Apply(u indexer.OrderbookUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.books[u.Symbol]
	if b == nil {
		b = &symbolBook{}
		r.books[u.Symbol] = b
	}

	if u.Snapshot {
		b.live = true
		b.bids = buildSide(u.Bids, true)
		b.asks = buildSide(u.Asks, false)
	} else {
		if !b.live {
			return
		}
		for _, l := range u.Bids {
			b.bids = upsert(b.bids, Level{Price: l.Price, Size: l.Size}, true)
		}
		for _, l := range u.Asks {
			b.asks = upsert(b.asks, Level{Price: l.Price, Size: l.Size}, false)
		}
	}

	b.uncross()
	r.maybeEmitQuote(u.Symbol, b)
}

// ApplyTrades converts a trades delta into signed trade ticks: positive
// size when the taker bought, negative when the taker sold.
func (r *Reconciler) ApplyTrades(u indexer.TradesUpdate) {
	if r.onTrade == nil {
		return
	}
	for _, t := range u.Trades {
		size := t.Size
		if t.Side == "SELL" {
			size = size.Neg()
		}
		ts, err := time.Parse(time.RFC3339, t.CreatedAt)
		if err != nil {
			ts = time.Now().UTC()
		}
		r.onTrade(engine.TradeTick{
			Symbol: u.Symbol,
			Price:  t.Price,
			Size:   size,
			Time:   ts,
		})
	}
}

// BestBidAsk returns the current top of book. ok is false when the book
// is one-sided or not yet live.
func (r *Reconciler) BestBidAsk(symbol string) (bid, ask Level, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.books[symbol]
	if b == nil || !b.live || len(b.bids) == 0 || len(b.asks) == 0 {
		return Level{}, Level{}, false
	}
	return b.bids[0], b.asks[0], true
}

// Snapshot copies both ladders for diagnostics.
func (r *Reconciler) Snapshot(symbol string) (bids, asks []Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.books[symbol]
	if b == nil {
		return nil, nil
	}
	return append([]Level(nil), b.bids...), append([]Level(nil), b.asks...)
}

func (r *Reconciler) maybeEmitQuote(symbol string, b *symbolBook) {
	if r.onQuote == nil || len(b.bids) == 0 || len(b.asks) == 0 {
		return
	}
	bid, ask := b.bids[0], b.asks[0]
	if b.emitted &&
		bid.Price.Equal(b.lastBid.Price) && bid.Size.Equal(b.lastBid.Size) &&
		ask.Price.Equal(b.lastAsk.Price) && ask.Size.Equal(b.lastAsk.Size) {
		return
	}
	b.lastBid, b.lastAsk, b.emitted = bid, ask, true
	r.onQuote(engine.QuoteTick{
		Symbol:   symbol,
		BidPrice: bid.Price,
		BidSize:  bid.Size,
		AskPrice: ask.Price,
		AskSize:  ask.Size,
		Time:     time.Now().UTC(),
	})
}

// uncross repairs a transiently crossed book: while best bid > best ask,
// reduce the larger top level by the smaller one's size and drop the
// smaller level, removing both when equal. The cross is a local artifact
// of out-of-order delivery from unsynchronized validators, never a
// reported exchange event.
func (b *symbolBook) uncross() {
	crossed := false
	for len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price.Cmp(b.asks[0].Price) > 0 {
		crossed = true
		switch b.bids[0].Size.Cmp(b.asks[0].Size) {
		case 1:
			b.bids[0].Size = b.bids[0].Size.Sub(b.asks[0].Size)
			b.asks = b.asks[1:]
		case -1:
			b.asks[0].Size = b.asks[0].Size.Sub(b.bids[0].Size)
			b.bids = b.bids[1:]
		default:
			b.bids = b.bids[1:]
			b.asks = b.asks[1:]
		}
	}
	if crossed {
		log.Printf("book: resolved crossed levels locally")
	}
}

// buildSide sorts snapshot levels (bids descending, asks ascending) and
// drops zero-size entries.
func buildSide(levels []indexer.PriceLevel, bid bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsZero() {
			continue
		}
		out = append(out, Level{Price: l.Price, Size: l.Size})
	}
	sort.Slice(out, func(i, j int) bool {
		if bid {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	return out
}

// upsert replaces or inserts a level, keeping side order; a zero size
// removes the level entirely.
func upsert(side []Level, l Level, bid bool) []Level {
	idx := sort.Search(len(side), func(i int) bool {
		if bid {
			return side[i].Price.Cmp(l.Price) <= 0
		}
		return side[i].Price.Cmp(l.Price) >= 0
	})
	exists := idx < len(side) && side[idx].Price.Equal(l.Price)

	switch {
	case l.Size.IsZero() && exists:
		return append(side[:idx], side[idx+1:]...)
	case l.Size.IsZero():
		return side
	case exists:
		side[idx].Size = l.Size
		return side
	default:
		side = append(side, Level{})
		copy(side[idx+1:], side[idx:])
		side[idx] = l
		return side
	}
}
