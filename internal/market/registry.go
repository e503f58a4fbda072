package market

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dydx-adapter/pkg/indexer"
)

// MarketSource fetches the exchange-info snapshot.
type MarketSource interface {
	PerpetualMarkets(ctx context.Context) (map[string]indexer.PerpetualMarket, error)
}

// Entry is the live view of one market: the quantization metadata from
// the last snapshot plus the oracle price, which moves independently on
// every markets-channel tick.
type Entry struct {
	Meta       indexer.PerpetualMarket
	ClobPairID uint32
	Oracle     decimal.Decimal
}

// Registry caches market metadata and keeps it fresh. All quantization
// fields of an entry come from one snapshot; a refresh replaces them
// together, never piecemeal.
type Registry struct {
	source       MarketSource
	refreshEvery time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	entries     map[string]*Entry
	lastRefresh time.Time
	refreshing  bool
}

// NewRegistry builds an empty registry; the first read triggers a fetch.
func NewRegistry(source MarketSource, refreshEvery time.Duration) *Registry {
	r := &Registry{
		source:       source,
		refreshEvery: refreshEvery,
		entries:      make(map[string]*Entry),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Entry returns the market for a ticker, refreshing the snapshot first if
// it has gone stale. Callers that land during an in-flight refresh block
// until it completes rather than kicking off another fetch.
func (r *Registry) Entry(ctx context.Context, ticker string) (Entry, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ticker]
	if !ok {
		return Entry{}, fmt.Errorf("market: ticker %s not listed by the exchange", ticker)
	}
	return *e, nil
}

// Refresh forces a snapshot fetch regardless of age.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.lastRefresh = time.Time{}
	r.mu.Unlock()
	return r.ensureFresh(ctx)
}

// ApplySnapshot seeds the registry from a markets-channel snapshot,
// avoiding a duplicate REST fetch right after connecting.
func (r *Registry) ApplySnapshot(markets map[string]indexer.PerpetualMarket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(markets)
	r.lastRefresh = time.Now()
}

// SetOraclePrices folds a markets-channel oracle batch into the cache.
// Unknown tickers are ignored; they will appear on the next snapshot.
func (r *Registry) SetOraclePrices(update indexer.OraclePriceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ticker, price := range update {
		if e, ok := r.entries[ticker]; ok && !price.IsZero() {
			e.Oracle = price
		}
	}
}

// Volumes reports 24h volume per ticker, used to shard market-data
// subscriptions across connections.
func (r *Registry) Volumes() map[string]decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(r.entries))
	for ticker, e := range r.entries {
		out[ticker] = e.Meta.Volume24H
	}
	return out
}

func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.Lock()
	for {
		if !r.lastRefresh.IsZero() && time.Since(r.lastRefresh) < r.refreshEvery {
			r.mu.Unlock()
			return nil
		}
		if !r.refreshing {
			break
		}
		r.cond.Wait()
	}
	r.refreshing = true
	r.mu.Unlock()

	markets, err := r.source.PerpetualMarkets(ctx)

	r.mu.Lock()
	r.refreshing = false
	if err == nil {
		r.replaceLocked(markets)
		r.lastRefresh = time.Now()
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("market: refresh snapshot: %w", err)
	}
	return nil
}

func (r *Registry) replaceLocked(markets map[string]indexer.PerpetualMarket) {
	fresh := make(map[string]*Entry, len(markets))
	for ticker, m := range markets {
		pairID, err := strconv.ParseUint(m.ClobPairID, 10, 32)
		if err != nil {
			log.Printf("market: skipping %s, bad clobPairId %q", ticker, m.ClobPairID)
			continue
		}
		e := &Entry{Meta: m, ClobPairID: uint32(pairID), Oracle: m.OraclePrice}
		// Keep a fresher oracle price from the stream over the snapshot's.
		if old, ok := r.entries[ticker]; ok && !old.Oracle.IsZero() {
			e.Oracle = old.Oracle
		}
		fresh[ticker] = e
	}
	r.entries = fresh
}
