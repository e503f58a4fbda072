package market

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dydx-adapter/pkg/chain"
	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
)

// HeightSource supplies the latest block height for short-term expiries.
type HeightSource interface {
	LatestBlockHeight(ctx context.Context) (uint32, error)
}

// Config tunes order construction.
type Config struct {
	Owner            string
	SubaccountNumber uint32
	// Blocks past the current height a short-term order stays valid.
	GoodTilBlockOffset uint32
	// Percent offset from the oracle price when synthesizing a limit
	// price for marketable short-term orders.
	PriceBufferPct float64
	// Cap applied when mapping good-til-canceled onto the chain's
	// bounded order lifetime.
	LongTermExpiryCap time.Duration
}

// Translator converts engine order requests into quantized wire orders.
type Translator struct {
	cfg      Config
	symbols  map[string]SymbolProperties
	registry *Registry
	heights  HeightSource

	buffer      decimal.Decimal
	gtcWarnOnce sync.Once
}

// NewTranslator wires the symbol map, market registry and height source.
func NewTranslator(cfg Config, symbols map[string]SymbolProperties, registry *Registry, heights HeightSource) *Translator {
	if cfg.GoodTilBlockOffset == 0 {
		cfg.GoodTilBlockOffset = 20
	}
	if cfg.PriceBufferPct == 0 {
		cfg.PriceBufferPct = 5
	}
	if cfg.LongTermExpiryCap == 0 {
		cfg.LongTermExpiryCap = 90 * 24 * time.Hour
	}
	return &Translator{
		cfg:      cfg,
		symbols:  symbols,
		registry: registry,
		heights:  heights,
		buffer:   decimal.NewFromFloat(cfg.PriceBufferPct).Div(decimal.NewFromInt(100)),
	}
}

// Properties returns the registered properties for an engine symbol.
func (t *Translator) Properties(symbol string) (SymbolProperties, bool) {
	p, ok := t.symbols[symbol]
	return p, ok
}

// PropertiesForTicker resolves an exchange ticker back to the engine
// symbol it was registered under.
func (t *Translator) PropertiesForTicker(ticker string) (string, SymbolProperties, bool) {
	for sym, p := range t.symbols {
		if p.Ticker == ticker {
			return sym, p, true
		}
	}
	return "", SymbolProperties{}, false
}

// CreateOrder builds the exchange-native order for an engine request,
// under the flag regime implied by its type and time in force.
func (t *Translator) CreateOrder(ctx context.Context, req engine.OrderRequest, clientID uint32) (chain.WireOrder, error) {
	props, ok := t.symbols[req.Symbol]
	if !ok {
		return chain.WireOrder{}, fmt.Errorf("market: symbol %s is not registered in the symbol properties file", req.Symbol)
	}
	entry, err := t.registry.Entry(ctx, props.Ticker)
	if err != nil {
		return chain.WireOrder{}, err
	}

	flags, err := selectFlags(req.Type, req.TimeInForce)
	if err != nil {
		return chain.WireOrder{}, err
	}

	side := chain.SideBuy
	if req.Side == engine.SideSell {
		side = chain.SideSell
	}

	price, err := t.orderPrice(req, entry)
	if err != nil {
		return chain.WireOrder{}, err
	}

	quantums, err := SizeToQuantums(req.Quantity, entry.Meta)
	if err != nil {
		return chain.WireOrder{}, err
	}
	subticks, err := PriceToSubticks(price, entry.Meta)
	if err != nil {
		return chain.WireOrder{}, err
	}

	o := chain.WireOrder{
		ID: chain.OrderID{
			Owner:            t.cfg.Owner,
			SubaccountNumber: t.cfg.SubaccountNumber,
			ClientID:         clientID,
			Flags:            flags,
			ClobPairID:       entry.ClobPairID,
		},
		Side:           side,
		Quantums:       quantums,
		Subticks:       subticks,
		ReduceOnly:     req.ReduceOnly,
		ClientMetadata: req.ClientTag,
	}
	if req.TimeInForce == engine.TIFIOC {
		o.TimeInForce = chain.TifIOC
	}

	if flags == chain.FlagsConditional {
		trigger, err := PriceToSubticks(req.StopPrice, entry.Meta)
		if err != nil {
			return chain.WireOrder{}, fmt.Errorf("market: stop price: %w", err)
		}
		o.ConditionType = chain.ConditionStopLoss
		o.ConditionalTriggerSubticks = trigger
	}

	if flags == chain.FlagsShortTerm {
		height, err := t.heights.LatestBlockHeight(ctx)
		if err != nil {
			return chain.WireOrder{}, fmt.Errorf("market: latest block height: %w", err)
		}
		o.GoodTilBlock = height + t.cfg.GoodTilBlockOffset
	} else {
		o.GoodTilBlockTime = uint32(t.expiryTime(req).Unix())
	}
	return o, nil
}

// selectFlags maps (order type, time in force) onto exactly one flag
// regime. Unknown combinations are an error, never a silent default.
func selectFlags(typ engine.OrderType, tif engine.TimeInForce) (chain.OrderFlags, error) {
	switch typ {
	case engine.OrderTypeMarket:
		return chain.FlagsShortTerm, nil
	case engine.OrderTypeLimit:
		switch tif {
		case engine.TIFIOC, "":
			return chain.FlagsShortTerm, nil
		case engine.TIFGTC, engine.TIFDay, engine.TIFGTD:
			return chain.FlagsLongTerm, nil
		default:
			return 0, fmt.Errorf("market: unsupported time in force %q for limit order", tif)
		}
	case engine.OrderTypeStopMarket, engine.OrderTypeStopLimit:
		return chain.FlagsConditional, nil
	default:
		return 0, fmt.Errorf("market: unsupported order type %q", typ)
	}
}

// orderPrice picks the price that will be quantized into subticks. Orders
// without a limit price get a marketable one synthesized off the oracle:
// buys above it, sells below it, so they fill against a moving book.
func (t *Translator) orderPrice(req engine.OrderRequest, entry Entry) (decimal.Decimal, error) {
	switch req.Type {
	case engine.OrderTypeLimit, engine.OrderTypeStopLimit:
		if req.LimitPrice.IsZero() {
			return decimal.Decimal{}, fmt.Errorf("market: %s order for %s has no limit price", req.Type, req.Symbol)
		}
		return req.LimitPrice, nil
	case engine.OrderTypeMarket, engine.OrderTypeStopMarket:
		if entry.Oracle.IsZero() {
			return decimal.Decimal{}, fmt.Errorf("market: no oracle price for %s yet", entry.Meta.Ticker)
		}
		offset := entry.Oracle.Mul(t.buffer)
		if req.Side == engine.SideSell {
			return entry.Oracle.Sub(offset), nil
		}
		return entry.Oracle.Add(offset), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("market: unsupported order type %q", req.Type)
	}
}

// expiryTime maps the engine's time in force to an absolute expiry for
// long-term and conditional orders.
func (t *Translator) expiryTime(req engine.OrderRequest) time.Time {
	now := time.Now().UTC()
	switch req.TimeInForce {
	case engine.TIFGTD:
		return req.Expiry
	case engine.TIFDay:
		return now.Add(24 * time.Hour)
	default:
		// The chain enforces a hard maximum order lifetime, so
		// good-til-canceled becomes a capped window.
		t.gtcWarnOnce.Do(func() {
			log.Printf("market: good-til-canceled approximated as %s expiry; the chain caps stateful order lifetime", t.cfg.LongTermExpiryCap)
		})
		return now.Add(t.cfg.LongTermExpiryCap)
	}
}

// quoteQuantumsAtomicResolution is fixed for the quote asset (USDC).
const quoteQuantumsAtomicResolution = -6

// SizeToQuantums quantizes a size onto the market's step grid:
// floor(size * 10^(-atomicResolution) / stepBaseQuantums) steps, floored
// to at least one step.
func SizeToQuantums(size decimal.Decimal, m indexer.PerpetualMarket) (uint64, error) {
	if size.Sign() <= 0 {
		return 0, fmt.Errorf("market: size %s must be positive", size)
	}
	if m.StepBaseQuantums == 0 {
		return 0, fmt.Errorf("market: %s has zero stepBaseQuantums", m.Ticker)
	}
	raw := size.Shift(-m.AtomicResolution).BigInt()
	step := new(big.Int).SetUint64(m.StepBaseQuantums)
	steps := raw.Div(raw, step)
	if steps.Sign() <= 0 {
		steps.SetInt64(1)
	}
	return steps.Mul(steps, step).Uint64(), nil
}

// PriceToSubticks quantizes a price onto the market's tick grid:
// floor(price * 10^(atomicResolution - quantumConversionExponent + 6)
// / subticksPerTick) ticks, floored to at least one tick.
func PriceToSubticks(price decimal.Decimal, m indexer.PerpetualMarket) (uint64, error) {
	if price.Sign() <= 0 {
		return 0, fmt.Errorf("market: price %s must be positive", price)
	}
	if m.SubticksPerTick == 0 {
		return 0, fmt.Errorf("market: %s has zero subticksPerTick", m.Ticker)
	}
	exp := m.AtomicResolution - m.QuantumConversionExponent - quoteQuantumsAtomicResolution
	raw := price.Shift(exp).BigInt()
	tick := new(big.Int).SetUint64(uint64(m.SubticksPerTick))
	ticks := raw.Div(raw, tick)
	if ticks.Sign() <= 0 {
		ticks.SetInt64(1)
	}
	return ticks.Mul(ticks, tick).Uint64(), nil
}
