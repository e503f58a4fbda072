package broker

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
)

// Balances derives per-currency balances from the subaccount snapshot.
// A cash account reports asset positions only. A margin account also
// folds each open perpetual position in at its entry price, signed, into
// the quote currency of the symbol it trades under; shorts carry a
// negative size and subtract notional.
func (b *Broker) Balances(ctx context.Context) ([]engine.Balance, error) {
	snap, err := b.Indexer.SubaccountSnapshot(ctx, b.Wallet.Address, b.Subaccount)
	if err != nil {
		if indexer.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	totals := make(map[string]decimal.Decimal)
	for _, ap := range snap.AssetPositions {
		amount := ap.Size
		if ap.Side == "SHORT" {
			amount = amount.Neg()
		}
		totals[ap.Symbol] = totals[ap.Symbol].Add(amount)
	}

	if b.AccountType == engine.AccountMargin {
		for ticker, pos := range snap.OpenPerpetualPositions {
			currency := "USDC"
			if _, props, ok := b.Translator.PropertiesForTicker(ticker); ok && props.QuoteCurrency != "" {
				currency = props.QuoteCurrency
			}
			notional := pos.Size.Mul(pos.EntryPrice)
			totals[currency] = totals[currency].Add(notional)
		}
	}

	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	out := make([]engine.Balance, 0, len(currencies))
	for _, c := range currencies {
		out = append(out, engine.Balance{Currency: c, Amount: totals[c]})
	}
	return out, nil
}

// Positions lists the open perpetual positions for the subaccount.
func (b *Broker) Positions(ctx context.Context) ([]indexer.PerpetualPosition, error) {
	return b.Indexer.PerpetualPositions(ctx, b.Wallet.Address, b.Subaccount, "OPEN")
}
