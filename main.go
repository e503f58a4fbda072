package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dydx-adapter/internal/api"
	"dydx-adapter/internal/book"
	"dydx-adapter/internal/broker"
	"dydx-adapter/internal/events"
	"dydx-adapter/internal/market"
	"dydx-adapter/pkg/config"
	"dydx-adapter/pkg/db"
	"dydx-adapter/pkg/engine"
	"dydx-adapter/pkg/indexer"
	"dydx-adapter/pkg/node"
	"dydx-adapter/pkg/wallet"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting adapter (chain=%s, address=%s)", cfg.ChainID, cfg.Address)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer database.Close()

	nodeClient, err := node.New(node.Config{
		RestURL:   cfg.NodeRestURL,
		GrpcAddr:  cfg.NodeGrpcAddr,
		GasLimit:  cfg.GasLimit,
		RateLimit: cfg.NodeRateLimit,
	})
	if err != nil {
		log.Fatalf("node client init failed: %v", err)
	}
	defer nodeClient.Close()

	w, err := buildWallet(ctx, cfg, nodeClient)
	if err != nil {
		log.Fatalf("wallet init failed: %v", err)
	}
	log.Printf("wallet ready (account=%d, sequence=%d, delegated=%v)",
		w.AccountNumber, w.Sequence(), w.Delegated())

	symbols, err := market.LoadSymbolProperties(cfg.SymbolPropsPath)
	if err != nil {
		log.Fatalf("symbol properties load failed: %v", err)
	}

	ixClient := indexer.NewClient(cfg.IndexerRestURL, cfg.IndexerRateLimit)
	registry := market.NewRegistry(ixClient, cfg.MarketRefreshEvery)
	if err := registry.Refresh(ctx); err != nil {
		log.Fatalf("market snapshot failed: %v", err)
	}

	translator := market.NewTranslator(market.Config{
		Owner:              cfg.Address,
		SubaccountNumber:   cfg.SubaccountNumber,
		GoodTilBlockOffset: cfg.GoodTilBlockOffset,
		PriceBufferPct:     cfg.MarketPriceBufferPct,
		LongTermExpiryCap:  cfg.LongTermExpiryCap,
	}, symbols, registry, nodeClient)

	books := book.New(
		func(q engine.QuoteTick) { bus.Publish(events.EventQuoteTick, q) },
		func(t engine.TradeTick) { bus.Publish(events.EventTradeTick, t) },
	)

	brk := broker.New(w, nodeClient, translator, ixClient, database, bus, engine.AccountMargin, cfg.SubaccountNumber)

	tickers := configuredTickers(cfg.Symbols, symbols)
	startStreams(ctx, cfg, registry, books, brk, tickers)

	if cfg.EnableAPI {
		server := api.NewServer(bus, database, brk, books, api.SystemMeta{
			ChainID: cfg.ChainID,
			Address: cfg.Address,
			Symbols: cfg.Symbols,
			Version: version(),
		}, cfg.JWTSecret)
		go func() {
			if err := server.Start(":" + cfg.APIPort); err != nil {
				log.Printf("api server stopped: %v", err)
			}
		}()
		log.Printf("diagnostics api listening on :%s", cfg.APIPort)
	}

	<-ctx.Done()
	log.Println("shutting down")
}

// buildWallet assembles the signing wallet from config: direct key,
// delegated key with explicit authenticator ids, or delegated key with
// the ids discovered on chain.
func buildWallet(ctx context.Context, cfg *config.Config, nodeClient *node.Client) (*wallet.Wallet, error) {
	privKey := cfg.PrivateKeyHex
	authKey := cfg.AuthenticatedKeyHex
	if cfg.KeystoreKey != "" {
		ks, err := wallet.NewKeystore([]byte(cfg.KeystoreKey))
		if err != nil {
			return nil, err
		}
		if privKey, err = ks.Open(privKey); err != nil {
			return nil, fmt.Errorf("open private key: %w", err)
		}
		if authKey, err = ks.Open(authKey); err != nil {
			return nil, fmt.Errorf("open authenticated key: %w", err)
		}
	}

	b := wallet.NewBuilder().
		WithAddress(cfg.Address).
		WithChainID(cfg.ChainID)
	switch {
	case authKey != "":
		ids := cfg.AuthenticatorIDs
		if len(ids) == 0 {
			var err error
			ids, err = nodeClient.Authenticators(ctx, cfg.Address)
			if err != nil {
				return nil, fmt.Errorf("list authenticators: %w", err)
			}
		}
		b = b.WithAuthenticatedKey(authKey, ids)
	default:
		b = b.WithPrivateKeyHex(privKey)
	}
	return b.Build(ctx, nodeClient)
}

// configuredTickers maps the configured engine symbols onto exchange
// tickers, skipping symbols absent from the properties file.
func configuredTickers(symbols []string, props map[string]market.SymbolProperties) []string {
	var tickers []string
	for _, sym := range symbols {
		p, ok := props[sym]
		if !ok {
			log.Printf("symbol %s has no properties entry, skipping", sym)
			continue
		}
		tickers = append(tickers, p.Ticker)
	}
	return tickers
}

// startStreams opens the account stream plus the sharded market-data
// streams and runs them until ctx is done.
func startStreams(ctx context.Context, cfg *config.Config, registry *market.Registry, books *book.Reconciler, brk *broker.Broker, tickers []string) {
	handlers := indexer.Handlers{
		OnMarketsSnapshot: registry.ApplySnapshot,
		OnOraclePrices:    registry.SetOraclePrices,
		OnSubaccounts:     brk.HandleSubaccounts,
		OnOrderbook:       books.Apply,
		OnTrades:          books.ApplyTrades,
	}

	// The account connection carries markets metadata and the private
	// subaccount channel; market data gets its own sharded connections.
	accountSubs := []indexer.Subscription{
		{Channel: indexer.ChannelMarkets, Batched: true},
		{Channel: indexer.ChannelSubaccounts, ID: fmt.Sprintf("%s/%d", cfg.Address, cfg.SubaccountNumber)},
	}
	go indexer.NewStream(cfg.IndexerWsURL, accountSubs, handlers).Run(ctx)

	volumes := registry.Volumes()
	wanted := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		wanted[t] = struct{}{}
	}
	for t := range volumes {
		if _, ok := wanted[t]; !ok {
			delete(volumes, t)
		}
	}

	shards := indexer.ShardSymbols(volumes, cfg.WsConnections, cfg.ChannelsPerConn)
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		var subs []indexer.Subscription
		for _, ticker := range shard {
			subs = append(subs,
				indexer.Subscription{Channel: indexer.ChannelOrderbook, ID: ticker, Batched: true},
				indexer.Subscription{Channel: indexer.ChannelTrades, ID: ticker, Batched: true},
			)
		}
		log.Printf("market-data connection %d carries %v", i, shard)
		go indexer.NewStream(cfg.IndexerWsURL, subs, handlers).Run(ctx)
	}
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
