package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the exchange adapter.
type Config struct {
	// Chain / wallet identity
	Address          string
	SubaccountNumber uint32
	ChainID          string
	PrivateKeyHex    string
	// Authenticator-delegated signing (mutually exclusive with PrivateKeyHex)
	AuthenticatedKeyHex string
	AuthenticatorIDs    []uint64
	// Optional AES-256 keystore for the signing key at rest
	KeystoreKey string

	// Endpoints
	IndexerRestURL string
	IndexerWsURL   string
	NodeRestURL    string
	NodeGrpcAddr   string

	// Order construction
	GasLimit             uint64
	GoodTilBlockOffset   uint32
	MarketPriceBufferPct float64
	LongTermExpiryCap    time.Duration

	// Market data
	Symbols            []string
	SymbolPropsPath    string
	MarketRefreshEvery time.Duration
	WsConnections      int
	ChannelsPerConn    int

	// Outbound request budget (requests per second, shared burst)
	NodeRateLimit    float64
	IndexerRateLimit float64

	// Local journal / diagnostics API
	DBPath    string
	APIPort   string
	JWTSecret string
	EnableAPI bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the adapter still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Address:             os.Getenv("DYDX_ADDRESS"),
		SubaccountNumber:    uint32(getEnvInt("DYDX_SUBACCOUNT", 0)),
		ChainID:             getEnv("DYDX_CHAIN_ID", "dydx-mainnet-1"),
		PrivateKeyHex:       os.Getenv("DYDX_PRIVATE_KEY"),
		AuthenticatedKeyHex: os.Getenv("DYDX_AUTHENTICATED_KEY"),
		AuthenticatorIDs:    splitUints(os.Getenv("DYDX_AUTHENTICATOR_IDS")),
		KeystoreKey:         os.Getenv("DYDX_KEYSTORE_KEY"),

		IndexerRestURL: getEnv("DYDX_INDEXER_REST", "https://indexer.dydx.trade/v4"),
		IndexerWsURL:   getEnv("DYDX_INDEXER_WS", "wss://indexer.dydx.trade/v4/ws"),
		NodeRestURL:    getEnv("DYDX_NODE_REST", "https://dydx-rest.publicnode.com"),
		NodeGrpcAddr:   getEnv("DYDX_NODE_GRPC", "dydx-grpc.publicnode.com:443"),

		GasLimit:             uint64(getEnvInt("DYDX_GAS_LIMIT", 0)),
		GoodTilBlockOffset:   uint32(getEnvInt("DYDX_GOOD_TIL_BLOCK_OFFSET", 20)),
		MarketPriceBufferPct: getEnvFloat("DYDX_MARKET_PRICE_BUFFER_PCT", 5),
		LongTermExpiryCap:    getEnvDuration("DYDX_LONG_TERM_EXPIRY_CAP", 90*24*time.Hour),

		Symbols:            splitAndTrim(getEnv("DYDX_SYMBOLS", "BTC-USD,ETH-USD")),
		SymbolPropsPath:    getEnv("DYDX_SYMBOL_PROPERTIES", "./data/symbol-properties.yaml"),
		MarketRefreshEvery: getEnvDuration("DYDX_MARKET_REFRESH", 5*time.Minute),
		WsConnections:      getEnvInt("DYDX_WS_CONNECTIONS", 1),
		ChannelsPerConn:    getEnvInt("DYDX_WS_CHANNELS_PER_CONN", 50),

		NodeRateLimit:    getEnvFloat("DYDX_NODE_RATE_LIMIT", 10),
		IndexerRateLimit: getEnvFloat("DYDX_INDEXER_RATE_LIMIT", 10),

		DBPath:    getEnv("DB_PATH", "./data/adapter.db"),
		APIPort:   getEnv("API_PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		EnableAPI: getEnv("ENABLE_API", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitUints(val string) []uint64 {
	var out []uint64
	for _, p := range splitAndTrim(val) {
		if id, err := strconv.ParseUint(p, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
