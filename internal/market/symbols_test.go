package market

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProps(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbol-properties.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write props file: %v", err)
	}
	return path
}

func TestLoadSymbolProperties(t *testing.T) {
	path := writeProps(t, `
symbols:
  BTCUSD:
    ticker: BTC-USD
    quote-currency: USDC
    description: Bitcoin perpetual
  ETHUSD:
    ticker: ETH-USD
    quote-currency: USDC
`)
	props, err := LoadSymbolProperties(path)
	if err != nil {
		t.Fatalf("LoadSymbolProperties returned error: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("symbols=%d, expected 2", len(props))
	}
	btc := props["BTCUSD"]
	if btc.Ticker != "BTC-USD" || btc.QuoteCurrency != "USDC" {
		t.Fatalf("BTCUSD parsed as %+v", btc)
	}
}

func TestLoadSymbolPropertiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"no symbols", "symbols: {}"},
		{"missing ticker", "symbols:\n  BTCUSD:\n    quote-currency: USDC"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeProps(t, tt.content)
			if _, err := LoadSymbolProperties(path); err == nil {
				t.Fatalf("invalid properties file was accepted")
			}
		})
	}

	if _, err := LoadSymbolProperties("/does/not/exist.yaml"); err == nil {
		t.Fatalf("missing file was accepted")
	}
}
