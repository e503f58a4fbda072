// Package market converts engine orders into exchange-native wire orders:
// it owns the per-market quantization metadata, the oracle price cache,
// and the order-flag regime selection.
package market

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolProperties maps one engine symbol onto its exchange market. The
// file is produced offline by the symbol-properties downloader; the
// adapter only consumes it.
type SymbolProperties struct {
	Ticker        string `yaml:"ticker"`
	QuoteCurrency string `yaml:"quote-currency"`
	Description   string `yaml:"description"`
}

type symbolPropsFile struct {
	Symbols map[string]SymbolProperties `yaml:"symbols"`
}

// LoadSymbolProperties reads the static symbol properties file, keyed by
// engine symbol.
func LoadSymbolProperties(path string) (map[string]SymbolProperties, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("market: read symbol properties: %w", err)
	}
	var f symbolPropsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("market: parse symbol properties %s: %w", path, err)
	}
	if len(f.Symbols) == 0 {
		return nil, fmt.Errorf("market: symbol properties %s lists no symbols", path)
	}
	for sym, p := range f.Symbols {
		if p.Ticker == "" {
			return nil, fmt.Errorf("market: symbol %s has no ticker", sym)
		}
	}
	return f.Symbols, nil
}
