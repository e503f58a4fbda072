package indexer

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ShardSymbols distributes symbols across market-data connections.
// Each symbol costs two channels (orderbook + trades), and shards are
// filled greedily by descending 24h volume so no single connection ends
// up carrying all the busy books.
func ShardSymbols(volumes map[string]decimal.Decimal, connections, channelsPerConn int) [][]string {
	if connections < 1 {
		connections = 1
	}
	symbols := make([]string, 0, len(volumes))
	for s := range volumes {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if c := volumes[symbols[i]].Cmp(volumes[symbols[j]]); c != 0 {
			return c > 0
		}
		return symbols[i] < symbols[j]
	})

	shards := make([][]string, connections)
	loads := make([]decimal.Decimal, connections)
	perShard := channelsPerConn / 2
	for _, sym := range symbols {
		best := -1
		for i := range shards {
			if perShard > 0 && len(shards[i]) >= perShard {
				continue
			}
			if best == -1 || loads[i].Cmp(loads[best]) < 0 {
				best = i
			}
		}
		if best == -1 {
			// Every shard is at its channel limit; overflow onto the
			// least-loaded one rather than dropping the symbol.
			best = 0
			for i := range loads {
				if loads[i].Cmp(loads[best]) < 0 {
					best = i
				}
			}
		}
		shards[best] = append(shards[best], sym)
		loads[best] = loads[best].Add(volumes[sym])
	}
	return shards
}
