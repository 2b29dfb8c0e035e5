package storage

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

// Pebble key schema
// Tickers are hex encoded in keys so arbitrary symbol bytes can't collide with ':'
// Ids are zero-padded (20 digits) so lexicographic order is numeric order

const (
	prefixAsset   = "asset:"
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixTrade   = "trade:"
	prefixNonce   = "nonce:"
	keySequences  = "meta:seq"
)

func tickerKeyPart(t registry.Ticker) string {
	return hex.EncodeToString([]byte(t.String()))
}

// assetKey format: "asset:{tickerhex}"
func assetKey(t registry.Ticker) []byte {
	return []byte(prefixAsset + tickerKeyPart(t))
}

// balanceKey format: "bal:{address}:{tickerhex}"
func balanceKey(trader common.Address, t registry.Ticker) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, trader.Hex(), tickerKeyPart(t)))
}

// orderKey format: "ord:{tickerhex}:{side}:{id}"
// Example: "ord:524550:BUY:00000000000000000042"
func orderKey(ref orderbook.Ref) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixOrder, tickerKeyPart(ref.Ticker), ref.Side, ref.ID))
}

// tradeKey format: "trade:{tickerhex}:{tradeID}"
func tradeKey(t registry.Ticker, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, tickerKeyPart(t), tradeID))
}

// tradePrefix returns the prefix for all trades of a ticker
func tradePrefix(t registry.Ticker) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, tickerKeyPart(t)))
}

// nonceKey format: "nonce:{address}"
func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "bal:" -> upper bound "bal;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
