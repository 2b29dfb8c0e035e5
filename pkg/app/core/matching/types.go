package matching

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

// Trade is one settlement step of a market order against a resting order
// Price is always the maker's price
type Trade struct {
	ID        uint64          `json:"id"`
	OrderID   uint64          `json:"orderId"` // maker order
	Ticker    registry.Ticker `json:"ticker"`
	Maker     common.Address  `json:"maker"`
	Taker     common.Address  `json:"taker"`
	TakerSide orderbook.Side  `json:"takerSide"`
	Amount    uint64          `json:"amount"`
	Price     uint64          `json:"price"`
	Date      int64           `json:"date"`
}

// MarketResult reports how much of a market order executed
// Unfilled remainder is discarded, never rested
type MarketResult struct {
	Requested uint64  `json:"requested"`
	Filled    uint64  `json:"filled"`
	Trades    []Trade `json:"trades"`
}

// Sequences are the next ids to hand out; both start at 1
type Sequences struct {
	NextOrderID uint64 `json:"nextOrderId"`
	NextTradeID uint64 `json:"nextTradeId"`
}

func InitialSequences() Sequences {
	return Sequences{NextOrderID: 1, NextTradeID: 1}
}

// Checkpoint captures everything a failed call has to put back
type Checkpoint struct {
	registry int
	ledger   int
	book     int
	seq      Sequences
}
