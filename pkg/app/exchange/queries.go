package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

// QueryBook returns one side of a ticker's book in matching order
func (x *Exchange) QueryBook(ticker registry.Ticker, side orderbook.Side) ([]orderbook.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %d", matching.ErrInvalidSide, uint8(side))
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := x.engine.Registry().Get(ticker); err != nil {
		return nil, err
	}
	return x.engine.Book().Snapshot(ticker, side), nil
}

// Depth is the aggregated book of one ticker
type Depth struct {
	Ticker registry.Ticker        `json:"ticker"`
	Bids   []orderbook.PriceLevel `json:"bids"`
	Asks   []orderbook.PriceLevel `json:"asks"`
}

func (x *Exchange) Depth(ticker registry.Ticker) (Depth, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := x.engine.Registry().Get(ticker); err != nil {
		return Depth{}, err
	}
	book := x.engine.Book()
	return Depth{
		Ticker: ticker,
		Bids:   book.Depth(ticker, orderbook.Buy),
		Asks:   book.Depth(ticker, orderbook.Sell),
	}, nil
}

func (x *Exchange) BalanceOf(trader common.Address, ticker registry.Ticker) (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := x.engine.Registry().Get(ticker); err != nil {
		return 0, err
	}
	return x.engine.Ledger().BalanceOf(trader, ticker), nil
}

// Balances returns the trader's non-zero balances
func (x *Exchange) Balances(trader common.Address) map[registry.Ticker]uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.engine.Ledger().Balances(trader)
}

// Total is the sum of all ledger balances of an asset, which custody must cover
func (x *Exchange) Total(ticker registry.Ticker) (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := x.engine.Registry().Get(ticker); err != nil {
		return 0, err
	}
	return x.engine.Ledger().Total(ticker), nil
}

// Assets lists registered assets in registration order
func (x *Exchange) Assets() []registry.Asset {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.engine.Registry().List()
}

// RecentTrades returns up to limit trades of a ticker, newest first
func (x *Exchange) RecentTrades(ticker registry.Ticker, limit int) ([]matching.Trade, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if _, err := x.engine.Registry().Get(ticker); err != nil {
		return nil, err
	}

	recent := x.recent[ticker]
	if limit <= 0 || limit > len(recent) {
		limit = len(recent)
	}
	trades := make([]matching.Trade, 0, limit)
	for i := len(recent) - 1; i >= 0 && len(trades) < limit; i-- {
		trades = append(trades, recent[i])
	}
	return trades, nil
}

// CustodyBalance reports how much of an asset custody holds for the exchange
func (x *Exchange) CustodyBalance(ctx context.Context, ticker registry.Ticker, holder common.Address) (uint64, error) {
	x.mu.RLock()
	c, err := x.custodyFor(ticker)
	x.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	return c.BalanceOf(ctx, holder)
}

// StateHash is a deterministic digest of assets, balances and books
//
// Components hashed (in order):
//  1. Assets sorted by ticker (ticker, ref)
//  2. Per asset, every non-zero balance sorted by trader
//  3. Per asset, resting orders of each side in matching order
//     (id, trader, price, amount, filled)
func (x *Exchange) StateHash() [32]byte {
	x.mu.RLock()
	defer x.mu.RUnlock()

	reg, led, book := x.engine.Registry(), x.engine.Ledger(), x.engine.Book()
	h := sha256.New()
	var buf [8]byte
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	assets := reg.List()
	sort.Slice(assets, func(i, j int) bool { return assets[i].Ticker.String() < assets[j].Ticker.String() })
	for _, a := range assets {
		h.Write(a.Ticker[:])
		h.Write(a.Ref.Bytes())
	}

	for _, a := range assets {
		for _, e := range led.Holders(a.Ticker) {
			h.Write(a.Ticker[:])
			h.Write(e.Trader.Bytes())
			writeUint(e.Amount)
		}
	}

	for _, a := range assets {
		for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
			for _, o := range book.Snapshot(a.Ticker, side) {
				writeUint(o.ID)
				h.Write(o.Trader.Bytes())
				writeUint(o.Price)
				writeUint(o.Amount)
				writeUint(o.Filled)
			}
		}
	}

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
