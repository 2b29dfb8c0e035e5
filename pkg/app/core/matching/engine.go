package matching

import (
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/pkg/app/core/ledger"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/util"
)

// Engine admits limit orders into the book and walks the book for market orders,
// settling every fill against the ledger at the resting order's price
//
// Not safe for concurrent use: the exchange serializes every call
type Engine struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	book     *orderbook.Book
	clock    util.Clock
	logger   *zap.Logger
	seq      Sequences
}

func NewEngine(reg *registry.Registry, led *ledger.Ledger, book *orderbook.Book, clock util.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: reg,
		ledger:   led,
		book:     book,
		clock:    clock,
		logger:   logger,
		seq:      InitialSequences(),
	}
}

func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Ledger() *ledger.Ledger       { return e.ledger }
func (e *Engine) Book() *orderbook.Book        { return e.book }

// Sequences returns the next order and trade ids
func (e *Engine) Sequences() Sequences {
	return e.seq
}

// SetSequences restores ids loaded from storage
func (e *Engine) SetSequences(seq Sequences) {
	if seq.NextOrderID == 0 {
		seq.NextOrderID = 1
	}
	if seq.NextTradeID == 0 {
		seq.NextTradeID = 1
	}
	e.seq = seq
}

// Checkpoint marks registry, ledger, book and id sequences for Rollback
func (e *Engine) Checkpoint() Checkpoint {
	return Checkpoint{
		registry: e.registry.Checkpoint(),
		ledger:   e.ledger.Checkpoint(),
		book:     e.book.Checkpoint(),
		seq:      e.seq,
	}
}

// Rollback puts every component back to cp
func (e *Engine) Rollback(cp Checkpoint) {
	e.book.Rollback(cp.book)
	e.ledger.Rollback(cp.ledger)
	e.registry.Rollback(cp.registry)
	e.seq = cp.seq
}

// Commit makes all changes since the last commit permanent
func (e *Engine) Commit() {
	e.ledger.Commit()
	e.book.Commit()
}

func (e *Engine) validate(ticker registry.Ticker, amount uint64, side orderbook.Side) error {
	if err := e.registry.RequireTradable(ticker); err != nil {
		return err
	}
	if !side.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSide, uint8(side))
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

// PlaceLimit admits a resting limit order and returns its id
//
// The balance check is point-in-time on the full amount; nothing is reserved,
// so a trader may rest more than they hold across several orders.
// Limit orders never match on entry.
func (e *Engine) PlaceLimit(trader common.Address, ticker registry.Ticker, price, amount uint64, side orderbook.Side) (uint64, error) {
	if err := e.validate(ticker, amount, side); err != nil {
		return 0, err
	}
	if price == 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidPrice)
	}

	switch side {
	case orderbook.Sell:
		if have := e.ledger.BalanceOf(trader, ticker); have < amount {
			return 0, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientTokenBalance, have, ticker, amount)
		}
	case orderbook.Buy:
		hi, cost := bits.Mul64(price, amount)
		if hi != 0 {
			return 0, fmt.Errorf("%w: price %d * amount %d overflows", ErrInvalidPrice, price, amount)
		}
		quote := e.registry.Quote()
		if have := e.ledger.BalanceOf(trader, quote); have < cost {
			return 0, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientQuoteBalance, have, quote, cost)
		}
	}

	order := &orderbook.Order{
		ID:     e.seq.NextOrderID,
		Trader: trader,
		Ticker: ticker,
		Side:   side,
		Price:  price,
		Amount: amount,
		Date:   e.clock.Now().Unix(),
	}
	if err := e.book.Insert(order); err != nil {
		return 0, err
	}
	e.seq.NextOrderID++

	e.logger.Debug("limit_order_rested",
		zap.Uint64("order_id", order.ID),
		zap.Stringer("ticker", ticker),
		zap.Stringer("side", side),
		zap.Uint64("price", price),
		zap.Uint64("amount", amount))
	return order.ID, nil
}

// MatchMarket fills up to amount against the opposite side, best price first
//
// SELL needs the full amount of the base asset up front. BUY has no upfront
// check; each step is capped by what the taker's quote balance buys at the
// maker's price, and the walk stops once nothing more is affordable.
// Running out of liquidity or quote is a partial fill, not an error.
func (e *Engine) MatchMarket(trader common.Address, ticker registry.Ticker, amount uint64, side orderbook.Side) (MarketResult, error) {
	if err := e.validate(ticker, amount, side); err != nil {
		return MarketResult{}, err
	}
	if side == orderbook.Sell {
		if have := e.ledger.BalanceOf(trader, ticker); have < amount {
			return MarketResult{}, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientTokenBalance, have, ticker, amount)
		}
	}

	cp := e.Checkpoint()
	result, err := e.walk(trader, ticker, amount, side)
	if err != nil {
		e.Rollback(cp)
		return MarketResult{}, err
	}
	return result, nil
}

func (e *Engine) walk(trader common.Address, ticker registry.Ticker, amount uint64, side orderbook.Side) (MarketResult, error) {
	quote := e.registry.Quote()
	result := MarketResult{Requested: amount, Trades: []Trade{}}
	remaining := amount

	for remaining > 0 {
		maker := e.book.BestOpposite(ticker, side)
		if maker == nil {
			break
		}

		qty := min(remaining, maker.Remaining())
		if side == orderbook.Buy {
			qty = min(qty, e.ledger.BalanceOf(trader, quote)/maker.Price)
		}
		if qty == 0 {
			break
		}

		if err := e.settle(trader, maker, qty, side); err != nil {
			return MarketResult{}, err
		}

		trade := Trade{
			ID:        e.seq.NextTradeID,
			OrderID:   maker.ID,
			Ticker:    ticker,
			Maker:     maker.Trader,
			Taker:     trader,
			TakerSide: side,
			Amount:    qty,
			Price:     maker.Price,
			Date:      e.clock.Now().Unix(),
		}
		if err := e.book.Fill(maker, qty); err != nil {
			return MarketResult{}, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
		e.seq.NextTradeID++

		result.Trades = append(result.Trades, trade)
		result.Filled += qty
		remaining -= qty

		e.logger.Debug("trade_settled",
			zap.Uint64("trade_id", trade.ID),
			zap.Uint64("maker_order", trade.OrderID),
			zap.Stringer("ticker", ticker),
			zap.Uint64("amount", qty),
			zap.Uint64("price", trade.Price))
	}

	return result, nil
}

// settle moves qty of the base asset and qty*price of the quote asset between
// taker and maker
func (e *Engine) settle(taker common.Address, maker *orderbook.Order, qty uint64, side orderbook.Side) error {
	hi, cost := bits.Mul64(qty, maker.Price)
	if hi != 0 {
		return fmt.Errorf("%w: order %d cost overflows", ErrSettlementFailed, maker.ID)
	}
	quote := e.registry.Quote()

	var err error
	if side == orderbook.Buy {
		if err = e.ledger.Transfer(taker, maker.Trader, quote, cost); err == nil {
			err = e.ledger.Transfer(maker.Trader, taker, maker.Ticker, qty)
		}
	} else {
		if err = e.ledger.Transfer(taker, maker.Trader, maker.Ticker, qty); err == nil {
			err = e.ledger.Transfer(maker.Trader, taker, quote, cost)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: maker order %d: %w", ErrSettlementFailed, maker.ID, err)
	}
	return nil
}
