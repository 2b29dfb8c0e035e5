// Package exchange is the single entry point for every exchange operation.
// Each mutating call runs alone under the exchange mutex and is all-or-nothing:
// on any error registry, ledger, book and id sequences are rolled back.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/pkg/app/core/ledger"
	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/custody"
	"github.com/uhyunpark/spotdex/pkg/storage"
	"github.com/uhyunpark/spotdex/pkg/util"
)

var (
	ErrUnauthorized          = errors.New("caller is not the registry admin")
	ErrCustodyTransferFailed = errors.New("custody transfer failed")
)

// Persister durably stores committed changes
type Persister interface {
	Persist(cs storage.ChangeSet) error
}

// Update describes a committed change to one ticker's book
// Trades is empty when only resting orders changed
type Update struct {
	Ticker registry.Ticker
	Trades []matching.Trade
}

// Listener is called after a book-changing call commits, outside the exchange lock
// Updates arrive one at a time in commit order, so a slow listener delays later callers
// A listener may query the exchange but must not place orders
type Listener func(Update)

type Config struct {
	Admin        common.Address
	Custody      custody.Provider
	Persister    Persister // nil keeps state in memory only
	TradeHistory int       // recent trades kept per ticker
	Clock        util.Clock
	Logger       *zap.Logger
}

const defaultTradeHistory = 100

type Exchange struct {
	mu        sync.RWMutex
	engine    *matching.Engine
	admin     common.Address
	custody   custody.Provider
	persister Persister
	logger    *zap.Logger

	history       int
	recent        map[registry.Ticker][]matching.Trade // oldest first
	pendingTrades []matching.Trade                     // committed but not yet persisted
	seqDirty      bool

	// tickets are issued under mu and delivered strictly in issue order
	notifyMu    sync.Mutex
	notifyCond  *sync.Cond
	issued      uint64
	delivered   uint64
	listenersMu sync.RWMutex
	listeners   []Listener
}

// New builds an empty exchange whose prices are denominated in quote
func New(quote registry.Ticker, cfg Config) *Exchange {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	history := cfg.TradeHistory
	if history <= 0 {
		history = defaultTradeHistory
	}

	engine := matching.NewEngine(registry.New(quote), ledger.New(), orderbook.New(), cfg.Clock, logger)
	x := &Exchange{
		engine:    engine,
		admin:     cfg.Admin,
		custody:   cfg.Custody,
		persister: cfg.Persister,
		logger:    logger,
		history:   history,
		recent:    make(map[registry.Ticker][]matching.Trade),
	}
	x.notifyCond = sync.NewCond(&x.notifyMu)
	return x
}

func (x *Exchange) Admin() common.Address {
	return x.admin
}

func (x *Exchange) Quote() registry.Ticker {
	return x.engine.Registry().Quote()
}

// Subscribe registers a listener for committed book updates
func (x *Exchange) Subscribe(l Listener) {
	x.listenersMu.Lock()
	defer x.listenersMu.Unlock()
	x.listeners = append(x.listeners, l)
}

// ticket reserves the next delivery slot
// Must be called with x.mu held for writing
func (x *Exchange) ticket() uint64 {
	x.issued++
	return x.issued
}

// notify waits for every earlier ticket to be delivered, then calls the listeners
func (x *Exchange) notify(ticket uint64, u Update) {
	x.notifyMu.Lock()
	for x.delivered+1 != ticket {
		x.notifyCond.Wait()
	}
	x.notifyMu.Unlock()

	defer func() {
		x.notifyMu.Lock()
		x.delivered = ticket
		x.notifyCond.Broadcast()
		x.notifyMu.Unlock()
	}()

	x.listenersMu.RLock()
	listeners := x.listeners
	x.listenersMu.RUnlock()

	for _, l := range listeners {
		l(u)
	}
}

// execute runs fn as one atomic step
// Must be called with x.mu held
func (x *Exchange) execute(fn func() error) error {
	cp := x.engine.Checkpoint()
	if err := fn(); err != nil {
		x.engine.Rollback(cp)
		return err
	}
	x.engine.Commit()
	x.flush()
	return nil
}

// flush persists everything changed since the last successful flush
// A failed persist is logged and retried on the next commit; it never fails the call
func (x *Exchange) flush() {
	reg, led, book := x.engine.Registry(), x.engine.Ledger(), x.engine.Book()

	cs := storage.ChangeSet{
		Assets:   reg.Pending(),
		Balances: led.Dirty(),
		Orders:   book.Dirty(),
		Trades:   x.pendingTrades,
	}
	if x.seqDirty {
		seq := x.engine.Sequences()
		cs.Sequences = &seq
	}
	if cs.Empty() {
		return
	}

	if x.persister != nil {
		if err := x.persister.Persist(cs); err != nil {
			x.logger.Error("persist_failed",
				zap.Int("assets", len(cs.Assets)),
				zap.Int("balances", len(cs.Balances)),
				zap.Int("orders", len(cs.Orders)),
				zap.Int("trades", len(cs.Trades)),
				zap.Error(err))
			return
		}
	}

	reg.MarkFlushed()
	led.ClearDirty()
	book.ClearDirty()
	x.pendingTrades = nil
	x.seqDirty = false
}

// RegisterAsset adds a new asset; only the admin may call it
func (x *Exchange) RegisterAsset(ctx context.Context, caller common.Address, ticker registry.Ticker, ref common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if caller != x.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.execute(func() error {
		return x.engine.Registry().Register(ticker, ref)
	})
	if err != nil {
		return err
	}

	x.logger.Info("asset_registered",
		zap.Stringer("ticker", ticker),
		zap.String("ref", ref.Hex()))
	return nil
}

func (x *Exchange) custodyFor(ticker registry.Ticker) (custody.Custody, error) {
	asset, err := x.engine.Registry().Get(ticker)
	if err != nil {
		return nil, err
	}
	if x.custody == nil {
		return nil, fmt.Errorf("%w: no custody configured", ErrCustodyTransferFailed)
	}
	c, err := x.custody.Custody(asset.Ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCustodyTransferFailed, ticker, err)
	}
	return c, nil
}

// Deposit pulls amount from the caller's approved custody balance and credits it
func (x *Exchange) Deposit(ctx context.Context, caller common.Address, ticker registry.Ticker, amount uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.execute(func() error {
		c, err := x.custodyFor(ticker)
		if err != nil {
			return err
		}
		if amount == 0 {
			return matching.ErrInvalidAmount
		}
		if err := c.TransferIn(ctx, caller, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
		}
		x.engine.Ledger().Credit(caller, ticker, amount)
		return nil
	})
	if err != nil {
		return err
	}

	x.logger.Info("deposit_applied",
		zap.String("trader", caller.Hex()),
		zap.Stringer("ticker", ticker),
		zap.Uint64("amount", amount))
	return nil
}

// Withdraw debits the caller and pays amount out through custody
// If the payout fails the debit is undone
func (x *Exchange) Withdraw(ctx context.Context, caller common.Address, ticker registry.Ticker, amount uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.execute(func() error {
		c, err := x.custodyFor(ticker)
		if err != nil {
			return err
		}
		if amount == 0 {
			return matching.ErrInvalidAmount
		}
		if err := x.engine.Ledger().Debit(caller, ticker, amount); err != nil {
			return err
		}
		if err := c.TransferOut(ctx, caller, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	x.logger.Info("withdrawal_applied",
		zap.String("trader", caller.Hex()),
		zap.Stringer("ticker", ticker),
		zap.Uint64("amount", amount))
	return nil
}

// PlaceLimitOrder rests a limit order and returns its id
func (x *Exchange) PlaceLimitOrder(ctx context.Context, caller common.Address, ticker registry.Ticker, price, amount uint64, side orderbook.Side) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	x.mu.Lock()
	var id uint64
	err := x.execute(func() error {
		var err error
		id, err = x.engine.PlaceLimit(caller, ticker, price, amount, side)
		if err == nil {
			x.seqDirty = true
		}
		return err
	})
	var ticket uint64
	if err == nil {
		ticket = x.ticket()
	}
	x.mu.Unlock()
	if err != nil {
		return 0, err
	}

	x.logger.Info("limit_order_placed",
		zap.Uint64("order_id", id),
		zap.String("trader", caller.Hex()),
		zap.Stringer("ticker", ticker),
		zap.Stringer("side", side),
		zap.Uint64("price", price),
		zap.Uint64("amount", amount))
	x.notify(ticket, Update{Ticker: ticker})
	return id, nil
}

// PlaceMarketOrder fills as much of amount as the book and the caller's balance allow
func (x *Exchange) PlaceMarketOrder(ctx context.Context, caller common.Address, ticker registry.Ticker, amount uint64, side orderbook.Side) (matching.MarketResult, error) {
	if err := ctx.Err(); err != nil {
		return matching.MarketResult{}, err
	}

	x.mu.Lock()
	var result matching.MarketResult
	err := x.execute(func() error {
		var err error
		result, err = x.engine.MatchMarket(caller, ticker, amount, side)
		if err != nil {
			return err
		}
		if len(result.Trades) > 0 {
			x.seqDirty = true
			x.pendingTrades = append(x.pendingTrades, result.Trades...)
		}
		return nil
	})
	var ticket uint64
	if err == nil && len(result.Trades) > 0 {
		x.recordTrades(ticker, result.Trades)
		ticket = x.ticket()
	}
	x.mu.Unlock()
	if err != nil {
		return matching.MarketResult{}, err
	}

	x.logger.Info("market_order_filled",
		zap.String("trader", caller.Hex()),
		zap.Stringer("ticker", ticker),
		zap.Stringer("side", side),
		zap.Uint64("requested", result.Requested),
		zap.Uint64("filled", result.Filled),
		zap.Int("trades", len(result.Trades)))
	if len(result.Trades) > 0 {
		x.notify(ticket, Update{Ticker: ticker, Trades: result.Trades})
	}
	return result, nil
}

func (x *Exchange) recordTrades(ticker registry.Ticker, trades []matching.Trade) {
	if len(trades) == 0 {
		return
	}
	recent := append(x.recent[ticker], trades...)
	if len(recent) > x.history {
		recent = append([]matching.Trade(nil), recent[len(recent)-x.history:]...)
	}
	x.recent[ticker] = recent
}

// Restore loads persisted state into an empty exchange
func (x *Exchange) Restore(snap storage.Snapshot) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	reg, led, book := x.engine.Registry(), x.engine.Ledger(), x.engine.Book()
	if reg.Count() != 0 {
		return errors.New("restore into a non-empty exchange")
	}

	for _, a := range snap.Assets {
		if err := reg.Restore(a); err != nil {
			return fmt.Errorf("failed to restore asset %s: %w", a.Ticker, err)
		}
	}
	for _, e := range snap.Balances {
		led.Restore(e)
	}
	for i := range snap.Orders {
		o := snap.Orders[i]
		if err := book.Restore(&o); err != nil {
			return fmt.Errorf("failed to restore order %d: %w", o.ID, err)
		}
	}
	for _, t := range snap.Trades {
		x.recordTrades(t.Ticker, []matching.Trade{t})
	}
	x.engine.SetSequences(snap.Sequences)

	x.logger.Info("state_restored",
		zap.Int("assets", len(snap.Assets)),
		zap.Int("balances", len(snap.Balances)),
		zap.Int("orders", len(snap.Orders)),
		zap.Int("trades", len(snap.Trades)),
		zap.Uint64("next_order_id", x.engine.Sequences().NextOrderID))
	return nil
}
