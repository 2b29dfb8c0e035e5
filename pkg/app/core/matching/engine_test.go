package matching

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"

	"github.com/uhyunpark/spotdex/pkg/app/core/ledger"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/util"
)

var (
	dai = registry.MustTicker("DAI")
	rep = registry.MustTicker("REP")
	zrx = registry.MustTicker("ZRX")

	trader1 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	trader2 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	trader3 = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

var startTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type fataler interface {
	Fatalf(format string, args ...any)
}

// newTestEngine registers DAI as quote and REP as base
func newTestEngine(t fataler) *Engine {
	reg := registry.New(dai)
	if err := reg.Register(dai, common.HexToAddress("0xDA")); err != nil {
		t.Fatalf("register DAI: %v", err)
	}
	if err := reg.Register(rep, common.HexToAddress("0xE5")); err != nil {
		t.Fatalf("register REP: %v", err)
	}
	return NewEngine(reg, ledger.New(), orderbook.New(), util.NewManualClock(startTime), nil)
}

func mustLimit(t *testing.T, e *Engine, trader common.Address, price, amount uint64, side orderbook.Side) uint64 {
	t.Helper()
	id, err := e.PlaceLimit(trader, rep, price, amount, side)
	if err != nil {
		t.Fatalf("limit %s %d@%d: %v", side, amount, price, err)
	}
	return id
}

func TestLimitBuyRests(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 100)

	id := mustLimit(t, e, trader1, 10, 10, orderbook.Buy)
	if id != 1 {
		t.Errorf("first order id = %d, want 1", id)
	}

	buys := e.Book().Snapshot(rep, orderbook.Buy)
	if len(buys) != 1 {
		t.Fatalf("buy side = %v, want 1 order", buys)
	}
	o := buys[0]
	if o.Trader != trader1 || o.Price != 10 || o.Amount != 10 || o.Filled != 0 {
		t.Errorf("resting order = %+v", o)
	}
	if o.Date != startTime.Unix() {
		t.Errorf("date = %d, want %d", o.Date, startTime.Unix())
	}
	if n := e.Book().Len(rep, orderbook.Sell); n != 0 {
		t.Errorf("sell side len = %d, want 0", n)
	}
	// Admission does not reserve funds
	if got := e.Ledger().BalanceOf(trader1, dai); got != 100 {
		t.Errorf("DAI = %d, want 100", got)
	}
}

func TestLimitBuysOrderedByPrice(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 100)
	e.Ledger().Credit(trader2, dai, 200)

	mustLimit(t, e, trader1, 10, 10, orderbook.Buy)
	mustLimit(t, e, trader2, 11, 10, orderbook.Buy)

	buys := e.Book().Snapshot(rep, orderbook.Buy)
	if len(buys) != 2 {
		t.Fatalf("buy side len = %d, want 2", len(buys))
	}
	if buys[0].Price != 11 || buys[0].Trader != trader2 {
		t.Errorf("first = %+v, want trader2 @11", buys[0])
	}
	if buys[1].Price != 10 || buys[1].Trader != trader1 {
		t.Errorf("second = %+v, want trader1 @10", buys[1])
	}
}

func TestMarketSellPartiallyFillsRestingBuy(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 100)
	e.Ledger().Credit(trader2, rep, 100)

	id := mustLimit(t, e, trader1, 10, 10, orderbook.Buy)

	res, err := e.MatchMarket(trader2, rep, 5, orderbook.Sell)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if res.Filled != 5 || res.Requested != 5 || len(res.Trades) != 1 {
		t.Fatalf("result = %+v", res)
	}
	tr := res.Trades[0]
	if tr.ID != 1 || tr.OrderID != id || tr.Price != 10 || tr.Amount != 5 || tr.Maker != trader1 || tr.Taker != trader2 {
		t.Errorf("trade = %+v", tr)
	}

	resting, ok := e.Book().Get(id)
	if !ok || resting.Filled != 5 {
		t.Errorf("resting = %+v (present %v), want filled 5", resting, ok)
	}

	l := e.Ledger()
	checks := []struct {
		name   string
		trader common.Address
		ticker registry.Ticker
		want   uint64
	}{
		{"trader1 DAI", trader1, dai, 50},
		{"trader1 REP", trader1, rep, 5},
		{"trader2 DAI", trader2, dai, 50},
		{"trader2 REP", trader2, rep, 95},
	}
	for _, c := range checks {
		if got := l.BalanceOf(c.trader, c.ticker); got != c.want {
			t.Errorf("%s = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestLimitSellInsufficientTokenBalance(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, rep, 99)

	_, err := e.PlaceLimit(trader1, rep, 10, 100, orderbook.Sell)
	if !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("err = %v, want ErrInsufficientTokenBalance", err)
	}
	if n := e.Book().Len(rep, orderbook.Sell); n != 0 {
		t.Errorf("book mutated: %d sell orders", n)
	}
	if e.Sequences().NextOrderID != 1 {
		t.Errorf("order id consumed by failed placement")
	}
}

func TestLimitBuyInsufficientQuoteBalance(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 99)

	_, err := e.PlaceLimit(trader1, rep, 10, 10, orderbook.Buy)
	if !errors.Is(err, ErrInsufficientQuoteBalance) {
		t.Fatalf("err = %v, want ErrInsufficientQuoteBalance", err)
	}
}

func TestValidation(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 1000)
	e.Ledger().Credit(trader1, rep, 1000)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"limit unknown ticker", func() error {
			_, err := e.PlaceLimit(trader1, zrx, 1, 1, orderbook.Buy)
			return err
		}, registry.ErrUnknownTicker},
		{"market unknown ticker", func() error {
			_, err := e.MatchMarket(trader1, zrx, 1, orderbook.Sell)
			return err
		}, registry.ErrUnknownTicker},
		{"limit on quote", func() error {
			_, err := e.PlaceLimit(trader1, dai, 1, 1, orderbook.Sell)
			return err
		}, registry.ErrQuoteAssetNotTradable},
		{"market on quote", func() error {
			_, err := e.MatchMarket(trader1, dai, 1, orderbook.Buy)
			return err
		}, registry.ErrQuoteAssetNotTradable},
		{"zero amount limit", func() error {
			_, err := e.PlaceLimit(trader1, rep, 1, 0, orderbook.Buy)
			return err
		}, ErrInvalidAmount},
		{"zero amount market", func() error {
			_, err := e.MatchMarket(trader1, rep, 0, orderbook.Buy)
			return err
		}, ErrInvalidAmount},
		{"zero price", func() error {
			_, err := e.PlaceLimit(trader1, rep, 0, 1, orderbook.Buy)
			return err
		}, ErrInvalidPrice},
		{"cost overflow", func() error {
			_, err := e.PlaceLimit(trader1, rep, 1<<40, 1<<40, orderbook.Buy)
			return err
		}, ErrInvalidPrice},
		{"bad side", func() error {
			_, err := e.PlaceLimit(trader1, rep, 1, 1, orderbook.Side(7))
			return err
		}, ErrInvalidSide},
		{"market sell short", func() error {
			_, err := e.MatchMarket(trader1, rep, 1001, orderbook.Sell)
			return err
		}, ErrInsufficientTokenBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPriceTimePriority(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 1000)
	e.Ledger().Credit(trader2, dai, 1000)
	e.Ledger().Credit(trader3, rep, 100)

	b := mustLimit(t, e, trader1, 10, 5, orderbook.Buy) // id 1
	a := mustLimit(t, e, trader2, 11, 5, orderbook.Buy) // id 2

	res, err := e.MatchMarket(trader3, rep, 6, orderbook.Sell)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %+v, want 2", res.Trades)
	}
	if res.Trades[0].OrderID != a || res.Trades[0].Amount != 5 || res.Trades[0].Price != 11 {
		t.Errorf("first trade = %+v, want order %d 5@11", res.Trades[0], a)
	}
	if res.Trades[1].OrderID != b || res.Trades[1].Amount != 1 || res.Trades[1].Price != 10 {
		t.Errorf("second trade = %+v, want order %d 1@10", res.Trades[1], b)
	}
	if _, ok := e.Book().Get(a); ok {
		t.Error("order A should be fully filled and gone")
	}
	if got := e.Ledger().BalanceOf(trader3, dai); got != 65 {
		t.Errorf("taker DAI = %d, want 65", got)
	}
}

func TestEqualPriceEarlierIDFirst(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, rep, 10)
	e.Ledger().Credit(trader2, rep, 10)
	e.Ledger().Credit(trader3, dai, 1000)

	first := mustLimit(t, e, trader2, 7, 10, orderbook.Sell)
	mustLimit(t, e, trader1, 7, 10, orderbook.Sell)

	res, err := e.MatchMarket(trader3, rep, 3, orderbook.Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].OrderID != first {
		t.Errorf("trades = %+v, want fill on order %d", res.Trades, first)
	}
}

func TestMarketBuyCappedByQuoteBudget(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, rep, 10)
	e.Ledger().Credit(trader2, rep, 10)
	e.Ledger().Credit(trader3, dai, 45)

	mustLimit(t, e, trader1, 10, 3, orderbook.Sell)
	mustLimit(t, e, trader2, 20, 10, orderbook.Sell)

	res, err := e.MatchMarket(trader3, rep, 10, orderbook.Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	// 3 @ 10 = 30, then floor(15/20) = 0 stops the walk
	if res.Filled != 3 || len(res.Trades) != 1 {
		t.Fatalf("result = %+v, want 3 filled in 1 trade", res)
	}
	if got := e.Ledger().BalanceOf(trader3, dai); got != 15 {
		t.Errorf("taker DAI = %d, want 15", got)
	}
	if got := e.Ledger().BalanceOf(trader3, rep); got != 3 {
		t.Errorf("taker REP = %d, want 3", got)
	}
	if n := e.Book().Len(rep, orderbook.Sell); n != 1 {
		t.Errorf("sell side len = %d, want 1", n)
	}
}

func TestMarketBuyWithoutQuoteFillsNothing(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, rep, 10)
	mustLimit(t, e, trader1, 10, 3, orderbook.Sell)

	res, err := e.MatchMarket(trader2, rep, 3, orderbook.Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if res.Filled != 0 || len(res.Trades) != 0 {
		t.Errorf("result = %+v, want empty fill", res)
	}
}

func TestMarketOrderEmptyBook(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, rep, 10)

	res, err := e.MatchMarket(trader1, rep, 5, orderbook.Sell)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if res.Filled != 0 || res.Requested != 5 {
		t.Errorf("result = %+v", res)
	}
	if got := e.Ledger().BalanceOf(trader1, rep); got != 10 {
		t.Errorf("REP = %d, want 10", got)
	}
}

func TestUnderfundedMakerRollsBackWholeCall(t *testing.T) {
	e := newTestEngine(t)
	e.Ledger().Credit(trader1, dai, 100)
	e.Ledger().Credit(trader2, dai, 100)
	e.Ledger().Credit(trader3, rep, 20)

	mustLimit(t, e, trader1, 10, 5, orderbook.Buy)
	funded := mustLimit(t, e, trader2, 9, 5, orderbook.Buy)
	// trader2 spends its quote elsewhere after resting the order
	if err := e.Ledger().Debit(trader2, dai, 100); err != nil {
		t.Fatal(err)
	}
	e.Commit()

	_, err := e.MatchMarket(trader3, rep, 10, orderbook.Sell)
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("err should wrap the ledger error: %v", err)
	}

	// First fill against trader1 is undone too
	if got := e.Ledger().BalanceOf(trader1, dai); got != 100 {
		t.Errorf("trader1 DAI = %d, want 100", got)
	}
	if got := e.Ledger().BalanceOf(trader3, rep); got != 20 {
		t.Errorf("trader3 REP = %d, want 20", got)
	}
	if n := e.Book().Len(rep, orderbook.Buy); n != 2 {
		t.Errorf("buy side len = %d, want 2", n)
	}
	if o, _ := e.Book().Get(funded); o.Filled != 0 {
		t.Errorf("order %d filled = %d, want 0", funded, o.Filled)
	}
	if e.Sequences().NextTradeID != 1 {
		t.Errorf("trade ids consumed by failed call: next %d", e.Sequences().NextTradeID)
	}
}

// Random order flow never creates or destroys value, never lets a resting
// order's fill go backwards or past its amount, and keeps filled orders out
// of the book.
func TestMatchingProperties(t *testing.T) {
	traders := []common.Address{trader1, trader2, trader3}

	rapid.Check(t, func(t *rapid.T) {
		e := newTestEngine(t)
		var daiTotal, repTotal uint64
		for _, tr := range traders {
			d := rapid.Uint64Range(0, 5000).Draw(t, "dai")
			r := rapid.Uint64Range(0, 500).Draw(t, "rep")
			e.Ledger().Credit(tr, dai, d)
			e.Ledger().Credit(tr, rep, r)
			daiTotal += d
			repTotal += r
		}

		filled := make(map[uint64]uint64)
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			tr := traders[rapid.IntRange(0, len(traders)-1).Draw(t, "trader")]
			side := orderbook.Side(rapid.IntRange(0, 1).Draw(t, "side"))
			amount := rapid.Uint64Range(1, 50).Draw(t, "amount")

			if rapid.Bool().Draw(t, "limit") {
				price := rapid.Uint64Range(1, 30).Draw(t, "price")
				e.PlaceLimit(tr, rep, price, amount, side)
			} else {
				res, err := e.MatchMarket(tr, rep, amount, side)
				if err == nil && res.Filled > amount {
					t.Fatalf("filled %d > requested %d", res.Filled, amount)
				}
			}

			if got := e.Ledger().Total(dai); got != daiTotal {
				t.Fatalf("DAI total = %d, want %d", got, daiTotal)
			}
			if got := e.Ledger().Total(rep); got != repTotal {
				t.Fatalf("REP total = %d, want %d", got, repTotal)
			}

			for _, s := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
				for _, o := range e.Book().Snapshot(rep, s) {
					if o.Filled >= o.Amount {
						t.Fatalf("order %d resting with filled %d/%d", o.ID, o.Filled, o.Amount)
					}
					if o.Filled < filled[o.ID] {
						t.Fatalf("order %d filled went back from %d to %d", o.ID, filled[o.ID], o.Filled)
					}
					filled[o.ID] = o.Filled
				}
			}
		}
	})
}
