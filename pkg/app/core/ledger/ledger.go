package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Key identifies one balance record
type Key struct {
	Trader common.Address
	Ticker registry.Ticker
}

// Entry is a balance record as persisted and restored
type Entry struct {
	Trader common.Address  `json:"trader"`
	Ticker registry.Ticker `json:"ticker"`
	Amount uint64          `json:"amount"`
}

// undo holds the value a balance had before a mutation
type undo struct {
	key  Key
	prev uint64
}

// Ledger tracks per-trader, per-asset balances held by the exchange
// Balances are unsigned and Debit refuses shortfalls, so no record ever goes negative
// Mutations are journaled so a failed exchange call can be rolled back as a whole
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]map[registry.Ticker]uint64
	journal  []undo
	dirty    map[Key]struct{} // changed since last persist
}

func New() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]map[registry.Ticker]uint64),
		dirty:    make(map[Key]struct{}),
	}
}

// BalanceOf returns the balance of trader in ticker (0 if never touched)
func (l *Ledger) BalanceOf(trader common.Address, ticker registry.Ticker) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[trader][ticker]
}

// Balances returns all non-zero balances of trader
func (l *Ledger) Balances(trader common.Address) map[registry.Ticker]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[registry.Ticker]uint64, len(l.balances[trader]))
	for t, amt := range l.balances[trader] {
		if amt > 0 {
			out[t] = amt
		}
	}
	return out
}

// Holders returns every non-zero balance of ticker, sorted by trader
func (l *Ledger) Holders(ticker registry.Ticker) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var entries []Entry
	for trader, byTicker := range l.balances {
		if amt := byTicker[ticker]; amt > 0 {
			entries = append(entries, Entry{Trader: trader, Ticker: ticker, Amount: amt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Trader.Cmp(entries[j].Trader) < 0 })
	return entries
}

// Total sums every trader's balance of ticker
func (l *Ledger) Total(ticker registry.Ticker) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total uint64
	for _, byTicker := range l.balances {
		total += byTicker[ticker]
	}
	return total
}

// Credit increases a balance
// Totals are bounded by custody holdings, which are themselves uint64
func (l *Ledger) Credit(trader common.Address, ticker registry.Ticker, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(trader, ticker, l.balances[trader][ticker]+amount)
}

// Debit decreases a balance
// Returns ErrInsufficientBalance and changes nothing if balance < amount
func (l *Ledger) Debit(trader common.Address, ticker registry.Ticker, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitLocked(trader, ticker, amount)
}

// Transfer moves amount of ticker from one trader to another
func (l *Ledger) Transfer(from, to common.Address, ticker registry.Ticker, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debitLocked(from, ticker, amount); err != nil {
		return err
	}
	l.setLocked(to, ticker, l.balances[to][ticker]+amount)
	return nil
}

func (l *Ledger) debitLocked(trader common.Address, ticker registry.Ticker, amount uint64) error {
	have := l.balances[trader][ticker]
	if have < amount {
		return fmt.Errorf("%w: %s %s have %d, need %d", ErrInsufficientBalance, trader.Hex(), ticker, have, amount)
	}
	l.setLocked(trader, ticker, have-amount)
	return nil
}

func (l *Ledger) setLocked(trader common.Address, ticker registry.Ticker, amount uint64) {
	byTicker, ok := l.balances[trader]
	if !ok {
		byTicker = make(map[registry.Ticker]uint64)
		l.balances[trader] = byTicker
	}

	key := Key{Trader: trader, Ticker: ticker}
	l.journal = append(l.journal, undo{key: key, prev: byTicker[ticker]})
	l.dirty[key] = struct{}{}
	byTicker[ticker] = amount
}

// Checkpoint marks the current state for Rollback
func (l *Ledger) Checkpoint() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.journal)
}

// Rollback undoes every mutation made after checkpoint cp
func (l *Ledger) Rollback(cp int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.journal) - 1; i >= cp; i-- {
		u := l.journal[i]
		l.balances[u.key.Trader][u.key.Ticker] = u.prev
	}
	l.journal = l.journal[:cp]
}

// Commit discards the undo journal, making all mutations so far permanent
func (l *Ledger) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = l.journal[:0]
}

// Dirty returns the current value of every balance changed since the last ClearDirty
// Rolled back keys may appear with their restored value
func (l *Ledger) Dirty() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.dirty))
	for k := range l.dirty {
		entries = append(entries, Entry{Trader: k.Trader, Ticker: k.Ticker, Amount: l.balances[k.Trader][k.Ticker]})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Trader != entries[j].Trader {
			return entries[i].Trader.Cmp(entries[j].Trader) < 0
		}
		return entries[i].Ticker.String() < entries[j].Ticker.String()
	})
	return entries
}

// ClearDirty forgets changed keys after they were persisted
func (l *Ledger) ClearDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = make(map[Key]struct{})
}

// Restore sets a balance loaded from storage; not journaled, not dirty
func (l *Ledger) Restore(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byTicker, ok := l.balances[e.Trader]
	if !ok {
		byTicker = make(map[registry.Ticker]uint64)
		l.balances[e.Trader] = byTicker
	}
	byTicker[e.Ticker] = e.Amount
}
