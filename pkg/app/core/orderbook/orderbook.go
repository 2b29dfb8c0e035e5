package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/btree"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

var (
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrOrderFilled    = errors.New("order has no remaining amount")
	ErrOverfill       = errors.New("fill exceeds remaining amount")
)

// PriceLevel aggregates the remaining amount resting at one price
type PriceLevel struct {
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"`
	Orders int    `json:"orders"`
}

// OrderChange is a dirty order: Order is nil when it left the book
type OrderChange struct {
	Ref   Ref
	Order *Order
}

type changeKind uint8

const (
	changeInsert changeKind = iota
	changeRemove
	changeFill
)

type change struct {
	kind       changeKind
	order      *Order
	prevFilled uint64
}

type sideKey struct {
	ticker registry.Ticker
	side   Side
}

// Book holds one price-time ordered side per (ticker, side)
// BUY sorts by price descending, SELL by price ascending, ties by ascending id
type Book struct {
	mu      sync.RWMutex
	sides   map[sideKey]*btree.BTreeG[*Order]
	index   map[uint64]*Order // order id -> resting order
	journal []change
	dirty   map[uint64]Ref
}

func New() *Book {
	return &Book{
		sides: make(map[sideKey]*btree.BTreeG[*Order]),
		index: make(map[uint64]*Order),
		dirty: make(map[uint64]Ref),
	}
}

func newSide(side Side) *btree.BTreeG[*Order] {
	if side == Buy {
		// Highest price first
		return btree.NewBTreeG(func(a, b *Order) bool {
			if a.Price != b.Price {
				return a.Price > b.Price
			}
			return a.ID < b.ID
		})
	}
	// Lowest price first
	return btree.NewBTreeG(func(a, b *Order) bool {
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return a.ID < b.ID
	})
}

func (b *Book) sideLocked(ticker registry.Ticker, side Side, create bool) *btree.BTreeG[*Order] {
	key := sideKey{ticker: ticker, side: side}
	tree, ok := b.sides[key]
	if !ok && create {
		tree = newSide(side)
		b.sides[key] = tree
	}
	return tree
}

// Insert places o at its sorted position
func (b *Book) Insert(o *Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("invalid side %d", uint8(o.Side))
	}
	if o.IsFilled() {
		return fmt.Errorf("%w: order %d", ErrOrderFilled, o.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	b.insertLocked(o)
	b.journal = append(b.journal, change{kind: changeInsert, order: o})
	b.dirty[o.ID] = o.Ref()
	return nil
}

func (b *Book) insertLocked(o *Order) {
	b.sideLocked(o.Ticker, o.Side, true).Set(o)
	b.index[o.ID] = o
}

func (b *Book) removeLocked(o *Order) {
	if tree := b.sideLocked(o.Ticker, o.Side, false); tree != nil {
		tree.Delete(o)
	}
	delete(b.index, o.ID)
}

// Remove deletes an order; absent orders are ignored
func (b *Book) Remove(ticker registry.Ticker, side Side, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.index[id]
	if !ok || o.Ticker != ticker || o.Side != side {
		return
	}
	b.removeLocked(o)
	b.journal = append(b.journal, change{kind: changeRemove, order: o})
	b.dirty[id] = o.Ref()
}

// BestOpposite returns the highest priority order a taker on side would match
// The returned order is live; mutate it only through Fill
func (b *Book) BestOpposite(ticker registry.Ticker, side Side) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree := b.sideLocked(ticker, side.Opposite(), false)
	if tree == nil {
		return nil
	}
	o, ok := tree.Min()
	if !ok {
		return nil
	}
	return o
}

// Fill adds qty to a resting order's filled amount and removes it once complete
func (b *Book) Fill(o *Order, qty uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if live, ok := b.index[o.ID]; !ok || live != o {
		return fmt.Errorf("order %d is not resting", o.ID)
	}
	if qty > o.Remaining() {
		return fmt.Errorf("%w: order %d remaining %d, fill %d", ErrOverfill, o.ID, o.Remaining(), qty)
	}

	b.journal = append(b.journal, change{kind: changeFill, order: o, prevFilled: o.Filled})
	o.Filled += qty
	b.dirty[o.ID] = o.Ref()

	if o.IsFilled() {
		b.removeLocked(o)
		b.journal = append(b.journal, change{kind: changeRemove, order: o})
	}
	return nil
}

// Get returns a copy of a resting order
func (b *Book) Get(id uint64) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Snapshot returns the ordered contents of one side
func (b *Book) Snapshot(ticker registry.Ticker, side Side) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree := b.sideLocked(ticker, side, false)
	if tree == nil {
		return []Order{}
	}
	orders := make([]Order, 0, tree.Len())
	tree.Scan(func(o *Order) bool {
		orders = append(orders, *o)
		return true
	})
	return orders
}

// Depth aggregates one side by price, best price first
func (b *Book) Depth(ticker registry.Ticker, side Side) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree := b.sideLocked(ticker, side, false)
	if tree == nil {
		return []PriceLevel{}
	}
	levels := make([]PriceLevel, 0)
	tree.Scan(func(o *Order) bool {
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Amount += o.Remaining()
			levels[n-1].Orders++
			return true
		}
		levels = append(levels, PriceLevel{Price: o.Price, Amount: o.Remaining(), Orders: 1})
		return true
	})
	return levels
}

// Len returns the number of orders resting on one side
func (b *Book) Len(ticker registry.Ticker, side Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree := b.sideLocked(ticker, side, false)
	if tree == nil {
		return 0
	}
	return tree.Len()
}

// Checkpoint marks the current state for Rollback
func (b *Book) Checkpoint() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.journal)
}

// Rollback undoes every change made after checkpoint cp
func (b *Book) Rollback(cp int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.journal) - 1; i >= cp; i-- {
		c := b.journal[i]
		switch c.kind {
		case changeInsert:
			b.removeLocked(c.order)
		case changeRemove:
			b.insertLocked(c.order)
		case changeFill:
			c.order.Filled = c.prevFilled
		}
	}
	b.journal = b.journal[:cp]
}

// Commit discards the undo journal
func (b *Book) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = b.journal[:0]
}

// Dirty returns orders changed since the last ClearDirty, by ascending id
func (b *Book) Dirty() []OrderChange {
	b.mu.RLock()
	defer b.mu.RUnlock()

	changes := make([]OrderChange, 0, len(b.dirty))
	for id, ref := range b.dirty {
		c := OrderChange{Ref: ref}
		if o, ok := b.index[id]; ok {
			cp := *o
			c.Order = &cp
		}
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Ref.ID < changes[j].Ref.ID })
	return changes
}

func (b *Book) ClearDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = make(map[uint64]Ref)
}

// Restore inserts a persisted order; not journaled, not dirty
func (b *Book) Restore(o *Order) error {
	if o.IsFilled() {
		return fmt.Errorf("%w: order %d", ErrOrderFilled, o.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	b.insertLocked(o)
	return nil
}
