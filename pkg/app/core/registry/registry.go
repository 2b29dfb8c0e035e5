package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownTicker         = errors.New("unknown ticker")
	ErrDuplicateTicker       = errors.New("ticker already registered")
	ErrQuoteAssetNotTradable = errors.New("quote asset is not tradable")
)

// Asset is a registered fungible asset
// Ref is the external handle custody uses to move the asset (token contract address)
type Asset struct {
	Ticker Ticker         `json:"ticker"`
	Ref    common.Address `json:"ref"`
}

// Registry maps tickers to assets and designates the quote asset
// Entries are never removed once registered
type Registry struct {
	mu      sync.RWMutex
	quote   Ticker
	assets  map[Ticker]Asset
	order   []Ticker // registration order
	flushed int      // order[:flushed] is already persisted
}

// New creates an empty registry whose quote asset is quote
// The quote asset still has to be registered before it can be deposited
func New(quote Ticker) *Registry {
	return &Registry{
		quote:  quote,
		assets: make(map[Ticker]Asset),
	}
}

// Quote returns the quote ticker fixed at construction
func (r *Registry) Quote() Ticker {
	return r.quote
}

// Register adds a new asset
// Returns ErrDuplicateTicker if the ticker is taken
func (r *Registry) Register(ticker Ticker, ref common.Address) error {
	if ticker.IsZero() {
		return ErrInvalidTicker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[ticker]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTicker, ticker)
	}

	r.assets[ticker] = Asset{Ticker: ticker, Ref: ref}
	r.order = append(r.order, ticker)
	return nil
}

// Get looks up an asset by ticker
func (r *Registry) Get(ticker Ticker) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[ticker]
	if !exists {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return asset, nil
}

// RequireTradable checks ticker can be used as the base asset of an order
func (r *Registry) RequireTradable(ticker Ticker) error {
	if _, err := r.Get(ticker); err != nil {
		return err
	}
	if ticker == r.quote {
		return fmt.Errorf("%w: %s", ErrQuoteAssetNotTradable, ticker)
	}
	return nil
}

// List returns all assets in registration order
func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assets := make([]Asset, 0, len(r.order))
	for _, t := range r.order {
		assets = append(assets, r.assets[t])
	}
	return assets
}

func (r *Registry) Exists(ticker Ticker) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.assets[ticker]
	return exists
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Checkpoint marks the current registration state for Rollback
func (r *Registry) Checkpoint() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Rollback unregisters everything registered after checkpoint cp
func (r *Registry) Rollback(cp int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cp < r.flushed {
		cp = r.flushed
	}
	for _, t := range r.order[cp:] {
		delete(r.assets, t)
	}
	r.order = r.order[:cp]
}

// Pending returns assets registered since the last MarkFlushed
func (r *Registry) Pending() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make([]Asset, 0, len(r.order)-r.flushed)
	for _, t := range r.order[r.flushed:] {
		pending = append(pending, r.assets[t])
	}
	return pending
}

// MarkFlushed records that every registered asset has been persisted
func (r *Registry) MarkFlushed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = len(r.order)
}

// Restore loads a persisted asset without marking it pending
func (r *Registry) Restore(asset Asset) error {
	if err := r.Register(asset.Ticker, asset.Ref); err != nil {
		return err
	}
	r.MarkFlushed()
	return nil
}
