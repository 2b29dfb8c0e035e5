package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/spotdex/pkg/app/core/ledger"
	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

// ChangeSet is everything one committed exchange call changed
type ChangeSet struct {
	Assets    []registry.Asset
	Balances  []ledger.Entry
	Orders    []orderbook.OrderChange
	Trades    []matching.Trade
	Sequences *matching.Sequences
}

func (cs ChangeSet) Empty() bool {
	return len(cs.Assets) == 0 && len(cs.Balances) == 0 && len(cs.Orders) == 0 &&
		len(cs.Trades) == 0 && cs.Sequences == nil
}

// Snapshot is the persisted exchange state used to rebuild memory at startup
type Snapshot struct {
	Assets    []registry.Asset
	Balances  []ledger.Entry
	Orders    []orderbook.Order // ascending id
	Trades    []matching.Trade  // recent history, oldest first per ticker
	Sequences matching.Sequences
}

// Store provides Pebble-based persistence for assets, balances, resting orders and trades
// Thread-safe: writers are serialized by the exchange
type Store struct {
	db *pebble.DB
}

// Open opens a Pebble database at the given path
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Persist writes a change set in one atomic batch
func (s *Store) Persist(cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, a := range cs.Assets {
		if err := setJSON(batch, assetKey(a.Ticker), a); err != nil {
			return fmt.Errorf("failed to save asset %s: %w", a.Ticker, err)
		}
	}

	for _, b := range cs.Balances {
		key := balanceKey(b.Trader, b.Ticker)
		if b.Amount == 0 {
			if err := batch.Delete(key, nil); err != nil {
				return fmt.Errorf("failed to delete balance: %w", err)
			}
			continue
		}
		if err := setJSON(batch, key, b); err != nil {
			return fmt.Errorf("failed to save balance: %w", err)
		}
	}

	for _, c := range cs.Orders {
		key := orderKey(c.Ref)
		if c.Order == nil {
			if err := batch.Delete(key, nil); err != nil {
				return fmt.Errorf("failed to delete order %d: %w", c.Ref.ID, err)
			}
			continue
		}
		if err := setJSON(batch, key, c.Order); err != nil {
			return fmt.Errorf("failed to save order %d: %w", c.Ref.ID, err)
		}
	}

	for _, t := range cs.Trades {
		if err := setJSON(batch, tradeKey(t.Ticker, t.ID), t); err != nil {
			return fmt.Errorf("failed to save trade %d: %w", t.ID, err)
		}
	}

	if cs.Sequences != nil {
		if err := setJSON(batch, []byte(keySequences), cs.Sequences); err != nil {
			return fmt.Errorf("failed to save sequences: %w", err)
		}
	}

	return batch.Commit(pebble.Sync)
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, data, nil)
}

// Load reads the full persisted state, keeping up to tradeHistory trades per ticker
func (s *Store) Load(tradeHistory int) (Snapshot, error) {
	var snap Snapshot

	err := s.scan([]byte(prefixAsset), func(v []byte) error {
		var a registry.Asset
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("failed to unmarshal asset: %w", err)
		}
		snap.Assets = append(snap.Assets, a)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	err = s.scan([]byte(prefixBalance), func(v []byte) error {
		var e ledger.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		snap.Balances = append(snap.Balances, e)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	err = s.scan([]byte(prefixOrder), func(v []byte) error {
		var o orderbook.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		snap.Orders = append(snap.Orders, o)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	sortOrdersByID(snap.Orders)

	if tradeHistory > 0 {
		for _, a := range snap.Assets {
			trades, err := s.LoadRecentTrades(a.Ticker, tradeHistory)
			if err != nil {
				return Snapshot{}, err
			}
			for i := len(trades) - 1; i >= 0; i-- {
				snap.Trades = append(snap.Trades, trades[i])
			}
		}
	}

	snap.Sequences, err = s.LoadSequences()
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// LoadSequences returns the stored id sequences, or the initial ones
func (s *Store) LoadSequences() (matching.Sequences, error) {
	data, closer, err := s.db.Get([]byte(keySequences))
	if errors.Is(err, pebble.ErrNotFound) {
		return matching.InitialSequences(), nil
	}
	if err != nil {
		return matching.Sequences{}, fmt.Errorf("failed to get sequences: %w", err)
	}
	defer closer.Close()

	var seq matching.Sequences
	if err := json.Unmarshal(data, &seq); err != nil {
		return matching.Sequences{}, fmt.Errorf("failed to unmarshal sequences: %w", err)
	}
	return seq, nil
}

// LoadRecentTrades loads the most recent trades for a ticker, newest first
func (s *Store) LoadRecentTrades(ticker registry.Ticker, limit int) ([]matching.Trade, error) {
	prefix := tradePrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	trades := make([]matching.Trade, 0)
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t matching.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// SaveNonce records the last accepted request nonce for a signer
func (s *Store) SaveNonce(addr common.Address, nonce uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return s.db.Set(nonceKey(addr), buf[:], pebble.Sync)
}

// LoadNonces returns every stored signer nonce
func (s *Store) LoadNonces() (map[common.Address]uint64, error) {
	nonces := make(map[common.Address]uint64)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixNonce),
		UpperBound: keyUpperBound([]byte(prefixNonce)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			return nil, fmt.Errorf("corrupt nonce entry %q", iter.Key())
		}
		addr := common.HexToAddress(string(iter.Key()[len(prefixNonce):]))
		nonces[addr] = binary.BigEndian.Uint64(iter.Value())
	}
	return nonces, iter.Error()
}

func (s *Store) scan(prefix []byte, fn func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func sortOrdersByID(orders []orderbook.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
