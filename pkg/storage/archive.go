package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// TradeArchive is an append-only audit log of executed trades. It is never
// read back into the market; restarts begin from an empty market.
//
// Each Open and each Rotate starts a new epoch so that tick numbers, which
// restart at zero after a reset, never overwrite earlier trades.
type TradeArchive struct {
	mu    sync.Mutex
	db    *pebble.DB
	epoch uint64
}

// OpenArchive opens (or creates) an archive in dir.
func OpenArchive(dir string) (*TradeArchive, error) {
	return openArchive(dir, &pebble.Options{})
}

// OpenMemArchive opens an archive that lives only in memory.
func OpenMemArchive() (*TradeArchive, error) {
	return openArchive("", &pebble.Options{FS: vfs.NewMem()})
}

func openArchive(dir string, opts *pebble.Options) (*TradeArchive, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a := &TradeArchive{db: db}
	last, err := a.loadEpoch()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := a.setEpoch(last + 1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *TradeArchive) Close() error { return a.db.Close() }

func (a *TradeArchive) loadEpoch() (uint64, error) {
	val, closer, err := a.db.Get([]byte(keyEpoch))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get epoch: %w", err)
	}
	defer closer.Close()
	return decodeEpoch(val)
}

func (a *TradeArchive) setEpoch(e uint64) error {
	if err := a.db.Set([]byte(keyEpoch), encodeEpoch(e), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save epoch: %w", err)
	}
	a.epoch = e
	return nil
}

// Epoch returns the epoch new trades are written to.
func (a *TradeArchive) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Rotate starts a new epoch. Call it when the market is reset.
func (a *TradeArchive) Rotate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setEpoch(a.epoch + 1); err != nil {
		return 0, err
	}
	return a.epoch, nil
}

// Append writes the trades of one tick in a single batch.
func (a *TradeArchive) Append(tick int64, trades []orderbook.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.db.NewBatch()
	defer b.Close()
	for i, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal trade: %w", err)
		}
		if err := b.Set(tradeKey(a.epoch, tick, i), data, nil); err != nil {
			return fmt.Errorf("failed to stage trade: %w", err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trades: %w", err)
	}
	return nil
}

// Record archives the trades of a tick result. It has the shape of a
// scheduler tick listener once errors are handled.
func (a *TradeArchive) Record(res market.TickResult) error {
	return a.Append(res.Tick, res.Trades)
}

// Range returns the trades of ticks from..to (inclusive) in the given
// epoch, in execution order.
func (a *TradeArchive) Range(epoch uint64, from, to int64) ([]orderbook.Trade, error) {
	if to < from {
		return nil, nil
	}
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: tickPrefix(epoch, from),
		UpperBound: keyUpperBound(tickPrefix(epoch, to)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	return collect(iter)
}

// Count returns the number of trades archived in an epoch.
func (a *TradeArchive) Count(epoch uint64) (int, error) {
	prefix := epochPrefix(epoch)
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func collect(iter *pebble.Iterator) ([]orderbook.Trade, error) {
	defer iter.Close()

	var trades []orderbook.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade %q: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return trades, nil
}
