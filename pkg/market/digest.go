package market

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// digestLocked computes a deterministic Keccak-256 hash of the market state.
// Two environments that processed the same orders in the same order produce
// the same hash.
//
// State components hashed (in order):
//  1. Tick counter
//  2. For each instrument (sorted by symbol): symbol, last price, resting bids
//     then asks in priority order (price, quantity, participant)
//  3. For each account (sorted by id): id, cash, holdings sorted by symbol
//
// Order ids are excluded since they are random.
func (e *Environment) digestLocked() common.Hash {
	var d digest
	d.putInt(e.time)

	for _, inst := range e.registry.List() {
		d.putString(inst.Symbol)
		d.putFloat(inst.Price)
		d.putOrders(inst.Book.Bids())
		d.putOrders(inst.Book.Asks())
	}

	for _, id := range e.accounts.ids() {
		acc, _ := e.accounts.lookup(id)
		d.putString(id)
		d.putFloat(acc.Cash)

		syms := make([]string, 0, len(acc.Holdings))
		for sym := range acc.Holdings {
			syms = append(syms, sym)
		}
		sort.Strings(syms)
		for _, sym := range syms {
			d.putString(sym)
			d.putInt(acc.Holdings[sym])
		}
	}

	return crypto.Keccak256Hash(d.buf)
}

type digest struct {
	buf []byte
}

func (d *digest) putInt(v int64) {
	d.buf = binary.BigEndian.AppendUint64(d.buf, uint64(v))
}

func (d *digest) putFloat(v float64) {
	d.buf = binary.BigEndian.AppendUint64(d.buf, math.Float64bits(v))
}

// putString writes a length prefix so adjacent strings cannot collide.
func (d *digest) putString(s string) {
	d.putInt(int64(len(s)))
	d.buf = append(d.buf, s...)
}

func (d *digest) putOrders(orders []orderbook.Order) {
	d.putInt(int64(len(orders)))
	for _, o := range orders {
		d.putFloat(o.Price)
		d.putInt(o.Quantity)
		d.putString(o.ParticipantID)
	}
}
