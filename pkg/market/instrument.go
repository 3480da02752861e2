package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// Instrument is a tradable symbol with its last traded price and its book.
// Price and Book are owned by the Environment and must only be touched while
// holding its lock.
type Instrument struct {
	Symbol string               `json:"symbol"`
	Price  float64              `json:"price"`
	Book   *orderbook.OrderBook `json:"-"`
}

func NewInstrument(symbol string, initialPrice float64, opts ...orderbook.Option) *Instrument {
	return &Instrument{
		Symbol: symbol,
		Price:  initialPrice,
		Book:   orderbook.NewOrderBook(symbol, opts...),
	}
}

// InstrumentRegistry maps symbols to instruments in a thread-safe manner.
type InstrumentRegistry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

func NewInstrumentRegistry() *InstrumentRegistry {
	return &InstrumentRegistry{
		instruments: make(map[string]*Instrument),
	}
}

// Register adds an instrument.
// Returns error if an instrument with the same symbol already exists
func (r *InstrumentRegistry) Register(inst *Instrument) error {
	if inst == nil {
		return fmt.Errorf("cannot register nil instrument")
	}
	if inst.Symbol == "" {
		return fmt.Errorf("cannot register instrument without symbol")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[inst.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", inst.Symbol)
	}
	r.instruments[inst.Symbol] = inst
	return nil
}

// Get looks an instrument up by symbol.
func (r *InstrumentRegistry) Get(symbol string) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instruments[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// List returns every instrument ordered by symbol.
func (r *InstrumentRegistry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Symbol < out[b].Symbol })
	return out
}

// Symbols returns the registered symbols in sorted order.
func (r *InstrumentRegistry) Symbols() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.Symbol
	}
	return out
}

func (r *InstrumentRegistry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.instruments[symbol]
	return exists
}

func (r *InstrumentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
