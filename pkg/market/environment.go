package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidVolume     = errors.New("invalid volume")
	ErrQueueFull         = errors.New("pending queue full")
)

// AnonymousParticipant is used for orders submitted without a participant id.
const AnonymousParticipant = "unknown"

// OrderRequest is an order waiting for the next tick.
type OrderRequest struct {
	Symbol        string         `json:"symbol"`
	Price         float64        `json:"price"`
	Volume        int64          `json:"volume"`
	Side          orderbook.Side `json:"side"`
	Kind          orderbook.Kind `json:"order_type"`
	ParticipantID string         `json:"agent_id"`
}

// BookDepth is the number of resting orders per side of one book.
type BookDepth struct {
	Bids int `json:"bids"`
	Asks int `json:"asks"`
}

// State is a read-only snapshot of the market.
type State struct {
	Time        int64                `json:"time"`
	Instruments []string             `json:"instruments"`
	OrderBooks  map[string]BookDepth `json:"order_books"`
	Prices      map[string]float64   `json:"prices"`
	Account     *AccountView         `json:"account,omitempty"`
}

// BookSnapshot holds copies of the resting orders of one book, best first.
type BookSnapshot struct {
	Symbol string            `json:"symbol"`
	Bids   []orderbook.Order `json:"bids"`
	Asks   []orderbook.Order `json:"asks"`
}

// TickResult is what one tick produced.
type TickResult struct {
	Tick      int64             `json:"tick"`
	Trades    []orderbook.Trade `json:"trades"`
	State     State             `json:"state"`
	StateHash common.Hash       `json:"state_hash"`
}

// Environment owns every instrument and account and advances the market one
// tick at a time. All methods are safe for concurrent use: a single lock
// serializes submissions and ticks, so readers see the state either before
// or after a tick, never in between.
type Environment struct {
	mu sync.RWMutex

	registry *InstrumentRegistry
	accounts *accountBook
	pending  *PendingQueue
	tradeLog []orderbook.Trade
	time     int64

	logger *zap.SugaredLogger
}

type Option func(*envOptions)

type envOptions struct {
	startingCash float64
	maxPending   int
	logger       *zap.SugaredLogger
}

// WithStartingCash sets the cash new accounts are funded with.
func WithStartingCash(cash float64) Option {
	return func(o *envOptions) { o.startingCash = cash }
}

// WithMaxPending bounds the number of orders queued between ticks.
func WithMaxPending(n int) Option {
	return func(o *envOptions) { o.maxPending = n }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *envOptions) { o.logger = l }
}

func NewEnvironment(instruments []*Instrument, opts ...Option) (*Environment, error) {
	o := envOptions{
		startingCash: DefaultStartingCash,
		maxPending:   DefaultMaxPending,
		logger:       util.NopSugar(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	reg := NewInstrumentRegistry()
	for _, inst := range instruments {
		if err := reg.Register(inst); err != nil {
			return nil, err
		}
	}

	return &Environment{
		registry: reg,
		accounts: newAccountBook(o.startingCash),
		pending:  NewPendingQueue(o.maxPending),
		logger:   o.logger,
	}, nil
}

// SubmitOrder validates an order and queues it for the next tick. The
// participant's account is created if it does not exist yet.
func (e *Environment) SubmitOrder(req OrderRequest) error {
	if !e.registry.Exists(req.Symbol) {
		return fmt.Errorf("%w: %q", ErrUnknownInstrument, req.Symbol)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: %s", orderbook.ErrInvalidSide, req.Side)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %s", orderbook.ErrInvalidOrderKind, req.Kind)
	}
	if req.Volume < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVolume, req.Volume)
	}
	if req.ParticipantID == "" {
		req.ParticipantID = AnonymousParticipant
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pending.Push(req); err != nil {
		return err
	}
	e.accounts.get(req.ParticipantID)

	e.logger.Debugw("order_queued",
		"symbol", req.Symbol,
		"side", req.Side.String(),
		"kind", req.Kind.String(),
		"price", req.Price,
		"volume", req.Volume,
		"participant", req.ParticipantID,
	)
	return nil
}

// Tick drains the pending queue, matches every order in arrival order,
// settles the resulting trades, updates last prices and advances time.
func (e *Environment) Tick() TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	tick := e.time
	orders := e.pending.Drain()

	var trades []orderbook.Trade
	for _, req := range orders {
		inst, err := e.registry.Get(req.Symbol)
		if err != nil {
			e.logger.Warnw("order_dropped", "symbol", req.Symbol, "err", err)
			continue
		}

		if _, err := inst.Book.PlaceOrder(req.Price, req.Volume, req.Side, req.Kind, req.ParticipantID); err != nil {
			e.logger.Warnw("order_rejected", "symbol", req.Symbol, "participant", req.ParticipantID, "err", err)
			continue
		}
		fills := inst.Book.DrainTrades()

		for i := range fills {
			fills[i].Tick = tick
			e.accounts.settle(fills[i])
		}
		if n := len(fills); n > 0 {
			inst.Price = fills[n-1].Price
		}
		trades = append(trades, fills...)
	}

	e.tradeLog = append(e.tradeLog, trades...)
	e.time++

	res := TickResult{
		Tick:      tick,
		Trades:    trades,
		State:     e.stateLocked(""),
		StateHash: e.digestLocked(),
	}

	e.logger.Debugw("tick_processed",
		"tick", tick,
		"orders", len(orders),
		"trades", len(trades),
		"state_hash", res.StateHash.Hex(),
	)
	return res
}

// State returns a snapshot of the market. When participantID is not empty
// the snapshot includes that participant's account, creating it if needed.
func (e *Environment) State(participantID string) State {
	if participantID == "" {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.stateLocked("")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts.get(participantID)
	return e.stateLocked(participantID)
}

func (e *Environment) stateLocked(participantID string) State {
	list := e.registry.List()
	s := State{
		Time:        e.time,
		Instruments: make([]string, 0, len(list)),
		OrderBooks:  make(map[string]BookDepth, len(list)),
		Prices:      make(map[string]float64, len(list)),
	}
	for _, inst := range list {
		bids, asks := inst.Book.Depth()
		s.Instruments = append(s.Instruments, inst.Symbol)
		s.OrderBooks[inst.Symbol] = BookDepth{Bids: bids, Asks: asks}
		s.Prices[inst.Symbol] = inst.Price
	}
	if participantID != "" {
		if acc, ok := e.accounts.lookup(participantID); ok {
			v := acc.View()
			s.Account = &v
		}
	}
	return s
}

// Book returns the resting orders of one instrument.
func (e *Environment) Book(symbol string) (BookSnapshot, error) {
	inst, err := e.registry.Get(symbol)
	if err != nil {
		return BookSnapshot{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return BookSnapshot{
		Symbol: symbol,
		Bids:   inst.Book.Bids(),
		Asks:   inst.Book.Asks(),
	}, nil
}

// Time returns the number of the next tick to be processed.
func (e *Environment) Time() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.time
}

// TradeLog returns a copy of every trade since the last reset, oldest first.
func (e *Environment) TradeLog() []orderbook.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]orderbook.Trade, len(e.tradeLog))
	copy(out, e.tradeLog)
	return out
}

// Trades returns the most recent trades of one instrument, newest first.
// A limit of zero or less returns all of them.
func (e *Environment) Trades(symbol string, limit int) ([]orderbook.Trade, error) {
	if !e.registry.Exists(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, symbol)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []orderbook.Trade
	for i := len(e.tradeLog) - 1; i >= 0; i-- {
		if e.tradeLog[i].Symbol != symbol {
			continue
		}
		out = append(out, e.tradeLog[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Account returns a copy of a participant's account, creating it with
// starting cash if it does not exist yet.
func (e *Environment) Account(participantID string) AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts.get(participantID).View()
}

// Instruments returns a copy of every instrument's symbol and last price,
// ordered by symbol. The Book field of the copies is nil.
func (e *Environment) Instruments() []Instrument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.registry.List()
	out := make([]Instrument, len(list))
	for i, inst := range list {
		out[i] = Instrument{Symbol: inst.Symbol, Price: inst.Price}
	}
	return out
}

func (e *Environment) PendingCount() int {
	return e.pending.Len()
}

// Reset clears the tick counter, the trade log and every book. Accounts,
// last prices and orders still pending are kept.
func (e *Environment) Reset() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.time = 0
	e.tradeLog = nil
	for _, inst := range e.registry.List() {
		inst.Book.Clear()
	}
	e.logger.Infow("environment_reset")
	return e.stateLocked("")
}

// ResetAccounts returns every account to starting cash with no holdings.
func (e *Environment) ResetAccounts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts.reset()
	e.logger.Infow("accounts_reset", "accounts", len(e.accounts.accounts))
}

// StateHash returns the digest of the current state.
func (e *Environment) StateHash() common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.digestLocked()
}
