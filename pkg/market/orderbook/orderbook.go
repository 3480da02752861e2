package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/uhyunpark/marketsim/pkg/util"
)

// OrderBook holds the resting orders of one instrument and matches incoming
// orders against them by price-time priority.
//
// An OrderBook is not safe for concurrent use; the Environment that owns it
// serializes every call.
type OrderBook struct {
	symbol string

	// Heap-based best order tracking (O(1) peek)
	bids *BidHeap
	asks *AskHeap

	// trades produced since the last DrainTrades
	trades []Trade

	seq   uint64
	clock util.Clock
	newID func() string
}

type Option func(*OrderBook)

// WithClock sets the clock used to timestamp new orders.
func WithClock(c util.Clock) Option {
	return func(ob *OrderBook) { ob.clock = c }
}

// WithIDGenerator replaces the uuid order id generator.
func WithIDGenerator(gen func() string) Option {
	return func(ob *OrderBook) { ob.newID = gen }
}

func NewOrderBook(symbol string, opts ...Option) *OrderBook {
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	bids := &BidHeap{}
	asks := &AskHeap{}
	heap.Init(bids)
	heap.Init(asks)

	ob := &OrderBook{
		symbol: symbol,
		bids:   bids,
		asks:   asks,
		clock:  util.RealClock{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

// PlaceOrder creates an order and runs it against the book.
//
// A limit order matches against the opposite side and rests whatever is left.
// A market order matches against the opposite side and its remainder is
// discarded. The returned trades are in execution order.
func (ob *OrderBook) PlaceOrder(price float64, quantity int64, side Side, kind Kind, participantID string) ([]Trade, error) {
	switch kind {
	case Limit:
		o, err := ob.newOrder(price, quantity, side, kind, participantID)
		if err != nil {
			return nil, err
		}
		return ob.placeLimit(o), nil
	case Market:
		res, err := ob.ExecuteMarket(quantity, side, participantID)
		if err != nil {
			return nil, err
		}
		return res.Trades, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrderKind, kind)
	}
}

// ExecuteMarket runs a market order and reports how much of it filled.
// The order never rests.
func (ob *OrderBook) ExecuteMarket(quantity int64, side Side, participantID string) (MarketResult, error) {
	o, err := ob.newOrder(0, quantity, side, Market, participantID)
	if err != nil {
		return MarketResult{}, err
	}
	trades := ob.match(o)
	return Summarize(quantity, trades), nil
}

func (ob *OrderBook) newOrder(price float64, quantity int64, side Side, kind Kind, participantID string) (*Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSide, side)
	}
	ob.seq++
	return &Order{
		ID:            ob.newID(),
		ParticipantID: participantID,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		Kind:          kind,
		Timestamp:     ob.clock.Now(),
		seq:           ob.seq,
	}, nil
}

func (ob *OrderBook) placeLimit(o *Order) []Trade {
	trades := ob.match(o)
	if o.Quantity > 0 {
		heap.Push(ob.side(o.Side), o)
	}
	return trades
}

func (ob *OrderBook) side(s Side) bookSide {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

// match runs the incoming order against the opposite side until it is
// filled, the opposite side is exhausted, or (limit orders only) prices no
// longer cross. Resting orders of the same participant are skipped and put
// back afterwards with their original priority.
func (ob *OrderBook) match(in *Order) []Trade {
	opposite := ob.side(in.Side.Opposite())

	var trades []Trade
	var skipped []*Order

	for in.Quantity > 0 && opposite.Len() > 0 {
		best := opposite.Peek()

		if in.ParticipantID != "" && best.ParticipantID == in.ParticipantID {
			skipped = append(skipped, heap.Pop(opposite).(*Order))
			continue
		}

		if in.Kind == Limit && !crosses(in, best) {
			break
		}

		// Limit orders trade at the aggressor's price, market orders at the
		// resting order's price.
		price := in.Price
		if in.Kind == Market {
			price = best.Price
		}

		vol := min(in.Quantity, best.Quantity)
		trades = append(trades, ob.newTrade(in, best, price, vol))

		in.Quantity -= vol
		best.Quantity -= vol
		if best.Quantity == 0 {
			heap.Pop(opposite)
		}
	}

	for _, o := range skipped {
		heap.Push(opposite, o)
	}

	ob.trades = append(ob.trades, trades...)
	return trades
}

func crosses(in, resting *Order) bool {
	if in.Side == Buy {
		return in.Price >= resting.Price
	}
	return in.Price <= resting.Price
}

func (ob *OrderBook) newTrade(in, resting *Order, price float64, vol int64) Trade {
	t := Trade{
		Price:  price,
		Volume: vol,
		Symbol: ob.symbol,
	}
	if in.Side == Buy {
		t.Buyer, t.BuyerOrderID = in.ParticipantID, in.ID
		t.Seller, t.SellerOrderID = resting.ParticipantID, resting.ID
	} else {
		t.Buyer, t.BuyerOrderID = resting.ParticipantID, resting.ID
		t.Seller, t.SellerOrderID = in.ParticipantID, in.ID
	}
	return t
}

// BestBid returns the highest-priority resting buy order.
func (ob *OrderBook) BestBid() (Order, bool) {
	if o := ob.bids.Peek(); o != nil {
		return *o, true
	}
	return Order{}, false
}

// BestAsk returns the highest-priority resting sell order.
func (ob *OrderBook) BestAsk() (Order, bool) {
	if o := ob.asks.Peek(); o != nil {
		return *o, true
	}
	return Order{}, false
}

// Spread is best ask minus best bid. ok is false if either side is empty.
func (ob *OrderBook) Spread() (spread float64, ok bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Bids returns copies of the resting buy orders, best first.
func (ob *OrderBook) Bids() []Order {
	return sortedCopy(*ob.bids, ob.bids.Less)
}

// Asks returns copies of the resting sell orders, best first.
func (ob *OrderBook) Asks() []Order {
	return sortedCopy(*ob.asks, ob.asks.Less)
}

func sortedCopy(orders []*Order, less func(i, j int) bool) []Order {
	idx := make([]int, len(orders))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return less(idx[a], idx[b]) })

	out := make([]Order, len(orders))
	for i, j := range idx {
		out[i] = *orders[j]
	}
	return out
}

// Depth returns the number of resting orders on each side.
func (ob *OrderBook) Depth() (bids, asks int) {
	return ob.bids.Len(), ob.asks.Len()
}

// DrainTrades returns the trades produced since the previous call and empties
// the buffer.
func (ob *OrderBook) DrainTrades() []Trade {
	out := ob.trades
	ob.trades = nil
	return out
}

// Clear removes every resting order and buffered trade.
func (ob *OrderBook) Clear() {
	*ob.bids = BidHeap{}
	*ob.asks = AskHeap{}
	ob.trades = nil
}

func (ob *OrderBook) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== ORDER BOOK (%s) ===\n", ob.symbol)
	writeSide(&b, "BID", ob.Bids())
	b.WriteString("---\n")
	writeSide(&b, "ASK", ob.Asks())
	if spread, ok := ob.Spread(); ok {
		fmt.Fprintf(&b, "Spread: %.2f\n", spread)
	} else {
		b.WriteString("Spread: N/A\n")
	}
	return b.String()
}

func writeSide(b *strings.Builder, label string, orders []Order) {
	if len(orders) == 0 {
		b.WriteString("  (empty)\n")
		return
	}
	for _, o := range orders {
		fmt.Fprintf(b, "  %-5s | %8.2f | %5d | %s\n", label, o.Price, o.Quantity, o.ParticipantID)
	}
}
