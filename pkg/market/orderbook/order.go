package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidOrderKind = errors.New("invalid order kind")
	ErrInvalidSide      = errors.New("invalid order side")
)

// Side is the direction of an order. The zero value is not a valid side.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", int8(s))
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side { return -s }

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, int8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Kind is the order type. The zero value is not a valid kind.
type Kind int8

const (
	Limit Kind = iota + 1
	Market
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return fmt.Sprintf("kind(%d)", int8(k))
	}
}

func (k Kind) Valid() bool { return k == Limit || k == Market }

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrderKind, int8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts "limit" or "market" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderKind, s)
	}
}

// Order is a single order. Quantity is the remaining amount and shrinks in
// place as the order is filled.
type Order struct {
	ID            string    `json:"order_id"`
	ParticipantID string    `json:"agent_id"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      int64     `json:"quantity"`
	Kind          Kind      `json:"order_type"`
	Timestamp     time.Time `json:"timestamp"`

	// seq breaks price ties: lower seq was submitted earlier.
	seq uint64
}

// Trade is an execution between a buy and a sell order. Trades are never
// modified after the matching engine creates them.
type Trade struct {
	Price         float64 `json:"price"`
	Volume        int64   `json:"volume"`
	Symbol        string  `json:"symbol"`
	Buyer         string  `json:"buyer"`
	Seller        string  `json:"seller"`
	BuyerOrderID  string  `json:"buyer_order"`
	SellerOrderID string  `json:"seller_order"`
	Tick          int64   `json:"time"`
}

// Value is the cash that changes hands: price × volume.
func (t Trade) Value() float64 { return t.Price * float64(t.Volume) }

// MarketResult summarises the fills of a single order.
type MarketResult struct {
	Trades   []Trade `json:"trades"`
	Filled   int64   `json:"filled"`
	Unfilled int64   `json:"unfilled"`
	// AvgPrice is the volume-weighted trade price; zero when nothing filled.
	AvgPrice float64 `json:"avg_price"`
}

// Summarize derives fill statistics for an order of the requested quantity
// from the trades it produced.
func Summarize(requested int64, trades []Trade) MarketResult {
	res := MarketResult{Trades: trades}
	var cost float64
	for _, t := range trades {
		res.Filled += t.Volume
		cost += t.Value()
	}
	res.Unfilled = requested - res.Filled
	if res.Unfilled < 0 {
		res.Unfilled = 0
	}
	if res.Filled > 0 {
		res.AvgPrice = cost / float64(res.Filled)
	}
	return res
}
