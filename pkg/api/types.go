package api

import (
	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// Request message types accepted on /ws
const (
	TypePlaceOrder = "PLACE_ORDER"
	TypeGetState   = "GET_STATE"
	TypeGetBook    = "GET_BOOK"
	TypeGetTime    = "GET_TIME"
)

// Response message types
const (
	TypeAck   = "ACK"
	TypeState = "STATE"
	TypeBook  = "BOOK"
	TypeTime  = "TIME"
	TypeError = "ERROR"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeMalformedRequest  = "malformed_request"
	CodeInvalidOrderKind  = "invalid_order_kind"
	CodeInvalidSide       = "invalid_side"
	CodeUnknownInstrument = "unknown_instrument"
	CodeInvalidVolume     = "invalid_volume"
	CodeQueueFull         = "queue_full"
	CodeUnknownType       = "unknown_type"
	CodeNotFound          = "not_found"
)

// ==============================
// Request/response protocol (/ws and POST /orders)
// ==============================

// Request is one message from a participant. Pointer fields are required
// for some message types and are nil when absent.
type Request struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Volume    *int64   `json:"volume,omitempty"`
	Side      string   `json:"side,omitempty"`
	OrderType string   `json:"order_type,omitempty"` // "limit" (default) or "market"
	AgentID   string   `json:"agent_id,omitempty"`
}

// AckResponse confirms an order was queued for the next tick.
type AckResponse struct {
	Type   string `json:"type"`   // "ACK"
	Status string `json:"status"` // "queued"
}

type StateResponse struct {
	Type  string       `json:"type"` // "STATE"
	State market.State `json:"state"`
}

type BookResponse struct {
	Type   string            `json:"type"` // "BOOK"
	Symbol string            `json:"symbol"`
	Bids   []orderbook.Order `json:"bids"` // best first
	Asks   []orderbook.Order `json:"asks"` // best first
}

type TimeResponse struct {
	Type string `json:"type"` // "TIME"
	Time int64  `json:"time"`
}

// ErrorResponse is returned for all errors, on /ws and REST alike.
type ErrorResponse struct {
	Type  string `json:"type,omitempty"` // "ERROR" on /ws
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ==============================
// REST Response Types
// ==============================

// MarketInfo is one instrument with its last price and book depth.
type MarketInfo struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Bids   int     `json:"bids"`
	Asks   int     `json:"asks"`
}

// ArchiveResponse is a window of archived trades.
type ArchiveResponse struct {
	Epoch  uint64            `json:"epoch"`
	From   int64             `json:"from"`
	To     int64             `json:"to"`
	Trades []orderbook.Trade `json:"trades"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Time        int64  `json:"time"`
	Pending     int    `json:"pending"`
	Sessions    int64  `json:"sessions"`
	FeedClients int    `json:"feed_clients"`
}

// ==============================
// Feed Message Types (/feed)
// ==============================

// Feed channels
const (
	ChannelTicks        = "ticks"
	ChannelTradesPrefix = "trades:"
)

// WSSubscribeRequest is sent by feed clients to manage subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["ticks", "trades:AAPL"]
}

// TickUpdate is broadcast on the ticks channel after every tick
type TickUpdate struct {
	Type      string             `json:"type"` // "tick"
	Tick      int64              `json:"tick"`
	Trades    int                `json:"trades"`
	Prices    map[string]float64 `json:"prices"`
	StateHash string             `json:"state_hash"`
}

// TradeUpdate is broadcast on trades:<SYMBOL> for every trade
type TradeUpdate struct {
	Type  string          `json:"type"` // "trade"
	Trade orderbook.Trade `json:"trade"`
}
