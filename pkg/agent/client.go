package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/marketsim/pkg/api"
	"github.com/uhyunpark/marketsim/pkg/market"
)

const defaultTimeout = 5 * time.Second

// RejectedError is an ERROR response from the server. The connection stays
// usable after one.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Message)
}

// IsRejected reports whether err is a server-side rejection rather than a
// transport failure.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Client speaks the /ws request/response protocol. Calls are serialized so
// responses pair with their requests.
type Client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	agentID string
	timeout time.Duration
}

// Dial connects to a /ws endpoint. Every request carries agentID; an empty
// agentID lets the server use the connection address.
func Dial(ctx context.Context, url, agentID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn, agentID: agentID, timeout: defaultTimeout}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// PlaceOrder submits an order; it executes on the server's next tick.
func (c *Client) PlaceOrder(ctx context.Context, o market.OrderRequest) error {
	price := o.Price
	volume := o.Volume
	req := api.Request{
		Type:      api.TypePlaceOrder,
		Symbol:    o.Symbol,
		Price:     &price,
		Volume:    &volume,
		Side:      o.Side.String(),
		OrderType: o.Kind.String(),
	}
	var ack api.AckResponse
	return c.call(ctx, req, &ack)
}

// GetState returns the market state including this agent's account.
func (c *Client) GetState(ctx context.Context) (market.State, error) {
	var resp api.StateResponse
	if err := c.call(ctx, api.Request{Type: api.TypeGetState}, &resp); err != nil {
		return market.State{}, err
	}
	return resp.State, nil
}

func (c *Client) GetBook(ctx context.Context, symbol string) (api.BookResponse, error) {
	var resp api.BookResponse
	err := c.call(ctx, api.Request{Type: api.TypeGetBook, Symbol: symbol}, &resp)
	return resp, err
}

func (c *Client) GetTime(ctx context.Context) (int64, error) {
	var resp api.TimeResponse
	if err := c.call(ctx, api.Request{Type: api.TypeGetTime}, &resp); err != nil {
		return 0, err
	}
	return resp.Time, nil
}

func (c *Client) call(ctx context.Context, req api.Request, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.AgentID = c.agentID

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	c.conn.SetReadDeadline(deadline)
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.Type, err)
	}

	var env struct {
		Type  string `json:"type"`
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	if env.Type == api.TypeError {
		return &RejectedError{Code: env.Code, Message: env.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Type, err)
	}
	return nil
}
