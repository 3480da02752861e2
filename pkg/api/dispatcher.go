package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
	"github.com/uhyunpark/marketsim/pkg/util"
)

var errMalformed = errors.New("malformed request")

// Dispatcher turns protocol requests into Environment calls. It is shared by
// every session and is safe for concurrent use.
type Dispatcher struct {
	env    *market.Environment
	logger *zap.SugaredLogger
}

func NewDispatcher(env *market.Environment, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = util.NopSugar()
	}
	return &Dispatcher{env: env, logger: logger}
}

// HandleRaw decodes one message and dispatches it. Decode failures produce a
// malformed_request error response.
func (d *Dispatcher) HandleRaw(raw []byte, sessionID string) any {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newError(fmt.Errorf("%w: %v", errMalformed, err))
	}
	return d.Handle(req, sessionID)
}

// Handle dispatches one request. sessionID is the participant id used when
// the request does not name one. Accounts are created only by an accepted
// order or a state query; a rejected request changes nothing.
func (d *Dispatcher) Handle(req Request, sessionID string) any {
	participant := req.AgentID
	if participant == "" {
		participant = sessionID
	}

	switch req.Type {
	case TypePlaceOrder:
		if err := d.PlaceOrder(req, participant); err != nil {
			return newError(err)
		}
		return AckResponse{Type: TypeAck, Status: "queued"}

	case TypeGetState:
		return StateResponse{Type: TypeState, State: d.env.State(participant)}

	case TypeGetBook:
		if req.Symbol == "" {
			return newError(fmt.Errorf("%w: missing symbol", errMalformed))
		}
		snap, err := d.env.Book(req.Symbol)
		if err != nil {
			return newError(err)
		}
		return BookResponse{Type: TypeBook, Symbol: snap.Symbol, Bids: snap.Bids, Asks: snap.Asks}

	case TypeGetTime:
		return TimeResponse{Type: TypeTime, Time: d.env.Time()}

	default:
		return ErrorResponse{
			Type:  TypeError,
			Code:  CodeUnknownType,
			Error: fmt.Sprintf("unknown message type: %s", req.Type),
		}
	}
}

// PlaceOrder validates a PLACE_ORDER request and queues it.
func (d *Dispatcher) PlaceOrder(req Request, participant string) error {
	order, err := toOrderRequest(req, participant)
	if err != nil {
		return err
	}
	if err := d.env.SubmitOrder(order); err != nil {
		d.logger.Debugw("order_rejected", "participant", participant, "symbol", req.Symbol, "err", err)
		return err
	}
	return nil
}

func toOrderRequest(req Request, participant string) (market.OrderRequest, error) {
	if req.Symbol == "" {
		return market.OrderRequest{}, fmt.Errorf("%w: missing symbol", errMalformed)
	}
	if req.Volume == nil {
		return market.OrderRequest{}, fmt.Errorf("%w: missing volume", errMalformed)
	}
	if req.Side == "" {
		return market.OrderRequest{}, fmt.Errorf("%w: missing side", errMalformed)
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return market.OrderRequest{}, err
	}
	kind := orderbook.Limit
	if req.OrderType != "" {
		if kind, err = orderbook.ParseKind(req.OrderType); err != nil {
			return market.OrderRequest{}, err
		}
	}

	var price float64
	if req.Price != nil {
		price = *req.Price
	} else if kind == orderbook.Limit {
		return market.OrderRequest{}, fmt.Errorf("%w: missing price", errMalformed)
	}

	return market.OrderRequest{
		Symbol:        req.Symbol,
		Price:         price,
		Volume:        *req.Volume,
		Side:          side,
		Kind:          kind,
		ParticipantID: participant,
	}, nil
}

func newError(err error) ErrorResponse {
	return ErrorResponse{Type: TypeError, Code: errorCode(err), Error: err.Error()}
}

// errorCode classifies an error into a response code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrderKind):
		return CodeInvalidOrderKind
	case errors.Is(err, orderbook.ErrInvalidSide):
		return CodeInvalidSide
	case errors.Is(err, market.ErrUnknownInstrument):
		return CodeUnknownInstrument
	case errors.Is(err, market.ErrInvalidVolume):
		return CodeInvalidVolume
	case errors.Is(err, market.ErrQueueFull):
		return CodeQueueFull
	default:
		return CodeMalformedRequest
	}
}

// httpStatus maps a response code to the REST status code.
func httpStatus(code string) int {
	switch code {
	case CodeUnknownInstrument, CodeNotFound:
		return http.StatusNotFound
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
