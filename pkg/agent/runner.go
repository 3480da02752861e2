package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/util"
)

// Exchange is the part of Client a Runner needs.
type Exchange interface {
	GetState(ctx context.Context) (market.State, error)
	PlaceOrder(ctx context.Context, o market.OrderRequest) error
}

// Runner drives a Strategy against an Exchange: each step fetches the
// state, asks the strategy for a decision and submits it.
type Runner struct {
	Exchange Exchange
	Strategy Strategy
	Steps    int
	Delay    time.Duration
	Clock    util.Clock
	Logger   *zap.SugaredLogger

	lastCash *float64
}

// Stats summarizes a run.
type Stats struct {
	Steps    int
	Orders   int
	Rejected int
	Account  *market.AccountView
}

// Run executes Steps steps, sleeping Delay between them. Rejected orders
// are logged and skipped; a transport error ends the run.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	if r.Clock == nil {
		r.Clock = util.RealClock{}
	}
	if r.Logger == nil {
		r.Logger = util.NopSugar()
	}

	var stats Stats
	for step := 0; step < r.Steps; step++ {
		state, err := r.Exchange.GetState(ctx)
		if err != nil {
			return stats, err
		}
		stats.Steps++
		if state.Account != nil {
			stats.Account = state.Account
			r.trackCash(state.Account)
		}
		r.Logger.Debugw("agent_step", "step", step, "time", state.Time, "prices", state.Prices)

		if order := r.Strategy.Decide(state); order != nil {
			switch err := r.Exchange.PlaceOrder(ctx, *order); {
			case err == nil:
				stats.Orders++
				r.Logger.Debugw("agent_order_sent",
					"symbol", order.Symbol,
					"side", order.Side.String(),
					"kind", order.Kind.String(),
					"price", order.Price,
					"volume", order.Volume)
			case IsRejected(err):
				stats.Rejected++
				r.Logger.Warnw("agent_order_rejected", "symbol", order.Symbol, "err", err)
			default:
				return stats, err
			}
		}

		if step == r.Steps-1 || r.Delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-r.Clock.After(r.Delay):
		}
	}
	return stats, nil
}

func (r *Runner) trackCash(acc *market.AccountView) {
	if r.lastCash != nil && *r.lastCash != acc.Cash {
		r.Logger.Infow("agent_cash_changed",
			"delta", acc.Cash-*r.lastCash,
			"cash", acc.Cash,
			"portfolio", acc.Holdings)
	}
	cash := acc.Cash
	r.lastCash = &cash
}
