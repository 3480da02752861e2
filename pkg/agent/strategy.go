package agent

import (
	"math"
	"math/rand"
	"time"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

// Strategy decides what, if anything, to trade given the current market
// state. A nil result means no order this step.
type Strategy interface {
	Decide(state market.State) *market.OrderRequest
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(market.State) *market.OrderRequest

func (f StrategyFunc) Decide(s market.State) *market.OrderRequest { return f(s) }

const (
	maxRandomVolume = 5
	// Limit prices are drawn within ±priceBand of the last price.
	priceBand = 0.005
)

// RandomStrategy buys or sells a random instrument every step.
type RandomStrategy struct {
	rng *rand.Rand
}

// NewRandomStrategy creates a strategy seeded with seed, or from the clock
// when seed is 0.
func NewRandomStrategy(seed int64) *RandomStrategy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomStrategy{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomStrategy) Decide(state market.State) *market.OrderRequest {
	if len(state.Instruments) == 0 {
		return nil
	}
	symbol := state.Instruments[s.rng.Intn(len(state.Instruments))]

	side := orderbook.Buy
	if s.rng.Intn(2) == 1 {
		side = orderbook.Sell
	}
	kind := orderbook.Limit
	if s.rng.Intn(2) == 1 {
		kind = orderbook.Market
	}

	last := state.Prices[symbol]
	price := last * (1 - priceBand + s.rng.Float64()*2*priceBand)
	price = math.Round(price*100) / 100

	return &market.OrderRequest{
		Symbol: symbol,
		Price:  price,
		Volume: int64(s.rng.Intn(maxRandomVolume) + 1),
		Side:   side,
		Kind:   kind,
	}
}
