package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/marketsim/pkg/api"
	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
)

func testState() market.State {
	return market.State{
		Instruments: []string{"AAPL", "GOOG"},
		Prices:      map[string]float64{"AAPL": 100, "GOOG": 150},
	}
}

func TestRandomStrategyStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewRandomStrategy(rapid.Int64Min(1).Draw(t, "seed"))
		st := testState()

		o := s.Decide(st)
		require.NotNil(t, o)
		last, ok := st.Prices[o.Symbol]
		require.True(t, ok, "unknown symbol %s", o.Symbol)
		assert.True(t, o.Side.Valid())
		assert.True(t, o.Kind.Valid())
		assert.GreaterOrEqual(t, o.Volume, int64(1))
		assert.LessOrEqual(t, o.Volume, int64(maxRandomVolume))
		assert.InDelta(t, last, o.Price, last*priceBand+0.01)
	})
}

func TestRandomStrategyIsSeeded(t *testing.T) {
	a, b := NewRandomStrategy(7), NewRandomStrategy(7)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Decide(testState()), b.Decide(testState()))
	}
	assert.Nil(t, a.Decide(market.State{}))
}

type fakeExchange struct {
	state  market.State
	orders []market.OrderRequest
	reject error
	fail   error
}

func (f *fakeExchange) GetState(context.Context) (market.State, error) {
	if f.fail != nil {
		return market.State{}, f.fail
	}
	return f.state, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, o market.OrderRequest) error {
	if f.reject != nil {
		return f.reject
	}
	f.orders = append(f.orders, o)
	return nil
}

func TestRunnerPlacesOneOrderPerStep(t *testing.T) {
	ex := &fakeExchange{state: testState()}
	r := &Runner{Exchange: ex, Strategy: NewRandomStrategy(1), Steps: 4}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Steps: 4, Orders: 4}, stats)
	assert.Len(t, ex.orders, 4)
}

func TestRunnerSkipsRejections(t *testing.T) {
	ex := &fakeExchange{state: testState(), reject: &RejectedError{Code: api.CodeQueueFull}}
	r := &Runner{Exchange: ex, Strategy: NewRandomStrategy(1), Steps: 3}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Rejected)
	assert.Zero(t, stats.Orders)
}

func TestRunnerStopsOnTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := &Runner{Exchange: &fakeExchange{fail: boom}, Strategy: NewRandomStrategy(1), Steps: 3}

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunnerHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hold := StrategyFunc(func(market.State) *market.OrderRequest {
		cancel()
		return nil
	})
	r := &Runner{Exchange: &fakeExchange{state: testState()}, Strategy: hold, Steps: 10, Delay: time.Hour}

	stats, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Steps)
}

func newMarketServer(t *testing.T, opts ...market.Option) (*market.Environment, string) {
	t.Helper()
	env, err := market.NewEnvironment([]*market.Instrument{
		market.NewInstrument("AAPL", 100),
		market.NewInstrument("GOOG", 150),
	}, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(api.NewServer(env, api.Options{}).Handler())
	t.Cleanup(ts.Close)
	return env, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestClientRoundTrip(t *testing.T) {
	env, url := newMarketServer(t)
	ctx := context.Background()

	buyer, err := Dial(ctx, url, "A")
	require.NoError(t, err)
	defer buyer.Close()
	seller, err := Dial(ctx, url, "B")
	require.NoError(t, err)
	defer seller.Close()

	require.NoError(t, buyer.PlaceOrder(ctx, market.OrderRequest{Symbol: "AAPL", Price: 101, Volume: 5, Side: orderbook.Buy, Kind: orderbook.Limit}))
	require.NoError(t, seller.PlaceOrder(ctx, market.OrderRequest{Symbol: "AAPL", Price: 100, Volume: 5, Side: orderbook.Sell, Kind: orderbook.Limit}))
	env.Tick()

	tm, err := buyer.GetTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tm)

	st, err := buyer.GetState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Account)
	assert.Equal(t, "A", st.Account.ParticipantID)
	assert.Equal(t, int64(5), st.Account.Holdings["AAPL"])
	assert.Equal(t, 100.0, st.Prices["AAPL"])

	book, err := seller.GetBook(ctx, "AAPL")
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)
}

func TestClientRejection(t *testing.T) {
	_, url := newMarketServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, url, "A")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetBook(ctx, "MSFT")
	require.Error(t, err)
	require.True(t, IsRejected(err))
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, api.CodeUnknownInstrument, re.Code)

	// The connection survives a rejection.
	_, err = c.GetTime(ctx)
	assert.NoError(t, err)
}

func TestRunnerAgainstServer(t *testing.T) {
	env, url := newMarketServer(t, market.WithMaxPending(1))
	ctx := context.Background()

	c, err := Dial(ctx, url, "bot")
	require.NoError(t, err)
	defer c.Close()

	r := &Runner{Exchange: c, Strategy: NewRandomStrategy(3), Steps: 3}
	stats, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orders)
	assert.Equal(t, 2, stats.Rejected, "queue holds one order until the next tick")
	require.NotNil(t, stats.Account)
	assert.Equal(t, "bot", stats.Account.ParticipantID)
	assert.Equal(t, 1, env.PendingCount())
}
