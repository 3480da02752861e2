package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
	"github.com/uhyunpark/marketsim/pkg/storage"
)

func newTestServer(t *testing.T, opts Options) (*Server, *market.Environment, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	srv := NewServer(env, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, env, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestRESTOrderFlow(t *testing.T) {
	_, env, ts := newTestServer(t, Options{})

	var ack AckResponse
	status := postJSON(t, ts.URL+"/api/v1/orders", `{"symbol":"AAPL","price":101,"volume":5,"side":"buy","agent_id":"A"}`, &ack)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "queued", ack.Status)
	status = postJSON(t, ts.URL+"/api/v1/orders", `{"symbol":"AAPL","price":100,"volume":5,"side":"sell","agent_id":"B"}`, nil)
	assert.Equal(t, http.StatusAccepted, status)

	env.Tick()

	var trades []orderbook.Trade
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/markets/AAPL/trades?limit=10", &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "A", trades[0].Buyer)
	assert.Equal(t, 100.0, trades[0].Price)

	var acc market.AccountView
	getJSON(t, ts.URL+"/api/v1/accounts/A", &acc)
	assert.Equal(t, int64(5), acc.Holdings["AAPL"])
	assert.Equal(t, market.DefaultStartingCash-500, acc.Cash)

	var markets []MarketInfo
	getJSON(t, ts.URL+"/api/v1/markets", &markets)
	require.Len(t, markets, 2)
	assert.Equal(t, MarketInfo{Symbol: "AAPL", Price: 100}, markets[0])

	var tm TimeResponse
	getJSON(t, ts.URL+"/api/v1/time", &tm)
	assert.Equal(t, int64(1), tm.Time)

	var st market.State
	getJSON(t, ts.URL+"/api/v1/state?participant=B", &st)
	require.NotNil(t, st.Account)
	assert.Equal(t, int64(-5), st.Account.Holdings["AAPL"])
}

func TestRESTErrors(t *testing.T) {
	_, _, ts := newTestServer(t, Options{})

	var er ErrorResponse
	status := postJSON(t, ts.URL+"/api/v1/orders", `{"symbol":"MSFT","price":1,"volume":1,"side":"buy"}`, &er)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeUnknownInstrument, er.Code)

	status = postJSON(t, ts.URL+"/api/v1/orders", `not json`, &er)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeMalformedRequest, er.Code)

	status = getJSON(t, ts.URL+"/api/v1/markets/MSFT/orderbook", &er)
	assert.Equal(t, http.StatusNotFound, status)

	status = getJSON(t, ts.URL+"/api/v1/markets/AAPL/trades?limit=x", &er)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRESTOrderbook(t *testing.T) {
	_, env, ts := newTestServer(t, Options{})
	require.NoError(t, env.SubmitOrder(market.OrderRequest{Symbol: "GOOG", Price: 149, Volume: 2, Side: orderbook.Buy, Kind: orderbook.Limit, ParticipantID: "A"}))
	env.Tick()

	var snap market.BookSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/markets/GOOG/orderbook", &snap))
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, orderbook.Buy, snap.Bids[0].Side)
	assert.Equal(t, orderbook.Limit, snap.Bids[0].Kind)
}

func TestRESTReset(t *testing.T) {
	archive, err := storage.OpenMemArchive()
	require.NoError(t, err)
	defer archive.Close()

	_, env, ts := newTestServer(t, Options{Archive: archive})
	require.NoError(t, env.SubmitOrder(market.OrderRequest{Symbol: "AAPL", Price: 100, Volume: 1, Side: orderbook.Sell, Kind: orderbook.Limit, ParticipantID: "S"}))
	require.NoError(t, env.SubmitOrder(market.OrderRequest{Symbol: "AAPL", Price: 100, Volume: 1, Side: orderbook.Buy, Kind: orderbook.Limit, ParticipantID: "B"}))
	require.NoError(t, archive.Record(env.Tick()))

	var arch ArchiveResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/archive/trades?from=0", &arch))
	assert.Len(t, arch.Trades, 1)
	first := arch.Epoch

	var st market.State
	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/api/v1/admin/reset", "", &st))
	assert.Zero(t, st.Time)
	assert.Equal(t, first+1, archive.Epoch())
	assert.Equal(t, int64(1), env.Account("B").Holdings["AAPL"], "reset keeps accounts")

	getJSON(t, ts.URL+"/api/v1/archive/trades?epoch="+jsonNumber(first)+"&from=0&to=5", &arch)
	assert.Len(t, arch.Trades, 1, "earlier epoch still readable")

	assert.Equal(t, http.StatusOK, postJSON(t, ts.URL+"/api/v1/admin/reset-accounts", "", nil))
	assert.Empty(t, env.Account("B").Holdings)
}

func TestArchiveRouteDisabledWithoutArchive(t *testing.T) {
	_, _, ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/api/v1/archive/trades")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t, Options{})
	var h HealthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &h))
	assert.Equal(t, "ok", h.Status)
	assert.Zero(t, h.FeedClients)
}

func TestCORSPreflight(t *testing.T) {
	_, _, ts := newTestServer(t, Options{CORSOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketSession(t *testing.T) {
	_, env, ts := newTestServer(t, Options{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(req string, out any) {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(out))
	}

	var ack AckResponse
	roundTrip(`{"type":"PLACE_ORDER","symbol":"AAPL","price":101,"volume":5,"side":"buy","agent_id":"A"}`, &ack)
	assert.Equal(t, AckResponse{Type: TypeAck, Status: "queued"}, ack)

	// A malformed message gets an error and the session stays open.
	var er ErrorResponse
	roundTrip(`{{{`, &er)
	assert.Equal(t, CodeMalformedRequest, er.Code)

	roundTrip(`{"type":"NOPE"}`, &er)
	assert.Equal(t, CodeUnknownType, er.Code)

	env.Tick()

	var tm TimeResponse
	roundTrip(`{"type":"GET_TIME"}`, &tm)
	assert.Equal(t, int64(1), tm.Time)

	var st StateResponse
	roundTrip(`{"type":"GET_STATE","agent_id":"A"}`, &st)
	assert.Equal(t, TypeState, st.Type)
	assert.Equal(t, 1, st.State.OrderBooks["AAPL"].Bids)
	require.NotNil(t, st.State.Account)

	var book BookResponse
	roundTrip(`{"type":"GET_BOOK","symbol":"AAPL"}`, &book)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "A", book.Bids[0].ParticipantID)
}

func TestWebSocketSessionsAreIndependent(t *testing.T) {
	_, _, ts := newTestServer(t, Options{})

	a, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	require.NoError(t, err)
	defer b.Close()

	// Dropping one connection leaves the other usable.
	require.NoError(t, a.Close())

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_TIME"}`)))
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	var tm TimeResponse
	require.NoError(t, b.ReadJSON(&tm))
	assert.Equal(t, TypeTime, tm.Type)
}

func TestFeedBroadcastsTicks(t *testing.T) {
	srv, env, ts := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/feed"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelTicks, "trades:AAPL"}}))

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	// Subscription is asynchronous; publish until the first update arrives.
	var first TickUpdate
	deadline := time.After(2 * time.Second)
wait:
	for {
		srv.Hub().PublishTick(env.Tick())
		select {
		case msg := <-msgs:
			require.NoError(t, json.Unmarshal(msg, &first))
			break wait
		case <-deadline:
			t.Fatal("no tick update received")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.Equal(t, "tick", first.Type)
	assert.Contains(t, first.Prices, "AAPL")
	assert.Len(t, first.StateHash, 66)

	require.NoError(t, env.SubmitOrder(market.OrderRequest{Symbol: "AAPL", Price: 100, Volume: 2, Side: orderbook.Sell, Kind: orderbook.Limit, ParticipantID: "S"}))
	require.NoError(t, env.SubmitOrder(market.OrderRequest{Symbol: "AAPL", Price: 100, Volume: 2, Side: orderbook.Buy, Kind: orderbook.Limit, ParticipantID: "B"}))
	srv.Hub().PublishTick(env.Tick())

	// Earlier empty ticks may still be in flight; skip to the trade.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			require.True(t, ok, "feed closed")
			var trade TradeUpdate
			require.NoError(t, json.Unmarshal(msg, &trade))
			if trade.Type != "trade" {
				continue
			}
			assert.Equal(t, "B", trade.Trade.Buyer)
			assert.Equal(t, "S", trade.Trade.Seller)
			assert.Equal(t, int64(2), trade.Trade.Volume)
			return
		case <-timeout:
			t.Fatal("no trade update received")
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestFeedAcceptsClientsWithoutHubRun(t *testing.T) {
	srv, _, ts := newTestServer(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/feed"), nil)
		if err == nil {
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(time.Second))
			conn.ReadMessage()
		}
	}()

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	var h HealthResponse
	getJSON(t, ts.URL+"/health", &h)
	assert.Equal(t, 1, h.FeedClients)
	<-done
}

func TestHubRunDisconnectsClientsAndCanRestart(t *testing.T) {
	srv, _, ts := newTestServer(t, Options{})
	hub := srv.Hub()

	for round := 0; round < 2; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			hub.Run(ctx)
		}()

		var conn *websocket.Conn
		require.Eventually(t, func() bool {
			c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/feed"), nil)
			if err != nil {
				return false
			}
			time.Sleep(20 * time.Millisecond)
			if hub.ClientCount() == 1 {
				conn = c
				return true
			}
			c.Close()
			return false
		}, 2*time.Second, 10*time.Millisecond, "round %d", round)

		cancel()
		<-stopped
		assert.Zero(t, hub.ClientCount())

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "hub shutdown closes the connection")
		conn.Close()
	}
}

func TestServeCanRunTwice(t *testing.T) {
	srv := NewServer(newTestEnv(t), Options{})

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- srv.Run(ctx, "127.0.0.1:0") }()
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
