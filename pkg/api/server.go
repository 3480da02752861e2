package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/market/orderbook"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

const (
	defaultTradesLimit = 100
	shutdownTimeout    = 5 * time.Second
)

// Options configures a Server. Zero values are usable.
type Options struct {
	// Archive, when set, enables GET /api/v1/archive/trades and is rotated on
	// every market reset.
	Archive *storage.TradeArchive
	Logger  *zap.SugaredLogger
	// CORSOrigins defaults to allowing every origin.
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	env        *market.Environment
	dispatcher *Dispatcher
	router     *mux.Router
	hub        *Hub
	archive    *storage.TradeArchive
	logger     *zap.SugaredLogger
	handler    http.Handler

	sessions atomic.Int64
}

func NewServer(env *market.Environment, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = util.NopSugar()
	}

	s := &Server{
		env:        env,
		dispatcher: NewDispatcher(env, logger),
		router:     mux.NewRouter(),
		hub:        NewHub(logger),
		archive:    opts.Archive,
		logger:     logger,
	}
	s.setupRoutes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Participant endpoints
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/time", s.handleGetTime).Methods("GET")

	// Order submission
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	// Administration
	api.HandleFunc("/admin/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/admin/reset-accounts", s.handleResetAccounts).Methods("POST")

	if s.archive != nil {
		api.HandleFunc("/archive/trades", s.handleGetArchive).Methods("GET")
	}

	// WebSocket endpoints
	s.router.HandleFunc("/ws", s.serveSession)
	s.router.HandleFunc("/feed", s.hub.serveFeed)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the feed hub; register Hub().PublishTick as a tick listener.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Infow("api_server_stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	st := s.env.State("")

	response := make([]MarketInfo, len(st.Instruments))
	for i, sym := range st.Instruments {
		depth := st.OrderBooks[sym]
		response[i] = MarketInfo{
			Symbol: sym,
			Price:  st.Prices[sym],
			Bids:   depth.Bids,
			Asks:   depth.Asks,
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	snap, err := s.env.Book(symbol)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	limit, err := queryInt(r, "limit", defaultTradesLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}

	trades, err := s.env.Trades(symbol, int(limit))
	if err != nil {
		respondErr(w, err)
		return
	}
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	respondJSON(w, s.env.Account(id))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	respondJSON(w, s.env.State(participant))
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, TimeResponse{Type: TypeTime, Time: s.env.Time()})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, "invalid request body: "+err.Error())
		return
	}

	participant := req.AgentID
	if participant == "" {
		participant = r.RemoteAddr
	}
	if err := s.dispatcher.PlaceOrder(req, participant); err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(AckResponse{Type: TypeAck, Status: "queued"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		epoch, err := s.archive.Rotate()
		if err != nil {
			s.logger.Warnw("archive_rotate_failed", "err", err)
		} else {
			s.logger.Infow("archive_rotated", "epoch", epoch)
		}
	}
	respondJSON(w, s.env.Reset())
}

func (s *Server) handleResetAccounts(w http.ResponseWriter, r *http.Request) {
	s.env.ResetAccounts()
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	to, err := queryInt(r, "to", s.env.Time())
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeMalformedRequest, err.Error())
		return
	}
	epoch := s.archive.Epoch()
	if v := r.URL.Query().Get("epoch"); v != "" {
		e, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeMalformedRequest, "invalid epoch: "+v)
			return
		}
		epoch = e
	}

	trades, err := s.archive.Range(epoch, from, to)
	if err != nil {
		s.logger.Warnw("archive_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	respondJSON(w, ArchiveResponse{Epoch: epoch, From: from, To: to, Trades: trades})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:      "ok",
		Time:        s.env.Time(),
		Pending:     s.env.PendingCount(),
		Sessions:    s.sessions.Load(),
		FeedClients: s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// respondErr classifies err and writes the matching status and code.
func respondErr(w http.ResponseWriter, err error) {
	code := errorCode(err)
	respondError(w, httpStatus(code), code, err.Error())
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:  code,
		Error: message,
	})
}
