package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/pkg/app/core/ledger"
	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/app/core/transaction"
	"github.com/uhyunpark/spotdex/pkg/app/exchange"
	"github.com/uhyunpark/spotdex/pkg/custody"
	"github.com/uhyunpark/spotdex/pkg/storage"
)

const (
	maxBodyBytes      = 1 << 20
	defaultTradeLimit = 50
)

type Options struct {
	Verifier        *transaction.Verifier
	TxLog           storage.TxLog  // nil disables the transaction log
	Devnet          *custody.Chain // nil disables /devnet routes
	ExchangeAddress common.Address // custody account of the exchange
	CORSOrigins     []string
	Logger          *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	exchange *exchange.Exchange
	verifier *transaction.Verifier
	txLog    storage.TxLog
	devnet   *custody.Chain
	exchAddr common.Address
	origins  []string
	router   *mux.Router
	hub      *Hub
	logger   *zap.Logger
}

func NewServer(x *exchange.Exchange, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	txLog := opts.TxLog
	if txLog == nil {
		txLog = storage.NopTxLog{}
	}

	s := &Server{
		exchange: x,
		verifier: opts.Verifier,
		txLog:    txLog,
		devnet:   opts.Devnet,
		exchAddr: opts.ExchangeAddress,
		origins:  opts.CORSOrigins,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		logger:   logger,
	}

	s.setupRoutes()
	x.Subscribe(s.broadcast)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Read endpoints
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/assets/{ticker}/custody", s.handleGetCustody).Methods("GET")
	api.HandleFunc("/books/{ticker}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/books/{ticker}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/books/{ticker}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")

	// Signed writes
	api.HandleFunc("/assets", s.handleRegisterAsset).Methods("POST")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders/limit", s.handleLimitOrder).Methods("POST")
	api.HandleFunc("/orders/market", s.handleMarketOrder).Methods("POST")

	if s.devnet != nil {
		api.HandleFunc("/devnet/faucet", s.handleFaucet).Methods("POST")
		api.HandleFunc("/devnet/approve", s.handleApprove).Methods("POST")
		api.HandleFunc("/devnet/tokens", s.handleListTokens).Methods("GET")
		api.HandleFunc("/devnet/tokens/{ticker}/{address}", s.handleGetTokenBalance).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS and request-id middleware
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})
	return withRequestID(s.logger, c.Handler(s.router))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

// ==============================
// Read Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hash := s.exchange.StateHash()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		StateHash: "0x" + hex.EncodeToString(hash[:]),
		WSClients: s.hub.ClientCount(),
	})
}

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.exchange.Assets()
	quote := s.exchange.Quote()

	response := make([]AssetInfo, len(assets))
	for i, a := range assets {
		response[i] = AssetInfo{Ticker: a.Ticker, Ref: a.Ref, Quote: a.Ticker == quote}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetCustody(w http.ResponseWriter, r *http.Request) {
	ticker, ok := tickerVar(w, r)
	if !ok {
		return
	}

	amount, err := s.exchange.CustodyBalance(r.Context(), ticker, s.exchAddr)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CustodyResponse{Ticker: ticker, Holder: s.exchAddr, Amount: amount})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	ticker, ok := tickerVar(w, r)
	if !ok {
		return
	}
	side, err := orderbook.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_side", "side must be buy or sell")
		return
	}

	orders, err := s.exchange.QueryBook(ticker, side)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, BookResponse{Ticker: ticker, Side: side, Orders: orders})
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	ticker, ok := tickerVar(w, r)
	if !ok {
		return
	}

	snapshot, err := s.depthSnapshot(ticker)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) depthSnapshot(ticker registry.Ticker) (OrderbookSnapshot, error) {
	depth, err := s.exchange.Depth(ticker)
	if err != nil {
		return OrderbookSnapshot{}, err
	}
	return OrderbookSnapshot{
		Ticker:    ticker,
		Bids:      depth.Bids,
		Asks:      depth.Asks,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	ticker, ok := tickerVar(w, r)
	if !ok {
		return
	}

	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	trades, err := s.exchange.RecentTrades(ticker, limit)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, BalancesResponse{
		Address:  addr,
		Balances: s.exchange.Balances(addr),
	})
}

// ==============================
// Signed Write Handlers
// ==============================

// authenticate parses the body as a signed request of the wanted type and verifies it
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, want transaction.RequestType) (*transaction.SignedRequest, common.Address, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return nil, common.Address{}, false
	}

	req, err := transaction.ParseRequest(body)
	if errors.Is(err, transaction.ErrOutOfRange) {
		respondError(w, http.StatusBadRequest, "out_of_range", err.Error())
		return nil, common.Address{}, false
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, common.Address{}, false
	}
	if req.Type != want {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("expected type=%s, got %s", want, req.Type))
		return nil, common.Address{}, false
	}
	if s.verifier == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "request signing is not configured")
		return nil, common.Address{}, false
	}

	signer, err := s.verifier.Authenticate(req)
	if err != nil {
		s.respondFailure(w, r, err)
		return nil, common.Address{}, false
	}
	return req, signer, true
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	req, signer, ok := s.authenticate(w, r, transaction.TypeRegisterAsset)
	if !ok {
		return
	}
	p := req.Register

	if err := s.exchange.RegisterAsset(r.Context(), signer, p.Ticker, p.Ref); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logTransaction(r, "REGISTER_ASSET", map[string]interface{}{
		"admin":  signer.Hex(),
		"ticker": p.Ticker.String(),
		"ref":    p.Ref.Hex(),
		"nonce":  p.Nonce,
	})
	respondJSON(w, http.StatusOK, StatusResponse{Status: "registered"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, signer, ok := s.authenticate(w, r, transaction.TypeDeposit)
	if !ok {
		return
	}
	p := req.Deposit

	if err := s.exchange.Deposit(r.Context(), signer, p.Ticker, p.Amount); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logTransaction(r, "DEPOSIT", transferLog(signer, p))
	respondJSON(w, http.StatusOK, StatusResponse{Status: "deposited"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, signer, ok := s.authenticate(w, r, transaction.TypeWithdraw)
	if !ok {
		return
	}
	p := req.Withdraw

	if err := s.exchange.Withdraw(r.Context(), signer, p.Ticker, p.Amount); err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logTransaction(r, "WITHDRAW", transferLog(signer, p))
	respondJSON(w, http.StatusOK, StatusResponse{Status: "withdrawn"})
}

func transferLog(signer common.Address, p *transaction.TransferPayload) map[string]interface{} {
	return map[string]interface{}{
		"trader": signer.Hex(),
		"ticker": p.Ticker.String(),
		"amount": p.Amount,
		"nonce":  p.Nonce,
	}
}

func (s *Server) handleLimitOrder(w http.ResponseWriter, r *http.Request) {
	req, signer, ok := s.authenticate(w, r, transaction.TypeLimitOrder)
	if !ok {
		return
	}
	p := req.Limit

	id, err := s.exchange.PlaceLimitOrder(r.Context(), signer, p.Ticker, p.Price, p.Amount, p.Side)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logTransaction(r, "LIMIT_ORDER", map[string]interface{}{
		"order_id": id,
		"trader":   signer.Hex(),
		"ticker":   p.Ticker.String(),
		"side":     p.Side.String(),
		"price":    p.Price,
		"amount":   p.Amount,
		"nonce":    p.Nonce,
	})
	respondJSON(w, http.StatusOK, LimitOrderResponse{Status: "resting", OrderID: id})
}

func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	req, signer, ok := s.authenticate(w, r, transaction.TypeMarketOrder)
	if !ok {
		return
	}
	p := req.Market

	result, err := s.exchange.PlaceMarketOrder(r.Context(), signer, p.Ticker, p.Amount, p.Side)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	status := "partial"
	switch result.Filled {
	case 0:
		status = "unfilled"
	case result.Requested:
		status = "filled"
	}

	s.logTransaction(r, "MARKET_ORDER", map[string]interface{}{
		"trader":    signer.Hex(),
		"ticker":    p.Ticker.String(),
		"side":      p.Side.String(),
		"requested": result.Requested,
		"filled":    result.Filled,
		"trades":    len(result.Trades),
		"nonce":     p.Nonce,
	})
	respondJSON(w, http.StatusOK, MarketOrderResponse{Status: status, MarketResult: result})
}

// ==============================
// Devnet Handlers
// ==============================

func (s *Server) devnetToken(ticker registry.Ticker) (*custody.Token, error) {
	for _, a := range s.exchange.Assets() {
		if a.Ticker == ticker {
			return s.devnet.Token(a.Ref)
		}
	}
	return nil, fmt.Errorf("%w: %s", registry.ErrUnknownTicker, ticker)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	token, err := s.devnetToken(req.Ticker)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if err := token.Faucet(req.Address, req.Amount); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "faucet_failed", err.Error())
		return
	}

	s.logger.Info("devnet_faucet",
		zap.String("request_id", requestID(r.Context())),
		zap.String("address", req.Address.Hex()),
		zap.Stringer("ticker", req.Ticker),
		zap.Uint64("amount", req.Amount))
	respondJSON(w, http.StatusOK, s.tokenBalance(token, req.Ticker, req.Address))
}

// handleApprove stands in for the wallet's ERC20 approve call on devnet
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	token, err := s.devnetToken(req.Ticker)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	token.Approve(req.Owner, s.exchAddr, req.Amount)
	respondJSON(w, http.StatusOK, s.tokenBalance(token, req.Ticker, req.Owner))
}

// handleListTokens lists every deployed token, including ones not yet registered as assets
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	registered := make(map[common.Address]bool)
	for _, a := range s.exchange.Assets() {
		registered[a.Ref] = true
	}

	tokens := s.devnet.Tokens()
	response := make([]DevnetToken, len(tokens))
	for i, t := range tokens {
		response[i] = DevnetToken{
			Name:        t.Name(),
			Address:     t.Address(),
			TotalSupply: t.TotalSupply(),
			Registered:  registered[t.Address()],
		}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTokenBalance(w http.ResponseWriter, r *http.Request) {
	ticker, ok := tickerVar(w, r)
	if !ok {
		return
	}
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}

	token, err := s.devnetToken(ticker)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.tokenBalance(token, ticker, addr))
}

func (s *Server) tokenBalance(token *custody.Token, ticker registry.Ticker, addr common.Address) TokenBalanceResponse {
	return TokenBalanceResponse{
		Address:   addr,
		Ticker:    ticker,
		Balance:   token.BalanceOf(addr),
		Allowance: token.Allowance(addr, s.exchAddr),
	}
}

// ==============================
// Broadcast
// ==============================

// broadcast pushes committed book changes and trades to websocket subscribers
func (s *Server) broadcast(u exchange.Update) {
	channel := u.Ticker.String()

	for _, t := range u.Trades {
		s.hub.BroadcastToChannel("trades:"+channel, TradeUpdate{Type: "trade", Trade: t})
	}

	snapshot, err := s.depthSnapshot(u.Ticker)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("book:"+channel, BookUpdate{Type: "book", OrderbookSnapshot: snapshot})
}

// ==============================
// Helper Functions
// ==============================

func tickerVar(w http.ResponseWriter, r *http.Request) (registry.Ticker, bool) {
	ticker, err := registry.NewTicker(mux.Vars(r)["ticker"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_ticker", err.Error())
		return registry.Ticker{}, false
	}
	return ticker, true
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid_address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps domain errors to HTTP status codes and stable error codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrUnknownTicker):
		return http.StatusNotFound, "unknown_ticker"
	case errors.Is(err, custody.ErrUnknownToken):
		return http.StatusNotFound, "unknown_token"
	case errors.Is(err, registry.ErrDuplicateTicker):
		return http.StatusConflict, "duplicate_ticker"
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, transaction.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, transaction.ErrReplayedNonce):
		return http.StatusUnauthorized, "replayed_nonce"
	case errors.Is(err, exchange.ErrCustodyTransferFailed):
		return http.StatusBadGateway, "custody_transfer_failed"
	case errors.Is(err, registry.ErrQuoteAssetNotTradable):
		return http.StatusUnprocessableEntity, "quote_asset_not_tradable"
	case errors.Is(err, registry.ErrInvalidTicker):
		return http.StatusUnprocessableEntity, "invalid_ticker"
	case errors.Is(err, matching.ErrInsufficientTokenBalance):
		return http.StatusUnprocessableEntity, "insufficient_token_balance"
	case errors.Is(err, matching.ErrInsufficientQuoteBalance):
		return http.StatusUnprocessableEntity, "insufficient_quote_balance"
	case errors.Is(err, matching.ErrSettlementFailed):
		return http.StatusUnprocessableEntity, "settlement_failed"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, matching.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, matching.ErrInvalidPrice):
		return http.StatusUnprocessableEntity, "invalid_price"
	case errors.Is(err, matching.ErrInvalidSide):
		return http.StatusUnprocessableEntity, "invalid_side"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// logTransaction appends an accepted write to the transaction log
func (s *Server) logTransaction(r *http.Request, event string, data map[string]interface{}) {
	data["request_id"] = requestID(r.Context())
	if err := s.txLog.Append(event, data); err != nil {
		s.logger.Warn("tx_log_append_failed", zap.String("event", event), zap.Error(err))
	}
}
