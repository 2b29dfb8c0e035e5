package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/app/core/transaction"
	"github.com/uhyunpark/spotdex/pkg/app/exchange"
	"github.com/uhyunpark/spotdex/pkg/crypto"
	"github.com/uhyunpark/spotdex/pkg/custody"
	"github.com/uhyunpark/spotdex/pkg/util"
)

var (
	dai = registry.MustTicker("DAI")
	rep = registry.MustTicker("REP")
	zrx = registry.MustTicker("ZRX")

	exchAddr = common.HexToAddress("0xEE00000000000000000000000000000000000000")
)

type testEnv struct {
	t      *testing.T
	srv    *Server
	http   *httptest.Server
	chain  *custody.Chain
	tokens map[registry.Ticker]*custody.Token
	eip    *crypto.EIP712Signer
	admin  *crypto.Signer
	nonces map[common.Address]uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	admin, err := crypto.DevKey("admin")
	require.NoError(t, err)

	domain := crypto.DefaultDomain()
	domain.VerifyingContract = exchAddr

	chain := custody.NewChain(admin.Address())
	tokens := make(map[registry.Ticker]*custody.Token)
	for _, tk := range []registry.Ticker{dai, rep, zrx} {
		tokens[tk] = chain.Deploy(tk.String())
	}

	x := exchange.New(dai, exchange.Config{
		Admin:   admin.Address(),
		Custody: chain.Provider(exchAddr),
		Clock:   util.NewManualClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
	})
	for _, tk := range []registry.Ticker{dai, rep} {
		require.NoError(t, x.RegisterAsset(context.Background(), admin.Address(), tk, tokens[tk].Address()))
	}

	srv := NewServer(x, Options{
		Verifier:        transaction.NewVerifier(domain),
		Devnet:          chain,
		ExchangeAddress: exchAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testEnv{
		t:      t,
		srv:    srv,
		http:   ts,
		chain:  chain,
		tokens: tokens,
		eip:    crypto.NewEIP712Signer(domain),
		admin:  admin,
		nonces: make(map[common.Address]uint64),
	}
}

func (e *testEnv) nextNonce(addr common.Address) uint64 {
	e.nonces[addr]++
	return e.nonces[addr]
}

func (e *testEnv) do(method, path string, body []byte) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, bytes.NewReader(body))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(path string, v any) *http.Response {
	e.t.Helper()
	body, err := json.Marshal(v)
	require.NoError(e.t, err)
	return e.do("POST", path, body)
}

func (e *testEnv) postSigned(path string, req *transaction.SignedRequest, signer *crypto.Signer) *http.Response {
	e.t.Helper()
	require.NoError(e.t, req.Sign(e.eip, signer))
	body, err := req.Serialize()
	require.NoError(e.t, err)
	return e.do("POST", path, body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// fund mints and approves through the devnet routes, then deposits with a signed request
func (e *testEnv) fund(trader *crypto.Signer, tk registry.Ticker, amount uint64) {
	e.t.Helper()
	addr := trader.Address()

	resp := e.postJSON("/api/v1/devnet/faucet", FaucetRequest{Address: addr, Ticker: tk, Amount: amount})
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	resp = e.postJSON("/api/v1/devnet/approve", ApproveRequest{Owner: addr, Ticker: tk, Amount: amount})
	require.Equal(e.t, http.StatusOK, resp.StatusCode)

	resp = e.postSigned("/api/v1/deposits", &transaction.SignedRequest{
		Type:    transaction.TypeDeposit,
		Deposit: &transaction.TransferPayload{Trader: addr, Ticker: tk, Amount: amount, Nonce: e.nextNonce(addr)},
	}, trader)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
}

func (e *testEnv) limit(trader *crypto.Signer, price, amount uint64, side orderbook.Side) *http.Response {
	e.t.Helper()
	addr := trader.Address()
	return e.postSigned("/api/v1/orders/limit", &transaction.SignedRequest{
		Type: transaction.TypeLimitOrder,
		Limit: &transaction.LimitOrderPayload{
			Trader: addr, Ticker: rep, Side: side, Price: price, Amount: amount, Nonce: e.nextNonce(addr),
		},
	}, trader)
}

func (e *testEnv) market(trader *crypto.Signer, amount uint64, side orderbook.Side) *http.Response {
	e.t.Helper()
	addr := trader.Address()
	return e.postSigned("/api/v1/orders/market", &transaction.SignedRequest{
		Type: transaction.TypeMarketOrder,
		Market: &transaction.MarketOrderPayload{
			Trader: addr, Ticker: rep, Side: side, Amount: amount, Nonce: e.nextNonce(addr),
		},
	}, trader)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, strings.HasPrefix(health.StateHash, "0x"))
	assert.Len(t, health.StateHash, 66)
	assert.Zero(t, health.WSClients)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t)
	id := "0b9b6f3e-3c4e-4a53-9f43-5f0b4b1b2f10"

	req, err := http.NewRequest("GET", e.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, id, resp.Header.Get(requestIDHeader))
}

func TestGetAssets(t *testing.T) {
	e := newTestEnv(t)

	assets := decode[[]AssetInfo](t, e.do("GET", "/api/v1/assets", nil))
	require.Len(t, assets, 2)
	assert.Equal(t, dai, assets[0].Ticker)
	assert.True(t, assets[0].Quote)
	assert.Equal(t, rep, assets[1].Ticker)
	assert.False(t, assets[1].Quote)
	assert.Equal(t, e.tokens[rep].Address(), assets[1].Ref)
}

func TestTradeFlow(t *testing.T) {
	e := newTestEnv(t)
	seller, _ := crypto.GenerateKey()
	buyer, _ := crypto.GenerateKey()

	e.fund(seller, rep, 100)
	e.fund(buyer, dai, 1000)

	resp := e.limit(seller, 10, 50, orderbook.Sell)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	placed := decode[LimitOrderResponse](t, resp)
	assert.Equal(t, "resting", placed.Status)
	assert.Equal(t, uint64(1), placed.OrderID)

	book := decode[BookResponse](t, e.do("GET", "/api/v1/books/REP?side=sell", nil))
	require.Len(t, book.Orders, 1)
	assert.Equal(t, uint64(50), book.Orders[0].Amount)

	resp = e.market(buyer, 20, orderbook.Buy)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	filled := decode[MarketOrderResponse](t, resp)
	assert.Equal(t, "filled", filled.Status)
	assert.Equal(t, uint64(20), filled.Filled)
	require.Len(t, filled.Trades, 1)
	assert.Equal(t, uint64(10), filled.Trades[0].Price)

	balances := decode[BalancesResponse](t, e.do("GET", "/api/v1/accounts/"+buyer.Address().Hex()+"/balances", nil))
	assert.Equal(t, uint64(20), balances.Balances[rep])
	assert.Equal(t, uint64(800), balances.Balances[dai])

	trades := decode[[]json.RawMessage](t, e.do("GET", "/api/v1/books/REP/trades?limit=5", nil))
	assert.Len(t, trades, 1)

	depth := decode[OrderbookSnapshot](t, e.do("GET", "/api/v1/books/REP/depth", nil))
	require.Len(t, depth.Asks, 1)
	assert.Empty(t, depth.Bids)

	custodyResp := decode[CustodyResponse](t, e.do("GET", "/api/v1/assets/DAI/custody", nil))
	assert.Equal(t, uint64(1000), custodyResp.Amount)
	assert.Equal(t, exchAddr, custodyResp.Holder)

	// Withdraw the proceeds back to the token
	addr := seller.Address()
	resp = e.postSigned("/api/v1/withdrawals", &transaction.SignedRequest{
		Type:     transaction.TypeWithdraw,
		Withdraw: &transaction.TransferPayload{Trader: addr, Ticker: dai, Amount: 200, Nonce: e.nextNonce(addr)},
	}, seller)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := decode[TokenBalanceResponse](t, e.do("GET", "/api/v1/devnet/tokens/DAI/"+addr.Hex(), nil))
	assert.Equal(t, uint64(200), token.Balance)
}

func TestMarketOrderWithEmptyBookIsUnfilled(t *testing.T) {
	e := newTestEnv(t)
	buyer, _ := crypto.GenerateKey()
	e.fund(buyer, dai, 100)

	resp := e.market(buyer, 5, orderbook.Buy)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[MarketOrderResponse](t, resp)
	assert.Equal(t, "unfilled", result.Status)
	assert.Zero(t, result.Filled)
}

func TestSignedRequestErrors(t *testing.T) {
	e := newTestEnv(t)
	trader, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	e.fund(trader, dai, 100)

	t.Run("replayed nonce", func(t *testing.T) {
		addr := trader.Address()
		resp := e.postSigned("/api/v1/withdrawals", &transaction.SignedRequest{
			Type:     transaction.TypeWithdraw,
			Withdraw: &transaction.TransferPayload{Trader: addr, Ticker: dai, Amount: 1, Nonce: e.nonces[addr]},
		}, trader)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "replayed_nonce", decode[ErrorResponse](t, resp).Error)
	})

	t.Run("signed by someone else", func(t *testing.T) {
		addr := trader.Address()
		resp := e.postSigned("/api/v1/withdrawals", &transaction.SignedRequest{
			Type:     transaction.TypeWithdraw,
			Withdraw: &transaction.TransferPayload{Trader: addr, Ticker: dai, Amount: 1, Nonce: 99},
		}, other)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_signature", decode[ErrorResponse](t, resp).Error)
	})

	t.Run("wrong route for type", func(t *testing.T) {
		resp := e.limit(trader, 1, 1, orderbook.Buy)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		addr := trader.Address()
		resp = e.postSigned("/api/v1/deposits", &transaction.SignedRequest{
			Type:     transaction.TypeWithdraw,
			Withdraw: &transaction.TransferPayload{Trader: addr, Ticker: dai, Amount: 1, Nonce: e.nextNonce(addr)},
		}, trader)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("amount beyond 64 bits", func(t *testing.T) {
		body := fmt.Sprintf(`{"type":"deposit","deposit":{"trader":%q,"ticker":"DAI","amount":"1000000000000000000000","nonce":"1"},"signature":"0x00"}`, trader.Address().Hex())
		resp := e.do("POST", "/api/v1/deposits", []byte(body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "out_of_range", decode[ErrorResponse](t, resp).Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := e.do("POST", "/api/v1/orders/limit", []byte(`{"type":`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		addr := trader.Address()
		resp := e.postSigned("/api/v1/withdrawals", &transaction.SignedRequest{
			Type:     transaction.TypeWithdraw,
			Withdraw: &transaction.TransferPayload{Trader: addr, Ticker: dai, Amount: 1000, Nonce: e.nextNonce(addr)},
		}, trader)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "insufficient_balance", decode[ErrorResponse](t, resp).Error)
	})

	t.Run("quote asset is not tradable", func(t *testing.T) {
		addr := trader.Address()
		resp := e.postSigned("/api/v1/orders/limit", &transaction.SignedRequest{
			Type: transaction.TypeLimitOrder,
			Limit: &transaction.LimitOrderPayload{
				Trader: addr, Ticker: dai, Side: orderbook.Buy, Price: 1, Amount: 1, Nonce: e.nextNonce(addr),
			},
		}, trader)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("deposit without allowance", func(t *testing.T) {
		addr := trader.Address()
		resp := e.postSigned("/api/v1/deposits", &transaction.SignedRequest{
			Type:    transaction.TypeDeposit,
			Deposit: &transaction.TransferPayload{Trader: addr, Ticker: rep, Amount: 5, Nonce: e.nextNonce(addr)},
		}, trader)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestRegisterAsset(t *testing.T) {
	e := newTestEnv(t)
	outsider, _ := crypto.GenerateKey()
	ref := e.tokens[zrx].Address()

	register := func(signer *crypto.Signer) *http.Response {
		addr := signer.Address()
		return e.postSigned("/api/v1/assets", &transaction.SignedRequest{
			Type:     transaction.TypeRegisterAsset,
			Register: &transaction.RegisterAssetPayload{Admin: addr, Ticker: zrx, Ref: ref, Nonce: e.nextNonce(addr)},
		}, signer)
	}

	resp := register(outsider)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, resp).Error)

	resp = register(e.admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = register(e.admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assets := decode[[]AssetInfo](t, e.do("GET", "/api/v1/assets", nil))
	assert.Len(t, assets, 3)
}

func TestReadErrors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"book without side", "/api/v1/books/REP", http.StatusBadRequest},
		{"book with bad side", "/api/v1/books/REP?side=long", http.StatusBadRequest},
		{"unknown ticker", "/api/v1/books/XYZ?side=buy", http.StatusNotFound},
		{"quote book is empty", "/api/v1/books/DAI?side=buy", http.StatusOK},
		{"ticker too long", "/api/v1/books/" + strings.Repeat("A", 33) + "/depth", http.StatusBadRequest},
		{"bad trade limit", "/api/v1/books/REP/trades?limit=0", http.StatusBadRequest},
		{"bad address", "/api/v1/accounts/0x123/balances", http.StatusBadRequest},
		{"unregistered custody", "/api/v1/assets/ZRX/custody", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do("GET", tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDevnetTokens(t *testing.T) {
	e := newTestEnv(t)
	addr := common.HexToAddress("0xA1")
	resp := e.postJSON("/api/v1/devnet/faucet", map[string]string{"address": addr.Hex(), "ticker": "REP", "amount": "7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do("GET", "/api/v1/devnet/tokens", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode[[]DevnetToken](t, resp)

	require.Len(t, tokens, 3)
	assert.Equal(t, "DAI", tokens[0].Name)
	assert.Equal(t, "REP", tokens[1].Name)
	assert.Equal(t, e.tokens[rep].Address(), tokens[1].Address)
	assert.Equal(t, uint64(7), tokens[1].TotalSupply)
	assert.True(t, tokens[1].Registered)
	assert.Equal(t, "ZRX", tokens[2].Name)
	assert.False(t, tokens[2].Registered)
}

func TestDevnetRoutesDisabled(t *testing.T) {
	x := exchange.New(dai, exchange.Config{})
	srv := NewServer(x, Options{})

	req := httptest.NewRequest("POST", "/api/v1/devnet/faucet", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketTradeBroadcast(t *testing.T) {
	e := newTestEnv(t)
	seller, _ := crypto.GenerateKey()
	buyer, _ := crypto.GenerateKey()
	e.fund(seller, rep, 10)
	e.fund(buyer, dai, 100)
	require.Equal(t, http.StatusOK, e.limit(seller, 5, 10, orderbook.Sell).StatusCode)

	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:REP", "bogus"}}))
	var ack WSAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"trades:REP"}, ack.Channels)
	assert.Eventually(t, func() bool {
		resp, err := http.Get(e.http.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var health HealthResponse
		return json.NewDecoder(resp.Body).Decode(&health) == nil && health.WSClients == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, e.market(buyer, 4, orderbook.Buy).StatusCode)

	var update TradeUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "trade", update.Type)
	assert.Equal(t, rep, update.Ticker)
	assert.Equal(t, uint64(4), update.Amount)
	assert.Equal(t, uint64(5), update.Price)
	assert.Equal(t, buyer.Address(), update.Taker)
}
