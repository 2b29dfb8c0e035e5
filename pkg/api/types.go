package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

// API request and response types for REST endpoints and WebSocket messages
// Write requests use transaction.SignedRequest, see pkg/app/core/transaction/types.go

// ==============================
// REST Response Types
// ==============================

// AssetInfo represents a registered asset
type AssetInfo struct {
	Ticker registry.Ticker `json:"ticker"`
	Ref    common.Address  `json:"ref"`   // token contract address
	Quote  bool            `json:"quote"` // true for the settlement asset
}

// BookResponse is one side of a book in matching order
type BookResponse struct {
	Ticker registry.Ticker   `json:"ticker"`
	Side   orderbook.Side    `json:"side"`
	Orders []orderbook.Order `json:"orders"`
}

// OrderbookSnapshot represents aggregated book state
type OrderbookSnapshot struct {
	Ticker    registry.Ticker        `json:"ticker"`
	Bids      []orderbook.PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []orderbook.PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// BalancesResponse lists a trader's non-zero ledger balances
type BalancesResponse struct {
	Address  common.Address             `json:"address"`
	Balances map[registry.Ticker]uint64 `json:"balances"`
}

// CustodyResponse is how much of an asset custody holds for the exchange
type CustodyResponse struct {
	Ticker registry.Ticker `json:"ticker"`
	Holder common.Address  `json:"holder"`
	Amount uint64          `json:"amount"`
}

// LimitOrderResponse is the response from limit order submission
type LimitOrderResponse struct {
	Status  string `json:"status"` // "resting"
	OrderID uint64 `json:"orderId"`
}

// MarketOrderResponse is the response from market order submission
type MarketOrderResponse struct {
	Status string `json:"status"` // "filled", "partial", "unfilled"
	matching.MarketResult
}

// StatusResponse acknowledges deposits, withdrawals and registrations
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse reports liveness and the current state digest
type HealthResponse struct {
	Status    string `json:"status"`
	StateHash string `json:"stateHash"`
	WSClients int    `json:"wsClients"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Devnet Request Types
// ==============================

// FaucetRequest mints test tokens to an address
type FaucetRequest struct {
	Address common.Address  `json:"address"`
	Ticker  registry.Ticker `json:"ticker"`
	Amount  uint64          `json:"amount,string"`
}

// ApproveRequest lets the exchange pull up to Amount from Owner on deposit
type ApproveRequest struct {
	Owner  common.Address  `json:"owner"`
	Ticker registry.Ticker `json:"ticker"`
	Amount uint64          `json:"amount,string"`
}

// TokenBalanceResponse is an on-chain (custody side) token balance
type TokenBalanceResponse struct {
	Address   common.Address  `json:"address"`
	Ticker    registry.Ticker `json:"ticker"`
	Balance   uint64          `json:"balance"`
	Allowance uint64          `json:"allowance"` // granted to the exchange
}

// DevnetToken is a mock token deployed on the devnet chain
type DevnetToken struct {
	Name        string         `json:"name"`
	Address     common.Address `json:"address"`
	TotalSupply uint64         `json:"totalSupply"`
	Registered  bool           `json:"registered"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["book:REP", "trades:REP"]
}

// WSAck confirms a subscription change
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" | "unsubscribed"
	Channels []string `json:"channels"`
}

// BookUpdate is broadcast after every committed change to a book
type BookUpdate struct {
	Type string `json:"type"` // "book"
	OrderbookSnapshot
}

// TradeUpdate is broadcast once per executed trade
type TradeUpdate struct {
	Type string `json:"type"` // "trade"
	matching.Trade
}
