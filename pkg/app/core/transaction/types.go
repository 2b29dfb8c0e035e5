package transaction

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/crypto"
)

// ErrOutOfRange rejects a quantity that does not fit in 64 bits of base units
var ErrOutOfRange = errors.New("value out of range")

// RequestType represents the kind of signed write request
type RequestType string

const (
	TypeDeposit       RequestType = "deposit"
	TypeWithdraw      RequestType = "withdraw"
	TypeLimitOrder    RequestType = "limit"
	TypeMarketOrder   RequestType = "market"
	TypeRegisterAsset RequestType = "register"
)

// SignedRequest is the envelope for every state-changing API call
// Exactly one payload matching Type must be set
type SignedRequest struct {
	Type      RequestType           `json:"type"`
	Deposit   *TransferPayload      `json:"deposit,omitempty"`
	Withdraw  *TransferPayload      `json:"withdraw,omitempty"`
	Limit     *LimitOrderPayload    `json:"limit,omitempty"`
	Market    *MarketOrderPayload   `json:"market,omitempty"`
	Register  *RegisterAssetPayload `json:"register,omitempty"`
	Signature string                `json:"signature"` // Hex-encoded signature (0x...)
}

// TransferPayload moves an asset between custody and the ledger
// Amounts and nonces travel as decimal strings so JS clients keep precision
// Amounts and prices are integer base units in [0, 2^64-1]; 18-decimal tokens cap at about 18.4 whole tokens
// per value, so devnet tokens use 0 decimals
type TransferPayload struct {
	Trader common.Address  `json:"trader"`
	Ticker registry.Ticker `json:"ticker"`
	Amount uint64          `json:"amount,string"`
	Nonce  uint64          `json:"nonce,string"`
}

type LimitOrderPayload struct {
	Trader common.Address  `json:"trader"`
	Ticker registry.Ticker `json:"ticker"`
	Side   orderbook.Side  `json:"side"`
	Price  uint64          `json:"price,string"`
	Amount uint64          `json:"amount,string"`
	Nonce  uint64          `json:"nonce,string"`
}

type MarketOrderPayload struct {
	Trader common.Address  `json:"trader"`
	Ticker registry.Ticker `json:"ticker"`
	Side   orderbook.Side  `json:"side"`
	Amount uint64          `json:"amount,string"`
	Nonce  uint64          `json:"nonce,string"`
}

type RegisterAssetPayload struct {
	Admin  common.Address  `json:"admin"`
	Ticker registry.Ticker `json:"ticker"`
	Ref    common.Address  `json:"ref"`
	Nonce  uint64          `json:"nonce,string"`
}

func dec(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (p *TransferPayload) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"trader": p.Trader.Hex(),
		"ticker": p.Ticker.String(),
		"amount": dec(p.Amount),
		"nonce":  dec(p.Nonce),
	}
}

func (p *LimitOrderPayload) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"trader": p.Trader.Hex(),
		"ticker": p.Ticker.String(),
		"side":   p.Side.String(),
		"price":  dec(p.Price),
		"amount": dec(p.Amount),
		"nonce":  dec(p.Nonce),
	}
}

func (p *MarketOrderPayload) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"trader": p.Trader.Hex(),
		"ticker": p.Ticker.String(),
		"side":   p.Side.String(),
		"amount": dec(p.Amount),
		"nonce":  dec(p.Nonce),
	}
}

func (p *RegisterAssetPayload) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"admin":  p.Admin.Hex(),
		"ticker": p.Ticker.String(),
		"ref":    p.Ref.Hex(),
		"nonce":  dec(p.Nonce),
	}
}

// typed is the signing view of a request
type typed struct {
	primaryType string
	message     apitypes.TypedDataMessage
	signer      common.Address
	nonce       uint64
}

// Validate performs basic validation on request structure
func (r *SignedRequest) Validate() error {
	_, err := r.typed()
	return err
}

func (r *SignedRequest) typed() (typed, error) {
	if r.Type == "" {
		return typed{}, fmt.Errorf("missing request type")
	}

	switch r.Type {
	case TypeDeposit:
		if r.Deposit == nil {
			return typed{}, fmt.Errorf("deposit type requires deposit payload")
		}
		return typed{crypto.TypeDeposit, r.Deposit.message(), r.Deposit.Trader, r.Deposit.Nonce}, nil

	case TypeWithdraw:
		if r.Withdraw == nil {
			return typed{}, fmt.Errorf("withdraw type requires withdraw payload")
		}
		return typed{crypto.TypeWithdraw, r.Withdraw.message(), r.Withdraw.Trader, r.Withdraw.Nonce}, nil

	case TypeLimitOrder:
		if r.Limit == nil {
			return typed{}, fmt.Errorf("limit type requires limit payload")
		}
		return typed{crypto.TypeLimitOrder, r.Limit.message(), r.Limit.Trader, r.Limit.Nonce}, nil

	case TypeMarketOrder:
		if r.Market == nil {
			return typed{}, fmt.Errorf("market type requires market payload")
		}
		return typed{crypto.TypeMarketOrder, r.Market.message(), r.Market.Trader, r.Market.Nonce}, nil

	case TypeRegisterAsset:
		if r.Register == nil {
			return typed{}, fmt.Errorf("register type requires register payload")
		}
		return typed{crypto.TypeRegisterAsset, r.Register.message(), r.Register.Admin, r.Register.Nonce}, nil

	default:
		return typed{}, fmt.Errorf("unknown request type: %s", r.Type)
	}
}

// Sign fills in the signature using the given key
func (r *SignedRequest) Sign(eip *crypto.EIP712Signer, signer *crypto.Signer) error {
	t, err := r.typed()
	if err != nil {
		return err
	}
	sig, err := eip.SignTyped(signer, t.primaryType, t.message)
	if err != nil {
		return err
	}
	r.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// TypedDataJSON renders the request for wallet signing (eth_signTypedData_v4)
func (r *SignedRequest) TypedDataJSON(eip *crypto.EIP712Signer) (string, error) {
	t, err := r.typed()
	if err != nil {
		return "", err
	}
	return eip.TypedDataJSON(t.primaryType, t.message)
}

func (r *SignedRequest) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRequest decodes and structurally validates a JSON request
func ParseRequest(data []byte) (*SignedRequest, error) {
	var r SignedRequest
	if err := json.Unmarshal(data, &r); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Type.Kind() == reflect.Uint64 {
			return nil, fmt.Errorf("%w: %s = %s", ErrOutOfRange, typeErr.Field, typeErr.Value)
		}
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &r, nil
}

// Example (limit buy of 10 REP at 12 DAI):
//   {
//     "type": "limit",
//     "limit": {
//       "trader": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//       "ticker": "REP",
//       "side": "BUY",
//       "price": "12",
//       "amount": "10",
//       "nonce": "42"
//     },
//     "signature": "0x1234567890abcdef..."
//   }
