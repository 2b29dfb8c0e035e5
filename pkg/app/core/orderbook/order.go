package orderbook

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// Opposite returns the side a taker on s matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(str string) (Side, error) {
	switch strings.ToUpper(str) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side %q", str)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Order is a resting limit order
// Invariant: 0 <= Filled < Amount while the order is in a book
type Order struct {
	ID     uint64          `json:"id"`
	Trader common.Address  `json:"trader"`
	Ticker registry.Ticker `json:"ticker"`
	Side   Side            `json:"side"`
	Price  uint64          `json:"price"`
	Amount uint64          `json:"amount"`
	Filled uint64          `json:"filled"`
	Date   int64           `json:"date"` // unix seconds at creation
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() uint64 {
	return o.Amount - o.Filled
}

func (o *Order) IsFilled() bool {
	return o.Filled >= o.Amount
}

// Ref locates an order inside the book (and in storage)
type Ref struct {
	Ticker registry.Ticker
	Side   Side
	ID     uint64
}

func (o *Order) Ref() Ref {
	return Ref{Ticker: o.Ticker, Side: o.Side, ID: o.ID}
}
