package registry

import (
	"bytes"
	"errors"
	"fmt"
)

// TickerSize is the fixed width of a ticker symbol
const TickerSize = 32

var ErrInvalidTicker = errors.New("invalid ticker")

// Ticker is a fixed-width asset symbol, right-padded with zero bytes
// Example: "DAI" -> 'D','A','I',0,0,...,0
type Ticker [TickerSize]byte

// NewTicker builds a ticker from a 1..32 byte symbol
func NewTicker(symbol string) (Ticker, error) {
	var t Ticker
	if len(symbol) == 0 || len(symbol) > TickerSize {
		return t, fmt.Errorf("%w: %q must be 1-%d bytes", ErrInvalidTicker, symbol, TickerSize)
	}
	if bytes.IndexByte([]byte(symbol), 0) >= 0 {
		return t, fmt.Errorf("%w: %q contains a zero byte", ErrInvalidTicker, symbol)
	}
	copy(t[:], symbol)
	return t, nil
}

// MustTicker is NewTicker for constants and tests
func MustTicker(symbol string) Ticker {
	t, err := NewTicker(symbol)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Ticker) String() string {
	return string(bytes.TrimRight(t[:], "\x00"))
}

func (t Ticker) IsZero() bool {
	return t == Ticker{}
}

// MarshalText encodes the trimmed symbol so tickers work as JSON values and map keys
func (t Ticker) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Ticker) UnmarshalText(text []byte) error {
	parsed, err := NewTicker(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
