package matching

import "errors"

var (
	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrInvalidPrice             = errors.New("invalid price")
	ErrInvalidSide              = errors.New("invalid side")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance")
	ErrInsufficientQuoteBalance = errors.New("insufficient quote balance")

	// ErrSettlementFailed means a maker could not cover a fill; the whole call is rolled back
	ErrSettlementFailed = errors.New("settlement failed")
)
