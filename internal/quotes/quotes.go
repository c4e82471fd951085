// Package quotes defines the quote provider consumed by the order
// execution engine and provides an Alpaca-backed implementation plus a
// static one for deterministic tests.
package quotes

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrUnavailable    = errors.New("quote provider unavailable")
)

// Quote is the current price of one symbol.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Provider supplies the current price for a symbol. Implementations may
// fail with ErrSymbolNotFound or ErrUnavailable.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}
