package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider serves quotes from an in-memory price table. It backs
// tests and local runs without market-data credentials.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal

	// Fail optionally simulates provider unavailability.
	Fail bool
}

// NewStaticProvider creates a StaticProvider with the given price table.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticProvider{prices: cp}
}

// SetPrice sets or updates the price of one symbol.
func (p *StaticProvider) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// GetQuote returns the configured price for symbol.
func (p *StaticProvider) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if p.Fail {
		return nil, ErrUnavailable
	}
	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return &Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}
