package quotes

import (
	"context"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlpacaProvider serves quotes from the Alpaca market-data API using the
// latest trade price for the symbol.
type AlpacaProvider struct {
	client *marketdata.Client
	logger *zap.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials.
// baseURL may be empty to use the default data endpoint.
func NewAlpacaProvider(logger *zap.Logger, apiKey, apiSecret, baseURL string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		logger: logger,
	}
}

// GetQuote returns the latest trade price for symbol.
func (p *AlpacaProvider) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	trade, err := p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		p.logger.Warn("Alpaca latest trade lookup failed",
			zap.String("symbol", symbol),
			zap.Error(err))
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if trade == nil || trade.Price <= 0 {
		return nil, fmt.Errorf("%w: no trade data for %s", ErrSymbolNotFound, symbol)
	}

	return &Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(trade.Price),
		Timestamp: trade.Timestamp,
	}, nil
}
