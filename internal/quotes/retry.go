package quotes

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryingProvider wraps a Provider with a per-call timeout and bounded
// exponential backoff. ErrSymbolNotFound is never retried; exhausting the
// attempts surfaces ErrUnavailable so orders fail closed instead of
// blocking.
type RetryingProvider struct {
	inner       Provider
	logger      *zap.Logger
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
}

// NewRetryingProvider wraps inner with the given bounds.
func NewRetryingProvider(logger *zap.Logger, inner Provider, timeout time.Duration, maxAttempts int, baseBackoff time.Duration) *RetryingProvider {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingProvider{
		inner:       inner,
		logger:      logger,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

// GetQuote fetches a quote, retrying transient failures.
func (p *RetryingProvider) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var lastErr error
	delay := p.baseBackoff

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		quote, err := p.inner.GetQuote(callCtx, symbol)
		cancel()
		if err == nil {
			return quote, nil
		}
		if errors.Is(err, ErrSymbolNotFound) {
			return nil, err
		}
		lastErr = err

		if attempt < p.maxAttempts-1 {
			p.logger.Warn("Quote fetch failed, retrying",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return nil, errors.Join(ErrUnavailable, lastErr)
}
