// Package cache keeps a read-only, best-effort mirror of account balances
// in Redis. The ledger is the sole source of truth: the mirror is filled
// on read, invalidated after every committed balance change, and a miss
// or Redis outage simply falls through to the ledger.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrMiss is returned when the mirror has no value for the account.
var ErrMiss = errors.New("balance mirror miss")

// BalanceMirror caches account balances with a TTL.
type BalanceMirror struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewBalanceMirror creates a BalanceMirror over the given Redis client.
func NewBalanceMirror(logger *zap.Logger, client *redis.Client, ttl time.Duration) *BalanceMirror {
	return &BalanceMirror{client: client, logger: logger, ttl: ttl}
}

func balanceKey(accountID uuid.UUID) string {
	return "balance:" + accountID.String()
}

// GetBalance returns the mirrored balance, or ErrMiss when absent. Errors
// from Redis are reported as misses so callers fall through to the ledger.
func (m *BalanceMirror) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	val, err := m.client.Get(ctx, balanceKey(accountID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("Balance mirror read failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
		}
		return decimal.Zero, ErrMiss
	}
	balance, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, ErrMiss
	}
	return balance, nil
}

// StoreBalance fills the mirror after an authoritative read.
func (m *BalanceMirror) StoreBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) {
	if err := m.client.Set(ctx, balanceKey(accountID), balance.String(), m.ttl).Err(); err != nil {
		m.logger.Warn("Balance mirror write failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
	}
}

// InvalidateBalance drops the mirrored balance after a committed change.
// Implements the ledger's BalanceInvalidator hook.
func (m *BalanceMirror) InvalidateBalance(ctx context.Context, accountID uuid.UUID) {
	if err := m.client.Del(ctx, balanceKey(accountID)).Err(); err != nil {
		m.logger.Warn("Balance mirror invalidation failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
	}
}
