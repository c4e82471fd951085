// Package orders converts buy/sell requests into consistent updates of
// the account balance, the holding position, and a transaction record,
// all through the ledger's atomic primitive.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/quotes"
	"github.com/finvex/brokerage/pkg/metrics"
	"github.com/finvex/brokerage/pkg/models"
)

var (
	// ErrQuoteUnavailable is returned when the quote provider stays
	// unreachable past its bounded retries.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	ErrInvalidSide     = errors.New("invalid order side")
	ErrInvalidQuantity = errors.New("invalid order quantity")
)

// OrderService executes and cancels orders.
type OrderService interface {
	ExecuteOrder(ctx context.Context, accountID uuid.UUID, side, symbol string, quantity decimal.Decimal, limitPrice *decimal.Decimal) (*models.Transaction, error)
	CancelOrder(ctx context.Context, accountID, txID uuid.UUID) (*models.Transaction, error)
}

// Service implements OrderService.
type Service struct {
	logger *zap.Logger
	ledger ledger.LedgerService
	quotes quotes.Provider
}

// NewService creates a new OrderService.
func NewService(logger *zap.Logger, ledgerSvc ledger.LedgerService, provider quotes.Provider) (*Service, error) {
	return &Service{
		logger: logger,
		ledger: ledgerSvc,
		quotes: provider,
	}, nil
}

// ExecuteOrder fills a buy or sell at the current quote (or the supplied
// limit price), settling the transaction completed on success and failed
// on any business rejection. A rejected order leaves balance and holdings
// exactly as they were.
func (s *Service) ExecuteOrder(ctx context.Context, accountID uuid.UUID, side, symbol string, quantity decimal.Decimal, limitPrice *decimal.Decimal) (*models.Transaction, error) {
	start := time.Now()
	defer func() {
		metrics.OrderLatency.Observe(time.Since(start).Seconds())
	}()

	if side != models.TransactionTypeBuy && side != models.TransactionTypeSell {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity.String())
	}
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	fillPrice, err := s.fillPrice(ctx, symbol, limitPrice)
	if err != nil {
		metrics.OrdersExecuted.WithLabelValues(side, "rejected").Inc()
		return nil, err
	}

	quantity = ledger.RoundShares(quantity)
	total := ledger.RoundToMinorUnit(quantity.Mul(fillPrice), account.Currency)

	pending, err := s.ledger.CreatePending(ctx, &models.Transaction{
		AccountID: accountID,
		Type:      side,
		Symbol:    symbol,
		Quantity:  quantity,
		Price:     fillPrice,
		Total:     total,
	})
	if err != nil {
		metrics.OrdersExecuted.WithLabelValues(side, "rejected").Inc()
		return nil, err
	}

	s.logger.Info("Executing order",
		zap.String("account_id", accountID.String()),
		zap.String("transaction_id", pending.ID.String()),
		zap.String("side", side),
		zap.String("symbol", symbol),
		zap.String("quantity", quantity.String()),
		zap.String("price", fillPrice.String()),
		zap.String("total", total.String()))

	var muts []ledger.Mutation
	if side == models.TransactionTypeBuy {
		muts = []ledger.Mutation{
			ledger.DebitBalance(total),
			ledger.AdjustHolding(symbol, quantity, fillPrice),
			ledger.SettleTransaction(pending.ID, models.TransactionStatusCompleted),
		}
	} else {
		muts = []ledger.Mutation{
			ledger.AdjustHolding(symbol, quantity.Neg(), fillPrice),
			ledger.CreditBalance(total),
			ledger.SettleTransaction(pending.ID, models.TransactionStatusCompleted),
		}
	}

	res, err := s.ledger.ApplyAtomic(ctx, accountID, pending.ID.String(), muts)
	if err != nil {
		return s.settleRejected(ctx, pending, side, err)
	}

	metrics.OrdersExecuted.WithLabelValues(side, models.TransactionStatusCompleted).Inc()
	return res.Transaction, nil
}

// settleRejected records the failure on the transaction so a rejected
// order never silently disappears, then surfaces the rejection.
func (s *Service) settleRejected(ctx context.Context, pending *models.Transaction, side string, cause error) (*models.Transaction, error) {
	if errors.Is(cause, ledger.ErrAlreadySettled) {
		// Lost the race against a concurrent cancellation.
		metrics.OrdersExecuted.WithLabelValues(side, models.TransactionStatusCancelled).Inc()
		return nil, cause
	}

	failed, settleErr := s.ledger.Settle(ctx, pending.AccountID, pending.ID, models.TransactionStatusFailed)
	if settleErr != nil {
		if errors.Is(settleErr, ledger.ErrAlreadySettled) {
			metrics.OrdersExecuted.WithLabelValues(side, models.TransactionStatusCancelled).Inc()
			return nil, settleErr
		}
		s.logger.Error("Failed to settle rejected order",
			zap.String("transaction_id", pending.ID.String()),
			zap.Error(settleErr))
		return nil, cause
	}

	metrics.OrdersExecuted.WithLabelValues(side, models.TransactionStatusFailed).Inc()
	s.logger.Info("Order rejected",
		zap.String("transaction_id", pending.ID.String()),
		zap.Error(cause))
	return failed, cause
}

// fillPrice resolves the execution price: a caller-supplied price wins,
// otherwise the quote provider is consulted within its bounded retries.
func (s *Service) fillPrice(ctx context.Context, symbol string, limitPrice *decimal.Decimal) (decimal.Decimal, error) {
	if limitPrice != nil {
		if limitPrice.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%w: limit price %s", ErrInvalidQuantity, limitPrice.String())
		}
		return *limitPrice, nil
	}

	quote, err := s.quotes.GetQuote(ctx, symbol)
	if err != nil {
		if errors.Is(err, quotes.ErrSymbolNotFound) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	return quote.Price, nil
}

// CancelOrder cancels a pending order. The race against settlement is
// resolved at the ledger's serialization point: whichever operation gets
// there first wins, the other observes ErrAlreadySettled.
func (s *Service) CancelOrder(ctx context.Context, accountID, txID uuid.UUID) (*models.Transaction, error) {
	t, err := s.ledger.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.AccountID != accountID {
		return nil, fmt.Errorf("transaction %s does not belong to account %s", txID, accountID)
	}
	if t.Type != models.TransactionTypeBuy && t.Type != models.TransactionTypeSell {
		return nil, fmt.Errorf("transaction %s is not an order", txID)
	}

	cancelled, err := s.ledger.Settle(ctx, accountID, txID, models.TransactionStatusCancelled)
	if err != nil {
		return nil, err
	}

	metrics.OrdersExecuted.WithLabelValues(t.Type, models.TransactionStatusCancelled).Inc()
	s.logger.Info("Order cancelled",
		zap.String("account_id", accountID.String()),
		zap.String("transaction_id", txID.String()))
	return cancelled, nil
}
