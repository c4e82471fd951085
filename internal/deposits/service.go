// Package deposits reconciles payment-provider callbacks against deposit
// intents. The provider reference is the idempotency handle: however many
// times a callback is delivered, the account is credited exactly once.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/pkg/metrics"
	"github.com/finvex/brokerage/pkg/models"
)

var (
	// ErrUnknownReference is returned for a callback whose provider
	// reference matches no deposit intent.
	ErrUnknownReference = errors.New("unknown provider reference")

	// ErrAmountMismatch is returned when the callback amount disagrees
	// with the intent. The intent is left untouched for manual review.
	ErrAmountMismatch = errors.New("deposit amount mismatch")

	// ErrIntentClosed is returned for a success callback against an
	// intent that already failed.
	ErrIntentClosed = errors.New("deposit intent already closed")

	// ErrAccountMismatch is returned when the callback names a different
	// account than the intent was opened for.
	ErrAccountMismatch = errors.New("deposit account mismatch")

	ErrInvalidAmount = errors.New("invalid deposit amount")
)

// DepositService creates deposit intents and reconciles provider callbacks.
type DepositService interface {
	InitiateDeposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, provider string) (*models.DepositIntent, error)
	ReconcileDeposit(ctx context.Context, providerReference string, accountID uuid.UUID, amount decimal.Decimal, succeeded bool) (*models.DepositIntent, error)
	GetDeposit(ctx context.Context, accountID, intentID uuid.UUID) (*models.DepositIntent, error)
}

// Service implements DepositService.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger ledger.LedgerService
}

// NewService creates a new DepositService.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.LedgerService) (*Service, error) {
	return &Service{
		logger: logger,
		db:     db,
		ledger: ledgerSvc,
	}, nil
}

// InitiateDeposit records a pending intent for an expected inbound payment
// and hands back the provider reference the callback must carry.
func (s *Service) InitiateDeposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, provider string) (*models.DepositIntent, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	intent := &models.DepositIntent{
		ID:                uuid.New(),
		AccountID:         accountID,
		ProviderReference: "dep_" + uuid.NewString(),
		Provider:          provider,
		Amount:            ledger.RoundToMinorUnit(amount, account.Currency),
		Status:            models.DepositStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, fmt.Errorf("failed to create deposit intent: %w", err)
	}

	s.logger.Info("Deposit initiated",
		zap.String("account_id", accountID.String()),
		zap.String("intent_id", intent.ID.String()),
		zap.String("provider_reference", intent.ProviderReference),
		zap.String("amount", intent.Amount.String()))
	return intent, nil
}

// ReconcileDeposit processes one provider callback. Redelivered success
// callbacks return the already-completed intent without crediting again;
// a callback whose account or amount disagrees with the intent is rejected
// and the intent left pending for review.
func (s *Service) ReconcileDeposit(ctx context.Context, providerReference string, accountID uuid.UUID, amount decimal.Decimal, succeeded bool) (*models.DepositIntent, error) {
	var intent models.DepositIntent
	err := s.db.WithContext(ctx).Where("provider_reference = ?", providerReference).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.DepositsReconciled.WithLabelValues("unknown_reference").Inc()
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, providerReference)
		}
		return nil, fmt.Errorf("failed to load deposit intent: %w", err)
	}

	if intent.AccountID != accountID {
		metrics.DepositsReconciled.WithLabelValues("account_mismatch").Inc()
		s.logger.Warn("Deposit account mismatch",
			zap.String("intent_id", intent.ID.String()),
			zap.String("expected", intent.AccountID.String()),
			zap.String("received", accountID.String()))
		return nil, fmt.Errorf("%w: intent %s belongs to a different account",
			ErrAccountMismatch, intent.ID.String())
	}

	switch intent.Status {
	case models.DepositStatusCompleted:
		// Redelivery after a successful credit.
		metrics.DepositsReconciled.WithLabelValues("duplicate").Inc()
		return &intent, nil
	case models.DepositStatusFailed:
		if !succeeded {
			return &intent, nil
		}
		metrics.DepositsReconciled.WithLabelValues("closed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrIntentClosed, providerReference)
	}

	if !succeeded {
		intent.Status = models.DepositStatusFailed
		intent.UpdatedAt = time.Now()
		if err := s.db.WithContext(ctx).Save(&intent).Error; err != nil {
			return nil, fmt.Errorf("failed to fail deposit intent: %w", err)
		}
		metrics.DepositsReconciled.WithLabelValues(models.DepositStatusFailed).Inc()
		s.logger.Info("Deposit failed at provider",
			zap.String("intent_id", intent.ID.String()),
			zap.String("provider_reference", providerReference))
		return &intent, nil
	}

	if !amount.Equal(intent.Amount) {
		metrics.DepositsReconciled.WithLabelValues("amount_mismatch").Inc()
		s.logger.Warn("Deposit amount mismatch",
			zap.String("intent_id", intent.ID.String()),
			zap.String("expected", intent.Amount.String()),
			zap.String("received", amount.String()))
		return nil, fmt.Errorf("%w: expected %s, got %s",
			ErrAmountMismatch, intent.Amount.String(), amount.String())
	}

	// The intent ID keys the credit, so a concurrent redelivery replays
	// the recorded result instead of crediting twice.
	res, err := s.ledger.ApplyAtomic(ctx, intent.AccountID, "deposit:"+intent.ID.String(), []ledger.Mutation{
		ledger.CreditBalance(intent.Amount),
		ledger.CreateTransaction(&models.Transaction{
			AccountID:   intent.AccountID,
			Type:        models.TransactionTypeDeposit,
			Total:       intent.Amount,
			Status:      models.TransactionStatusCompleted,
			Description: intent.Provider + ":" + intent.ProviderReference,
		}),
	})
	if err != nil {
		return nil, err
	}

	intent.Status = models.DepositStatusCompleted
	intent.TransactionID = &res.Transaction.ID
	intent.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(&intent).Error; err != nil {
		return nil, fmt.Errorf("failed to complete deposit intent: %w", err)
	}

	metrics.DepositsReconciled.WithLabelValues(models.DepositStatusCompleted).Inc()
	s.logger.Info("Deposit reconciled",
		zap.String("account_id", intent.AccountID.String()),
		zap.String("intent_id", intent.ID.String()),
		zap.String("transaction_id", res.Transaction.ID.String()),
		zap.String("amount", intent.Amount.String()))
	return &intent, nil
}

// GetDeposit returns one deposit intent.
func (s *Service) GetDeposit(ctx context.Context, accountID, intentID uuid.UUID) (*models.DepositIntent, error) {
	var intent models.DepositIntent
	err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", intentID, accountID).
		First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deposit intent %s not found", intentID)
		}
		return nil, fmt.Errorf("failed to load deposit intent: %w", err)
	}
	return &intent, nil
}
