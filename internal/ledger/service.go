package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/finvex/brokerage/pkg/metrics"
	"github.com/finvex/brokerage/pkg/models"
)

const (
	applyMaxRetries   = 3
	applyRetryBackoff = 100 * time.Millisecond
)

// BalanceInvalidator receives best-effort notifications after a committed
// balance change, so any read-only mirror can drop its stale copy. It is
// never consulted for correctness.
type BalanceInvalidator interface {
	InvalidateBalance(ctx context.Context, accountID uuid.UUID)
}

// LedgerService owns Accounts, Holdings and Transactions and exposes the
// single atomic primitive every money or share movement goes through.
type LedgerService interface {
	ApplyAtomic(ctx context.Context, accountID uuid.UUID, idempotencyKey string, muts []Mutation) (*Result, error)
	CreateAccount(ctx context.Context, ownerID uuid.UUID, currency string) (*models.Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	GetHolding(ctx context.Context, accountID uuid.UUID, symbol string) (*models.Holding, error)
	GetHoldings(ctx context.Context, accountID uuid.UUID) ([]*models.Holding, error)
	GetTransaction(ctx context.Context, txID uuid.UUID) (*models.Transaction, error)
	GetTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error)
	CreatePending(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	Settle(ctx context.Context, accountID, txID uuid.UUID, status string) (*models.Transaction, error)
	LockAccount(ctx context.Context, accountID uuid.UUID) error
}

// Service implements LedgerService on gorm.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	mirror    BalanceInvalidator
	muMap     map[uuid.UUID]*sync.Mutex
	muMapLock sync.Mutex // protects muMap
}

// NewService creates a new LedgerService.
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{
		logger: logger,
		db:     db,
		muMap:  make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// SetMirror wires an optional read-only balance mirror for invalidation.
func (s *Service) SetMirror(m BalanceInvalidator) {
	s.mirror = m
}

// getAccountMutex returns the serialization mutex for one account. All
// mutations against an account funnel through its mutex, which makes
// concurrent ApplyAtomic calls on the same account linearizable.
func (s *Service) getAccountMutex(accountID uuid.UUID) *sync.Mutex {
	s.muMapLock.Lock()
	defer s.muMapLock.Unlock()
	mu, ok := s.muMap[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[accountID] = mu
	}
	return mu
}

// lockingClause adds SELECT ... FOR UPDATE on dialects that support it.
// sqlite (tests) serializes through the account mutex alone.
func (s *Service) lockingClause(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ApplyAtomic applies an ordered list of mutations against one account in
// a single database transaction: all succeed or none apply. A repeated
// call with the same idempotency key returns the originally recorded
// result without reapplying anything.
func (s *Service) ApplyAtomic(ctx context.Context, accountID uuid.UUID, idempotencyKey string, muts []Mutation) (*Result, error) {
	if len(muts) == 0 {
		return nil, fmt.Errorf("%w: empty mutation list", ErrInvalidAmount)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	mu := s.getAccountMutex(accountID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.LedgerApplyLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		result  *Result
		lastErr error
	)
	for attempt := 0; attempt <= applyMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(applyRetryBackoff):
			}
			s.logger.Warn("Retrying atomic ledger application",
				zap.String("account_id", accountID.String()),
				zap.String("idempotency_key", idempotencyKey),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		}

		result, lastErr = s.applyOnce(ctx, accountID, idempotencyKey, muts)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("ledger application failed after %d attempts: %w", applyMaxRetries+1, lastErr)
	}

	if s.mirror != nil && !result.Replayed {
		go s.mirror.InvalidateBalance(context.WithoutCancel(ctx), accountID)
	}
	return result, nil
}

func (s *Service) applyOnce(ctx context.Context, accountID uuid.UUID, idempotencyKey string, muts []Mutation) (*Result, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			s.logger.Error("Panic during ledger application",
				zap.String("account_id", accountID.String()),
				zap.Any("panic", r))
			panic(r)
		}
	}()

	// Replay check first: a matching key returns the original outcome.
	var record models.IdempotencyRecord
	err := tx.Where("key = ?", idempotencyKey).First(&record).Error
	if err == nil {
		res, rerr := s.loadReplay(tx, accountID, record.ResultTransactionID)
		tx.Rollback()
		return res, rerr
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("failed to check idempotency record: %w", err)
	}

	var account models.Account
	if err := s.lockingClause(tx).Where("id = ?", accountID).First(&account).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account.Status == models.AccountStatusLocked {
		tx.Rollback()
		return nil, ErrAccountLocked
	}

	result := &Result{}
	var holdingRemoved bool
	for _, m := range muts {
		switch m.kind {
		case mutationDebit:
			if m.amount.Sign() <= 0 {
				tx.Rollback()
				return nil, ErrInvalidAmount
			}
			amount := RoundToMinorUnit(m.amount, account.Currency)
			if account.Balance.LessThan(amount) {
				tx.Rollback()
				return nil, fmt.Errorf("%w: balance %s, required %s",
					ErrInsufficientFunds, account.Balance.String(), amount.String())
			}
			account.Balance = account.Balance.Sub(amount)

		case mutationCredit:
			if m.amount.Sign() <= 0 {
				tx.Rollback()
				return nil, ErrInvalidAmount
			}
			account.Balance = account.Balance.Add(RoundToMinorUnit(m.amount, account.Currency))

		case mutationAdjustHolding:
			holding, removed, err := s.adjustHolding(tx, &account, m)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			result.Holding = holding
			holdingRemoved = removed

		case mutationCreateTransaction:
			created, err := s.createTransactionRow(tx, &account, m.transaction)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			result.Transaction = created

		case mutationSettleTransaction:
			settled, err := s.settleTransactionRow(tx, m.settleID, m.settleStatus)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			result.Transaction = settled
		}
	}

	account.UpdatedAt = time.Now()
	if err := tx.Save(&account).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to save account: %w", err)
	}

	var resultTxID uuid.UUID
	if result.Transaction != nil {
		resultTxID = result.Transaction.ID
	}
	if err := tx.Create(&models.IdempotencyRecord{
		Key:                 idempotencyKey,
		AccountID:           accountID,
		ResultTransactionID: resultTxID,
		CreatedAt:           time.Now(),
	}).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to record idempotency key: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("failed to commit ledger application: %w", err)
	}

	if holdingRemoved {
		result.Holding = nil
	}
	result.Account = &account

	s.logger.Info("Ledger application committed",
		zap.String("account_id", accountID.String()),
		zap.String("idempotency_key", idempotencyKey),
		zap.String("balance", account.Balance.String()),
		zap.Int("mutations", len(muts)))

	return result, nil
}

// adjustHolding applies a share delta under the already held account lock.
func (s *Service) adjustHolding(tx *gorm.DB, account *models.Account, m Mutation) (*models.Holding, bool, error) {
	var holding models.Holding
	err := s.lockingClause(tx).
		Where("account_id = ? AND symbol = ?", account.ID, m.symbol).
		First(&holding).Error
	notFound := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !notFound {
		return nil, false, fmt.Errorf("failed to find holding: %w", err)
	}

	delta := RoundShares(m.deltaShares)
	switch {
	case delta.Sign() > 0: // buy
		if notFound {
			holding = models.Holding{
				ID:           uuid.New(),
				AccountID:    account.ID,
				Symbol:       m.symbol,
				Shares:       delta,
				AveragePrice: RoundShares(m.fillPrice),
				CreatedAt:    time.Now(),
				UpdatedAt:    time.Now(),
			}
			if err := tx.Create(&holding).Error; err != nil {
				return nil, false, fmt.Errorf("failed to create holding: %w", err)
			}
			return &holding, false, nil
		}
		holding.AveragePrice = WeightedAveragePrice(holding.Shares, holding.AveragePrice, delta, m.fillPrice)
		holding.Shares = holding.Shares.Add(delta)

	case delta.Sign() < 0: // sell
		if notFound {
			return nil, false, fmt.Errorf("%w: %s", ErrHoldingNotFound, m.symbol)
		}
		sold := delta.Neg()
		if holding.Shares.LessThan(sold) {
			return nil, false, fmt.Errorf("%w: held %s, selling %s",
				ErrInsufficientShares, holding.Shares.String(), sold.String())
		}
		holding.Shares = holding.Shares.Sub(sold)
		if holding.Shares.IsZero() {
			if err := tx.Delete(&models.Holding{}, "id = ?", holding.ID).Error; err != nil {
				return nil, false, fmt.Errorf("failed to remove emptied holding: %w", err)
			}
			return &holding, true, nil
		}

	default:
		return nil, false, ErrInvalidAmount
	}

	holding.UpdatedAt = time.Now()
	if err := tx.Save(&holding).Error; err != nil {
		return nil, false, fmt.Errorf("failed to save holding: %w", err)
	}
	return &holding, false, nil
}

func (s *Service) createTransactionRow(tx *gorm.DB, account *models.Account, t *models.Transaction) (*models.Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.AccountID = account.ID
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TransactionStatusPending
	}
	if t.Status == models.TransactionStatusCompleted {
		t.CompletedAt = &now
	}
	if err := tx.Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return t, nil
}

// settleTransactionRow performs the single pending-to-terminal transition.
func (s *Service) settleTransactionRow(tx *gorm.DB, txID uuid.UUID, status string) (*models.Transaction, error) {
	switch status {
	case models.TransactionStatusCompleted, models.TransactionStatusFailed, models.TransactionStatusCancelled:
	default:
		return nil, fmt.Errorf("invalid settlement status %q", status)
	}

	var t models.Transaction
	if err := s.lockingClause(tx).Where("id = ?", txID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s not found", txID)
		}
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	if t.Terminal() {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrAlreadySettled, txID, t.Status)
	}

	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	if status == models.TransactionStatusCompleted {
		t.CompletedAt = &now
	}
	if err := tx.Save(&t).Error; err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}
	return &t, nil
}

// loadReplay reconstructs the result of a previously applied key.
func (s *Service) loadReplay(tx *gorm.DB, accountID, txID uuid.UUID) (*Result, error) {
	result := &Result{Replayed: true}

	var account models.Account
	if err := tx.Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to load account for replay: %w", err)
	}
	result.Account = &account

	if txID != uuid.Nil {
		var t models.Transaction
		if err := tx.Where("id = ?", txID).First(&t).Error; err != nil {
			return nil, fmt.Errorf("failed to load transaction for replay: %w", err)
		}
		result.Transaction = &t
	}
	return result, nil
}

// CreateAccount creates a zero-balance active account. Account onboarding
// itself is external; this exists for fixtures and provisioning.
func (s *Service) CreateAccount(ctx context.Context, ownerID uuid.UUID, currency string) (*models.Account, error) {
	if currency == "" {
		return nil, fmt.Errorf("currency is required")
	}
	account := &models.Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Currency:  currency,
		Status:    models.AccountStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount gets one account by id.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// GetHolding gets one holding by account and symbol.
func (s *Service) GetHolding(ctx context.Context, accountID uuid.UUID, symbol string) (*models.Holding, error) {
	var holding models.Holding
	if err := s.db.WithContext(ctx).Where("account_id = ? AND symbol = ?", accountID, symbol).First(&holding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldingNotFound
		}
		return nil, fmt.Errorf("failed to find holding: %w", err)
	}
	return &holding, nil
}

// GetHoldings gets all holdings for an account.
func (s *Service) GetHoldings(ctx context.Context, accountID uuid.UUID) ([]*models.Holding, error) {
	var holdings []*models.Holding
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("symbol").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to find holdings: %w", err)
	}
	return holdings, nil
}

// GetTransaction gets one transaction by id.
func (s *Service) GetTransaction(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", txID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s not found", txID)
		}
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return &t, nil
}

// GetTransactions gets transactions for an account, newest first.
func (s *Service) GetTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	var txs []*models.Transaction
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&txs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find transactions: %w", err)
	}
	return txs, count, nil
}

// CreatePending inserts a pending transaction under the account's
// serialization point, rejecting locked accounts up front.
func (s *Service) CreatePending(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.TransactionStatusPending
	res, err := s.ApplyAtomic(ctx, t.AccountID, "create:"+t.ID.String(), []Mutation{CreateTransaction(t)})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// Settle moves a pending transaction to a terminal status. Concurrent
// settlement attempts are serialized; the loser gets ErrAlreadySettled.
func (s *Service) Settle(ctx context.Context, accountID, txID uuid.UUID, status string) (*models.Transaction, error) {
	res, err := s.ApplyAtomic(ctx, accountID, "settle:"+txID.String()+":"+status, []Mutation{SettleTransaction(txID, status)})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// LockAccount marks an account locked. Locked accounts reject every
// subsequent atomic application.
func (s *Service) LockAccount(ctx context.Context, accountID uuid.UUID) error {
	mu := s.getAccountMutex(accountID)
	mu.Lock()
	defer mu.Unlock()

	result := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{"status": models.AccountStatusLocked, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to lock account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	s.logger.Info("Account locked", zap.String("account_id", accountID.String()))
	return nil
}
