package deposits

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/pkg/models"
)

type fixture struct {
	svc     *Service
	ledger  *ledger.Service
	account *models.Account
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Account{},
		&models.Holding{},
		&models.Transaction{},
		&models.DepositIntent{},
		&models.IdempotencyRecord{},
	))

	ledgerSvc, err := ledger.NewService(zap.NewNop(), db)
	require.NoError(t, err)
	svc, err := NewService(zap.NewNop(), db, ledgerSvc)
	require.NoError(t, err)

	account, err := ledgerSvc.CreateAccount(context.Background(), uuid.New(), "USD")
	require.NoError(t, err)

	return &fixture{svc: svc, ledger: ledgerSvc, account: account}
}

func TestReconcileCreditsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	intent, err := f.svc.InitiateDeposit(ctx, f.account.ID, decimal.NewFromInt(500), "stripe")
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusPending, intent.Status)
	require.NotEmpty(t, intent.ProviderReference)

	done, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), true)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusCompleted, done.Status)
	require.NotNil(t, done.TransactionID)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(500)), "balance %s", account.Balance)

	tx, err := f.ledger.GetTransaction(ctx, *done.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypeDeposit, tx.Type)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)

	// Redelivery: same intent back, no second credit.
	again, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), true)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusCompleted, again.Status)

	account, err = f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(500)), "balance %s after redelivery", account.Balance)
}

func TestReconcileUnknownReference(t *testing.T) {
	f := setup(t)

	_, err := f.svc.ReconcileDeposit(context.Background(), "dep_unknown", f.account.ID, decimal.NewFromInt(100), true)
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestReconcileAmountMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	intent, err := f.svc.InitiateDeposit(ctx, f.account.ID, decimal.NewFromInt(500), "stripe")
	require.NoError(t, err)

	_, err = f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(400), true)
	require.ErrorIs(t, err, ErrAmountMismatch)

	// The intent stays open and the balance untouched.
	got, err := f.svc.GetDeposit(ctx, f.account.ID, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusPending, got.Status)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())

	// A later callback with the right amount still succeeds.
	done, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), true)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusCompleted, done.Status)
}

func TestReconcileAccountMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	intent, err := f.svc.InitiateDeposit(ctx, f.account.ID, decimal.NewFromInt(500), "stripe")
	require.NoError(t, err)

	// A callback naming another account must not credit the intent.
	_, err = f.svc.ReconcileDeposit(ctx, intent.ProviderReference, uuid.New(), decimal.NewFromInt(500), true)
	require.ErrorIs(t, err, ErrAccountMismatch)

	got, err := f.svc.GetDeposit(ctx, f.account.ID, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusPending, got.Status)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())

	// The right account still reconciles afterwards.
	done, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), true)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusCompleted, done.Status)
}

func TestReconcileProviderFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	intent, err := f.svc.InitiateDeposit(ctx, f.account.ID, decimal.NewFromInt(500), "stripe")
	require.NoError(t, err)

	failed, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), false)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusFailed, failed.Status)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())

	// A success callback after the failure cannot reopen the intent.
	_, err = f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), true)
	require.ErrorIs(t, err, ErrIntentClosed)

	// A repeated failure callback is a no-op.
	again, err := f.svc.ReconcileDeposit(ctx, intent.ProviderReference, f.account.ID, decimal.NewFromInt(500), false)
	require.NoError(t, err)
	assert.Equal(t, models.DepositStatusFailed, again.Status)
}

func TestInitiateDepositValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.InitiateDeposit(ctx, f.account.ID, decimal.Zero, "stripe")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.InitiateDeposit(ctx, uuid.New(), decimal.NewFromInt(10), "stripe")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
