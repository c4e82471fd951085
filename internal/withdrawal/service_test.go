package withdrawal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/finvex/brokerage/internal/config"
	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/notify"
	"github.com/finvex/brokerage/pkg/models"
)

// recordingNotifier captures messages so tests can read the codes that
// would go out of band.
type recordingNotifier struct {
	ch chan notify.Message
}

func (r *recordingNotifier) Notify(ctx context.Context, msg notify.Message) error {
	r.ch <- msg
	return nil
}

// waitFor returns the next captured message of the given kind.
func (r *recordingNotifier) waitFor(t *testing.T, kind string) notify.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.ch:
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s notification received", kind)
		}
	}
}

// codeFrom extracts the confirmation code from a captured message body.
func codeFrom(msg notify.Message) string {
	fields := strings.Fields(msg.Body)
	return fields[len(fields)-1]
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	ledger   *ledger.Service
	notifier *recordingNotifier
	account  *models.Account
}

func testConfig() config.WithdrawalConfig {
	return config.WithdrawalConfig{
		LargeThreshold:    decimal.NewFromInt(10000),
		HighRiskThreshold: decimal.NewFromInt(50000),
		VerificationTTL:   15 * time.Minute,
		MaxAttempts:       3,
		CodeLength:        6,
		TOTPIssuer:        "brokerage-test",
	}
}

func setup(t *testing.T, balance string) *fixture {
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
		&models.WithdrawalRequest{},
		&models.VerifierEnrollment{},
		&models.IdempotencyRecord{},
	))

	ledgerSvc, err := ledger.NewService(zap.NewNop(), db)
	require.NoError(t, err)

	notifier := &recordingNotifier{ch: make(chan notify.Message, 16)}
	svc, err := NewService(zap.NewNop(), db, ledgerSvc, notifier, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	account, err := ledgerSvc.CreateAccount(ctx, uuid.New(), "USD")
	require.NoError(t, err)
	_, err = ledgerSvc.ApplyAtomic(ctx, account.ID, "seed", []ledger.Mutation{
		ledger.CreditBalance(decimal.RequireFromString(balance)),
	})
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, ledger: ledgerSvc, notifier: notifier, account: account}
}

func TestTierSelection(t *testing.T) {
	f := setup(t, "100000")
	ctx := context.Background()

	// Higher tiers need enrollments.
	_, err := f.svc.EnrollTOTP(ctx, f.account.ID, "user@example.com")
	require.NoError(t, err)
	require.NoError(t, f.svc.EnrollSecurityQuestion(ctx, f.account.ID, "First pet?", "rex"))

	cases := []struct {
		amount string
		tier   string
	}{
		{"9999.99", models.TierStandard},
		{"10000", models.TierTwoFactor}, // threshold itself takes the stricter tier
		{"49999.99", models.TierTwoFactor},
		{"50000", models.TierSecurityQuestion},
		{"75000", models.TierSecurityQuestion},
	}
	for _, c := range cases {
		req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.RequireFromString(c.amount), "bank_transfer")
		require.NoError(t, err, c.amount)
		assert.Equal(t, c.tier, req.Tier, "amount %s", c.amount)
	}
}

func TestStandardFlow(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, models.TierStandard, req.Tier)
	assert.Equal(t, models.WithdrawalStateStandardCodeSent, req.State)
	require.NotNil(t, req.TransactionID)

	code := codeFrom(f.notifier.waitFor(t, notify.KindConfirmationCode))
	require.Len(t, code, 6)

	done, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, code)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateCompleted, done.State)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(900)), "balance %s", account.Balance)

	tx, err := f.ledger.GetTransaction(ctx, *req.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
}

func TestWrongCodeBurnsAttempts(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)

	for i := 1; i < testConfig().MaxAttempts; i++ {
		got, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, "000000")
		require.ErrorIs(t, err, ErrVerificationMismatch)
		assert.Equal(t, i, got.Attempts)
	}

	got, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, "000000")
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	assert.Equal(t, models.WithdrawalStateFailed, got.State)

	// Funds never moved and the transaction reflects the failure.
	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(1000)))

	tx, err := f.ledger.GetTransaction(ctx, *req.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)

	// The request is closed for good.
	_, err = f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, "000000")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentWrongGuessesShareBudget(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)

	// Many simultaneous wrong guesses must consume exactly the configured
	// budget, not race past it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, "not-a-code")
		}()
	}
	wg.Wait()

	got, err := f.svc.GetWithdrawal(ctx, f.account.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateFailed, got.State)
	assert.Equal(t, testConfig().MaxAttempts, got.Attempts)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestTwoFactorFlow(t *testing.T) {
	f := setup(t, "20000")
	ctx := context.Background()

	enrollment, err := f.svc.EnrollTOTP(ctx, f.account.ID, "user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.URL, "otpauth://")

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(15000), "bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, models.TierTwoFactor, req.Tier)
	assert.Equal(t, models.WithdrawalStateTwoFactorRequired, req.State)

	// The submitted code must come from the enrolled authenticator, not
	// an out-of-band message.
	_, err = f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierTwoFactor, "123456")
	require.ErrorIs(t, err, ErrVerificationMismatch)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	done, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierTwoFactor, code)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateCompleted, done.State)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(5000)), "balance %s", account.Balance)
}

func TestTwoFactorRequiresEnrollment(t *testing.T) {
	f := setup(t, "20000")

	_, err := f.svc.InitiateWithdrawal(context.Background(), f.account.ID, decimal.NewFromInt(15000), "bank_transfer")
	require.ErrorIs(t, err, ErrNotEnrolled)
}

func TestSecurityQuestionCumulative(t *testing.T) {
	f := setup(t, "100000")
	ctx := context.Background()

	require.NoError(t, f.svc.EnrollSecurityQuestion(ctx, f.account.ID, "First pet?", "Rex"))

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(60000), "bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, models.TierSecurityQuestion, req.Tier)
	assert.Equal(t, models.WithdrawalStateSecurityQuestionRequired, req.State)

	code := codeFrom(f.notifier.waitFor(t, notify.KindConfirmationCode))

	// Answer leg first; casing and whitespace are forgiven.
	mid, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierSecurityQuestion, "  rex ")
	require.NoError(t, err)
	assert.True(t, mid.AnswerVerified)
	assert.False(t, mid.TerminalState(), "one leg alone must not settle")

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100000)), "no debit before both legs")

	// Code leg completes the pair and settles.
	done, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, code)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateCompleted, done.State)

	account, err = f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(40000)), "balance %s", account.Balance)
}

func TestSecurityQuestionWrongAnswer(t *testing.T) {
	f := setup(t, "100000")
	ctx := context.Background()

	require.NoError(t, f.svc.EnrollSecurityQuestion(ctx, f.account.ID, "First pet?", "rex"))

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(60000), "bank_transfer")
	require.NoError(t, err)

	got, err := f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierSecurityQuestion, "fido")
	require.ErrorIs(t, err, ErrVerificationMismatch)
	assert.Equal(t, 1, got.Attempts)
}

func TestWrongMethodForTier(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)

	_, err = f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierTwoFactor, "123456")
	require.ErrorIs(t, err, ErrWrongMethod)

	// A wrong method is not a failed attempt.
	got, err := f.svc.GetWithdrawal(ctx, f.account.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
}

func TestExpiryIsLazy(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	req, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)
	code := codeFrom(f.notifier.waitFor(t, notify.KindConfirmationCode))

	// Push the window into the past.
	require.NoError(t, f.db.Model(&models.WithdrawalRequest{}).
		Where("id = ?", req.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, err = f.svc.SubmitVerification(ctx, f.account.ID, req.ID, models.TierStandard, code)
	require.ErrorIs(t, err, ErrVerificationExpired)

	got, err := f.svc.GetWithdrawal(ctx, f.account.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateFailed, got.State)

	tx, err := f.ledger.GetTransaction(ctx, *req.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestSweepExpired(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	first, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(100), "bank_transfer")
	require.NoError(t, err)
	second, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(200), "bank_transfer")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.WithdrawalRequest{}).
		Where("id = ?", first.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetWithdrawal(ctx, f.account.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateFailed, got.State)

	got, err = f.svc.GetWithdrawal(ctx, f.account.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStateStandardCodeSent, got.State)
}

func TestInitiateValidation(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	_, err := f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.Zero, "bank_transfer")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.InitiateWithdrawal(ctx, f.account.ID, decimal.NewFromInt(2000), "bank_transfer")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = f.svc.InitiateWithdrawal(ctx, uuid.New(), decimal.NewFromInt(10), "bank_transfer")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestReEnrollTOTPReplacesSecret(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()

	first, err := f.svc.EnrollTOTP(ctx, f.account.ID, "user@example.com")
	require.NoError(t, err)
	second, err := f.svc.EnrollTOTP(ctx, f.account.ID, "user@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)

	var enrollment models.VerifierEnrollment
	require.NoError(t, f.db.Where("account_id = ?", f.account.ID).First(&enrollment).Error)
	assert.Equal(t, second.Secret, enrollment.TOTPSecret)
}
