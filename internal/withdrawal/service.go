// Package withdrawal implements amount-tiered verification of withdrawal
// requests. The tier is chosen once at initiation from the amount and
// never re-derived; funds only move when the tier's verification is
// complete, through the ledger's atomic primitive.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/finvex/brokerage/internal/config"
	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/notify"
	"github.com/finvex/brokerage/pkg/metrics"
	"github.com/finvex/brokerage/pkg/models"
)

// TOTPEnrollment is returned from EnrollTOTP so the caller can provision
// an authenticator app. The secret is not retrievable afterwards.
type TOTPEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// WithdrawalService drives withdrawal requests through tier selection,
// verification and settlement.
type WithdrawalService interface {
	InitiateWithdrawal(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, method string) (*models.WithdrawalRequest, error)
	SubmitVerification(ctx context.Context, accountID, requestID uuid.UUID, method, value string) (*models.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, accountID, requestID uuid.UUID) (*models.WithdrawalRequest, error)
	EnrollTOTP(ctx context.Context, accountID uuid.UUID, email string) (*TOTPEnrollment, error)
	EnrollSecurityQuestion(ctx context.Context, accountID uuid.UUID, question, answer string) error
	SweepExpired(ctx context.Context) (int, error)
}

// Service implements WithdrawalService.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   ledger.LedgerService
	notifier notify.Notifier
	cfg      config.WithdrawalConfig

	muMapLock sync.Mutex
	muMap     map[uuid.UUID]*sync.Mutex
}

// NewService creates a new WithdrawalService.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.LedgerService, notifier notify.Notifier, cfg config.WithdrawalConfig) (*Service, error) {
	if !cfg.LargeThreshold.LessThan(cfg.HighRiskThreshold) {
		return nil, fmt.Errorf("large threshold %s must be below high-risk threshold %s",
			cfg.LargeThreshold.String(), cfg.HighRiskThreshold.String())
	}
	return &Service{
		logger:   logger,
		db:       db,
		ledger:   ledgerSvc,
		notifier: notifier,
		cfg:      cfg,
		muMap:    make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// getRequestMutex returns the serialization mutex for one withdrawal
// request. Concurrent verification submissions against the same request
// funnel through it, keeping the attempt budget and the verified legs
// consistent.
func (s *Service) getRequestMutex(requestID uuid.UUID) *sync.Mutex {
	s.muMapLock.Lock()
	defer s.muMapLock.Unlock()
	mu, ok := s.muMap[requestID]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[requestID] = mu
	}
	return mu
}

// selectTier maps an amount to its verification tier. Boundaries are
// inclusive upward: an amount exactly at a threshold takes the stricter
// tier.
func (s *Service) selectTier(amount decimal.Decimal) string {
	switch {
	case amount.GreaterThanOrEqual(s.cfg.HighRiskThreshold):
		return models.TierSecurityQuestion
	case amount.GreaterThanOrEqual(s.cfg.LargeThreshold):
		return models.TierTwoFactor
	default:
		return models.TierStandard
	}
}

// InitiateWithdrawal validates the request, selects the verification tier
// from the amount, creates the pending withdrawal transaction and sends
// the out-of-band verification material. The returned request is already
// awaiting verification.
func (s *Service) InitiateWithdrawal(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, method string) (*models.WithdrawalRequest, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	if method == "" {
		method = "bank_transfer"
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status == models.AccountStatusLocked {
		return nil, ledger.ErrAccountLocked
	}

	amount = ledger.RoundToMinorUnit(amount, account.Currency)
	// Early feedback only; the authoritative funds check happens at the
	// settlement debit.
	if account.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			ledger.ErrInsufficientFunds, account.Balance.String(), amount.String())
	}

	tier := s.selectTier(amount)

	var enrollment models.VerifierEnrollment
	if tier != models.TierStandard {
		if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&enrollment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: tier %s", ErrNotEnrolled, tier)
			}
			return nil, fmt.Errorf("failed to load verifier enrollment: %w", err)
		}
		if tier == models.TierTwoFactor && enrollment.TOTPSecret == "" {
			return nil, fmt.Errorf("%w: no authenticator enrolled", ErrNotEnrolled)
		}
		if tier == models.TierSecurityQuestion && enrollment.AnswerHash == "" {
			return nil, fmt.Errorf("%w: no security question enrolled", ErrNotEnrolled)
		}
	}

	pending, err := s.ledger.CreatePending(ctx, &models.Transaction{
		AccountID:   accountID,
		Type:        models.TransactionTypeWithdrawal,
		Total:       amount,
		Description: method,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &models.WithdrawalRequest{
		ID:            uuid.New(),
		AccountID:     accountID,
		Amount:        amount,
		Method:        method,
		Tier:          tier,
		ExpiresAt:     now.Add(s.cfg.VerificationTTL),
		TransactionID: &pending.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var plainCode string
	switch tier {
	case models.TierStandard:
		req.State = models.WithdrawalStateStandardCodeSent
	case models.TierTwoFactor:
		req.State = models.WithdrawalStateTwoFactorRequired
	case models.TierSecurityQuestion:
		req.State = models.WithdrawalStateSecurityQuestionRequired
	}
	if tier != models.TierTwoFactor {
		plainCode, err = generateCode(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		req.ConfirmationCode = hashCode(plainCode)
	}

	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	s.sendVerificationPrompts(account, req, plainCode, enrollment.SecurityQuestion)

	metrics.WithdrawalsInitiated.WithLabelValues(tier).Inc()
	s.logger.Info("Withdrawal initiated",
		zap.String("account_id", accountID.String()),
		zap.String("request_id", req.ID.String()),
		zap.String("tier", tier),
		zap.String("amount", amount.String()),
		zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

func (s *Service) sendVerificationPrompts(account *models.Account, req *models.WithdrawalRequest, plainCode, question string) {
	recipient := account.OwnerID.String()
	switch req.Tier {
	case models.TierStandard:
		notify.Send(s.logger, s.notifier, notify.Message{
			Recipient: recipient,
			Kind:      notify.KindConfirmationCode,
			Subject:   "Confirm your withdrawal",
			Body:      fmt.Sprintf("Your withdrawal confirmation code is %s", plainCode),
		})
	case models.TierTwoFactor:
		notify.Send(s.logger, s.notifier, notify.Message{
			Recipient: recipient,
			Kind:      notify.KindTwoFactorPrompt,
			Subject:   "Two-factor verification required",
			Body:      fmt.Sprintf("A withdrawal of %s requires your authenticator code", req.Amount.String()),
		})
	case models.TierSecurityQuestion:
		notify.Send(s.logger, s.notifier, notify.Message{
			Recipient: recipient,
			Kind:      notify.KindConfirmationCode,
			Subject:   "Confirm your withdrawal",
			Body:      fmt.Sprintf("Your withdrawal confirmation code is %s", plainCode),
		})
		notify.Send(s.logger, s.notifier, notify.Message{
			Recipient: recipient,
			Kind:      notify.KindQuestionPrompt,
			Subject:   "Security question required",
			Body:      fmt.Sprintf("A withdrawal of %s also requires your answer to: %s", req.Amount.String(), question),
		})
	}
}

// SubmitVerification checks one verification value against the request's
// tier. The standard tier needs the out-of-band code; the two-factor tier
// a TOTP code; the security-question tier both the code and the answer,
// in either order. Completing verification settles the withdrawal.
func (s *Service) SubmitVerification(ctx context.Context, accountID, requestID uuid.UUID, method, value string) (*models.WithdrawalRequest, error) {
	mu := s.getRequestMutex(requestID)
	mu.Lock()
	defer mu.Unlock()

	req, err := s.loadRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}

	if req.TerminalState() || req.State == models.WithdrawalStateConfirmed {
		return req, fmt.Errorf("%w: state %s", ErrInvalidState, req.State)
	}
	if req.Expired(time.Now()) {
		s.failRequest(ctx, req, "verification window expired")
		return req, ErrVerificationExpired
	}

	ok, err := s.checkValue(ctx, req, method, value)
	if err != nil {
		return req, err
	}
	if !ok {
		// Counted in the database so concurrent submissions cannot
		// undercount the budget.
		req.UpdatedAt = time.Now()
		res := s.db.WithContext(ctx).Model(req).Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + ?", 1),
			"updated_at": req.UpdatedAt,
		})
		if res.Error != nil {
			return req, fmt.Errorf("failed to record verification attempt: %w", res.Error)
		}
		if req, err = s.loadRequest(ctx, accountID, requestID); err != nil {
			return nil, err
		}
		if req.Attempts >= s.cfg.MaxAttempts {
			s.failRequest(ctx, req, "maximum verification attempts exceeded")
			return req, ErrMaxAttemptsExceeded
		}
		s.logger.Warn("Verification mismatch",
			zap.String("request_id", req.ID.String()),
			zap.String("method", method),
			zap.Int("attempts", req.Attempts))
		return req, ErrVerificationMismatch
	}

	if !s.fullyVerified(req) {
		// Security-question tier with one leg done: persist progress and
		// keep waiting for the other leg. Only the legs that passed are
		// written, so a concurrent submission cannot clear the other one.
		updates := map[string]interface{}{"updated_at": time.Now()}
		if req.CodeVerified {
			updates["code_verified"] = true
		}
		if req.AnswerVerified {
			updates["answer_verified"] = true
		}
		if err := s.db.WithContext(ctx).Model(req).Updates(updates).Error; err != nil {
			return req, fmt.Errorf("failed to record verification progress: %w", err)
		}
		return req, nil
	}

	return s.confirmAndSettle(ctx, req)
}

// checkValue verifies one submitted value. A bool false means a mismatch
// that should burn an attempt; an error means the submission itself was
// invalid for this request.
func (s *Service) checkValue(ctx context.Context, req *models.WithdrawalRequest, method, value string) (bool, error) {
	switch req.Tier {
	case models.TierStandard:
		if method != models.TierStandard {
			return false, fmt.Errorf("%w: tier %s expects the confirmation code", ErrWrongMethod, req.Tier)
		}
		if !codeMatches(req.ConfirmationCode, value) {
			return false, nil
		}
		req.CodeVerified = true
		return true, nil

	case models.TierTwoFactor:
		if method != models.TierTwoFactor {
			return false, fmt.Errorf("%w: tier %s expects a TOTP code", ErrWrongMethod, req.Tier)
		}
		enrollment, err := s.loadEnrollment(ctx, req.AccountID)
		if err != nil {
			return false, err
		}
		if !totp.Validate(value, enrollment.TOTPSecret) {
			return false, nil
		}
		req.CodeVerified = true
		return true, nil

	case models.TierSecurityQuestion:
		switch method {
		case models.TierStandard:
			if req.CodeVerified {
				return true, nil
			}
			if !codeMatches(req.ConfirmationCode, value) {
				return false, nil
			}
			req.CodeVerified = true
			return true, nil
		case models.TierSecurityQuestion:
			if req.AnswerVerified {
				return true, nil
			}
			enrollment, err := s.loadEnrollment(ctx, req.AccountID)
			if err != nil {
				return false, err
			}
			if bcrypt.CompareHashAndPassword([]byte(enrollment.AnswerHash), []byte(normalizeAnswer(value))) != nil {
				return false, nil
			}
			req.AnswerVerified = true
			return true, nil
		default:
			return false, fmt.Errorf("%w: tier %s expects the confirmation code or the security answer", ErrWrongMethod, req.Tier)
		}
	}
	return false, fmt.Errorf("unknown tier %q", req.Tier)
}

// fullyVerified reports whether every leg the tier requires has passed.
func (s *Service) fullyVerified(req *models.WithdrawalRequest) bool {
	if req.Tier == models.TierSecurityQuestion {
		return req.CodeVerified && req.AnswerVerified
	}
	return req.CodeVerified
}

// confirmAndSettle moves the request to confirmed and debits the funds.
// The debit and the transaction settlement commit together; a rejected
// debit fails the request without touching the balance.
func (s *Service) confirmAndSettle(ctx context.Context, req *models.WithdrawalRequest) (*models.WithdrawalRequest, error) {
	req.State = models.WithdrawalStateConfirmed
	req.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(req).Error; err != nil {
		return req, fmt.Errorf("failed to confirm withdrawal request: %w", err)
	}

	_, err := s.ledger.ApplyAtomic(ctx, req.AccountID, "withdrawal:"+req.ID.String(), []ledger.Mutation{
		ledger.DebitBalance(req.Amount),
		ledger.SettleTransaction(*req.TransactionID, models.TransactionStatusCompleted),
	})
	if err != nil {
		s.failRequest(ctx, req, err.Error())
		return req, err
	}

	req.State = models.WithdrawalStateCompleted
	req.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(req).Error; err != nil {
		return req, fmt.Errorf("failed to complete withdrawal request: %w", err)
	}

	metrics.WithdrawalsSettled.WithLabelValues(models.WithdrawalStateCompleted).Inc()
	s.logger.Info("Withdrawal settled",
		zap.String("account_id", req.AccountID.String()),
		zap.String("request_id", req.ID.String()),
		zap.String("amount", req.Amount.String()))
	notify.Send(s.logger, s.notifier, notify.Message{
		Recipient: req.AccountID.String(),
		Kind:      notify.KindWithdrawalResult,
		Subject:   "Withdrawal completed",
		Body:      fmt.Sprintf("Your withdrawal of %s has been processed", req.Amount.String()),
	})
	return req, nil
}

// failRequest marks the request failed and settles its pending
// transaction. Best effort: a request already raced into a terminal
// transaction state is left as found.
func (s *Service) failRequest(ctx context.Context, req *models.WithdrawalRequest, reason string) {
	req.State = models.WithdrawalStateFailed
	req.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(req).Error; err != nil {
		s.logger.Error("Failed to mark withdrawal request failed",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
		return
	}
	if req.TransactionID != nil {
		if _, err := s.ledger.Settle(ctx, req.AccountID, *req.TransactionID, models.TransactionStatusFailed); err != nil &&
			!errors.Is(err, ledger.ErrAlreadySettled) {
			s.logger.Error("Failed to settle withdrawal transaction",
				zap.String("transaction_id", req.TransactionID.String()),
				zap.Error(err))
		}
	}
	metrics.WithdrawalsSettled.WithLabelValues(models.WithdrawalStateFailed).Inc()
	s.logger.Info("Withdrawal failed",
		zap.String("request_id", req.ID.String()),
		zap.String("reason", reason))
}

// GetWithdrawal returns one request, expiring it lazily: a request read
// past its window comes back already failed.
func (s *Service) GetWithdrawal(ctx context.Context, accountID, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	req, err := s.loadRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Expired(time.Now()) {
		s.failRequest(ctx, req, "verification window expired")
	}
	return req, nil
}

// SweepExpired fails every request whose verification window has passed.
// Lazy expiry on read already covers correctness; the sweep keeps the
// table and the pending transactions tidy.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	var expired []*models.WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("state NOT IN ? AND expires_at < ?",
			[]string{models.WithdrawalStateCompleted, models.WithdrawalStateFailed},
			time.Now()).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired withdrawal requests: %w", err)
	}
	for _, req := range expired {
		s.failRequest(ctx, req, "verification window expired")
	}
	return len(expired), nil
}

// EnrollTOTP provisions an authenticator secret for the two-factor tier.
// Re-enrolling replaces the previous secret.
func (s *Service) EnrollTOTP(ctx context.Context, accountID uuid.UUID, email string) (*TOTPEnrollment, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	if err := s.upsertEnrollment(ctx, accountID, func(e *models.VerifierEnrollment) {
		e.TOTPSecret = key.Secret()
	}); err != nil {
		return nil, err
	}
	s.logger.Info("TOTP enrolled", zap.String("account_id", accountID.String()))
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// EnrollSecurityQuestion stores a secret question with a bcrypt hash of
// the normalized answer for the high-risk tier.
func (s *Service) EnrollSecurityQuestion(ctx context.Context, accountID uuid.UUID, question, answer string) error {
	if question == "" || normalizeAnswer(answer) == "" {
		return fmt.Errorf("question and answer are required")
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(normalizeAnswer(answer)), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash security answer: %w", err)
	}
	if err := s.upsertEnrollment(ctx, accountID, func(e *models.VerifierEnrollment) {
		e.SecurityQuestion = question
		e.AnswerHash = string(hash)
	}); err != nil {
		return err
	}
	s.logger.Info("Security question enrolled", zap.String("account_id", accountID.String()))
	return nil
}

func (s *Service) upsertEnrollment(ctx context.Context, accountID uuid.UUID, apply func(*models.VerifierEnrollment)) error {
	var enrollment models.VerifierEnrollment
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		enrollment = models.VerifierEnrollment{AccountID: accountID, CreatedAt: time.Now()}
	} else if err != nil {
		return fmt.Errorf("failed to load verifier enrollment: %w", err)
	}
	apply(&enrollment)
	enrollment.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(&enrollment).Error; err != nil {
		return fmt.Errorf("failed to save verifier enrollment: %w", err)
	}
	return nil
}

func (s *Service) loadRequest(ctx context.Context, accountID, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", requestID, accountID).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to load withdrawal request: %w", err)
	}
	return &req, nil
}

func (s *Service) loadEnrollment(ctx context.Context, accountID uuid.UUID) (*models.VerifierEnrollment, error) {
	var enrollment models.VerifierEnrollment
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&enrollment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to load verifier enrollment: %w", err)
	}
	return &enrollment, nil
}
