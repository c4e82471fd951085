package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account statuses
const (
	AccountStatusActive = "active"
	AccountStatusLocked = "locked"
)

// Transaction types
const (
	TransactionTypeBuy        = "buy"
	TransactionTypeSell       = "sell"
	TransactionTypeDeposit    = "deposit"
	TransactionTypeWithdrawal = "withdrawal"
)

// Transaction statuses. Pending is the only non-terminal status; a
// transaction transitions out of it exactly once.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
	TransactionStatusCancelled = "cancelled"
)

// Withdrawal verification tiers, selected once by amount.
const (
	TierStandard         = "standard"
	TierTwoFactor        = "two_factor"
	TierSecurityQuestion = "security_question"
)

// Withdrawal request states
const (
	WithdrawalStateInitial                  = "initial"
	WithdrawalStateTierSelected             = "tier_selected"
	WithdrawalStateStandardCodeSent         = "standard_code_sent"
	WithdrawalStateTwoFactorRequired        = "two_factor_required"
	WithdrawalStateSecurityQuestionRequired = "security_question_required"
	WithdrawalStateConfirmed                = "confirmed"
	WithdrawalStateCompleted                = "completed"
	WithdrawalStateFailed                   = "failed"
)

// Deposit intent statuses
const (
	DepositStatusPending   = "pending"
	DepositStatusCompleted = "completed"
	DepositStatusFailed    = "failed"
)

// Account represents a user's cash account in a single currency.
// Balance is mutated only through the ledger's atomic update and is
// never negative at a committed state.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OwnerID   uuid.UUID       `json:"owner_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,8)"`
	Currency  string          `json:"currency" validate:"required"`
	Status    string          `json:"status" gorm:"default:active" validate:"required,oneof=active locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Holding represents a position (shares plus cost basis) in one symbol.
// Created on first buy, removed when shares reach zero.
type Holding struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID    uuid.UUID       `json:"account_id" gorm:"type:uuid;index:idx_holding_account_symbol,unique" validate:"required,uuid"`
	Symbol       string          `json:"symbol" gorm:"index:idx_holding_account_symbol,unique" validate:"required"`
	Shares       decimal.Decimal `json:"shares" gorm:"type:decimal(32,8)"`
	AveragePrice decimal.Decimal `json:"average_price" gorm:"type:decimal(32,8)"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction records a single money or share movement against an account.
type Transaction struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID   uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Type        string          `json:"type" validate:"required,oneof=buy sell deposit withdrawal"`
	Symbol      string          `json:"symbol,omitempty" gorm:"index"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(32,8)"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,8)"`
	Total       decimal.Decimal `json:"total" gorm:"type:decimal(32,8)"`
	Status      string          `json:"status" validate:"required,oneof=pending completed failed cancelled"`
	Description string          `json:"description,omitempty" validate:"omitempty,max=500"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the transaction has reached a terminal status.
func (t *Transaction) Terminal() bool {
	return t.Status != TransactionStatusPending
}

// WithdrawalRequest tracks a withdrawal through its verification tiers.
// ConfirmationCode holds a SHA-256 hash of the out-of-band code, never the
// plain code. CodeVerified and AnswerVerified record the two legs of the
// cumulative security-question tier, which may arrive in either order.
type WithdrawalRequest struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID        uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Amount           decimal.Decimal `json:"amount" gorm:"type:decimal(32,8)"`
	Method           string          `json:"method" validate:"required"`
	Tier             string          `json:"tier" validate:"required,oneof=standard two_factor security_question"`
	State            string          `json:"state" validate:"required"`
	ConfirmationCode string          `json:"-" gorm:"column:confirmation_code"`
	CodeVerified     bool            `json:"code_verified"`
	AnswerVerified   bool            `json:"answer_verified"`
	Attempts         int             `json:"attempts"`
	ExpiresAt        time.Time       `json:"expires_at"`
	TransactionID    *uuid.UUID      `json:"transaction_id,omitempty" gorm:"type:uuid"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TerminalState reports whether the request can transition no further.
func (w *WithdrawalRequest) TerminalState() bool {
	return w.State == WithdrawalStateCompleted || w.State == WithdrawalStateFailed
}

// Expired reports whether the request's verification window has passed.
func (w *WithdrawalRequest) Expired(now time.Time) bool {
	return !w.TerminalState() && now.After(w.ExpiresAt)
}

// DepositIntent is the pending record a payment-provider callback
// reconciles against. ProviderReference is the idempotency handle.
type DepositIntent struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID         uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	ProviderReference string          `json:"provider_reference" gorm:"uniqueIndex" validate:"required"`
	Provider          string          `json:"provider"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(32,8)"`
	Status            string          `json:"status" validate:"required,oneof=pending completed failed"`
	TransactionID     *uuid.UUID      `json:"transaction_id,omitempty" gorm:"type:uuid"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// VerifierEnrollment holds an account's previously enrolled second factors:
// a TOTP secret for the two-factor tier and a secret question with a bcrypt
// answer hash for the security-question tier.
type VerifierEnrollment struct {
	AccountID        uuid.UUID `json:"account_id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	TOTPSecret       string    `json:"-" gorm:"column:totp_secret"`
	SecurityQuestion string    `json:"security_question"`
	AnswerHash       string    `json:"-" gorm:"column:answer_hash"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IdempotencyRecord dedupes ledger mutations. Key is caller supplied; a
// replay with the same key returns the recorded transaction untouched.
type IdempotencyRecord struct {
	Key                 string    `json:"key" gorm:"primaryKey"`
	AccountID           uuid.UUID `json:"account_id" gorm:"type:uuid;index"`
	ResultTransactionID uuid.UUID `json:"result_transaction_id" gorm:"type:uuid"`
	CreatedAt           time.Time `json:"created_at"`
}
