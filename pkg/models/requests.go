package models

import (
	"github.com/shopspring/decimal"
)

// OrderRequest represents an order placement request
type OrderRequest struct {
	AccountID  string           `json:"account_id" binding:"required,uuid"`
	Side       string           `json:"side" binding:"required,oneof=buy sell"`
	Symbol     string           `json:"symbol" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity" binding:"required"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// WithdrawalInitiateRequest represents a withdrawal initiation request
type WithdrawalInitiateRequest struct {
	AccountID string          `json:"account_id" binding:"required,uuid"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Method    string          `json:"method" binding:"required"`
}

// VerificationRequest carries one verification value for a withdrawal:
// the out-of-band code, a TOTP code, or a security answer, per tier.
type VerificationRequest struct {
	AccountID string `json:"account_id" binding:"required,uuid"`
	Tier      string `json:"tier" binding:"required,oneof=standard two_factor security_question"`
	Value     string `json:"value" binding:"required"`
}

// DepositInitiateRequest represents a deposit initiation request
type DepositInitiateRequest struct {
	AccountID string          `json:"account_id" binding:"required,uuid"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Provider  string          `json:"provider" binding:"required"`
}

// DepositWebhookRequest is the payment-provider callback payload.
type DepositWebhookRequest struct {
	ProviderReference string          `json:"provider_reference" binding:"required"`
	AccountID         string          `json:"account_id" binding:"required,uuid"`
	Amount            decimal.Decimal `json:"amount" binding:"required"`
	Status            string          `json:"status" binding:"required,oneof=succeeded failed"`
}

// TOTPEnrollRequest enrolls an authenticator for the two-factor tier.
type TOTPEnrollRequest struct {
	AccountID string `json:"account_id" binding:"required,uuid"`
	Email     string `json:"email" binding:"required,email"`
}

// QuestionEnrollRequest enrolls a secret question for the high-risk tier.
type QuestionEnrollRequest struct {
	AccountID string `json:"account_id" binding:"required,uuid"`
	Question  string `json:"question" binding:"required,max=200"`
	Answer    string `json:"answer" binding:"required,max=200"`
}
