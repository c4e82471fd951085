package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finvex/brokerage/pkg/models"
)

type mutationKind int

const (
	mutationDebit mutationKind = iota
	mutationCredit
	mutationAdjustHolding
	mutationCreateTransaction
	mutationSettleTransaction
)

// Mutation is one step of an atomic ledger application. A small ordered
// list of mutations either fully applies or has no effect.
type Mutation struct {
	kind mutationKind

	amount decimal.Decimal // debit/credit

	symbol      string          // holding adjustment
	deltaShares decimal.Decimal // positive buys, negative sells
	fillPrice   decimal.Decimal // cost-basis input for buys

	transaction *models.Transaction // create

	settleID     uuid.UUID // settle
	settleStatus string
}

// DebitBalance removes cash from the account. Fails the whole application
// with ErrInsufficientFunds if the balance would go negative.
func DebitBalance(amount decimal.Decimal) Mutation {
	return Mutation{kind: mutationDebit, amount: amount}
}

// CreditBalance adds cash to the account.
func CreditBalance(amount decimal.Decimal) Mutation {
	return Mutation{kind: mutationCredit, amount: amount}
}

// AdjustHolding changes a position by deltaShares. Positive deltas create
// the holding on first buy and recompute the weighted average price from
// fillPrice; negative deltas leave the average price untouched and fail
// with ErrInsufficientShares if shares would go negative. A holding that
// reaches exactly zero shares is removed.
func AdjustHolding(symbol string, deltaShares, fillPrice decimal.Decimal) Mutation {
	return Mutation{kind: mutationAdjustHolding, symbol: symbol, deltaShares: deltaShares, fillPrice: fillPrice}
}

// CreateTransaction persists a transaction row in the same atomic unit.
func CreateTransaction(tx *models.Transaction) Mutation {
	return Mutation{kind: mutationCreateTransaction, transaction: tx}
}

// SettleTransaction moves a pending transaction to the given terminal
// status. A transaction that already reached a terminal status fails the
// application with ErrAlreadySettled.
func SettleTransaction(id uuid.UUID, status string) Mutation {
	return Mutation{kind: mutationSettleTransaction, settleID: id, settleStatus: status}
}

// Result is the post-commit state returned by ApplyAtomic.
type Result struct {
	Account     *models.Account
	Holding     *models.Holding // set when the application touched a holding; nil if the holding was removed
	Transaction *models.Transaction
	Replayed    bool // true when the idempotency key matched a previous application
}
