package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finvex/brokerage/internal/deposits"
	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/orders"
	"github.com/finvex/brokerage/internal/quotes"
	"github.com/finvex/brokerage/internal/withdrawal"
	"github.com/finvex/brokerage/pkg/models"
)

// respondError maps domain sentinels onto HTTP statuses with a stable
// error body.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrHoldingNotFound),
		errors.Is(err, withdrawal.ErrRequestNotFound),
		errors.Is(err, deposits.ErrUnknownReference),
		errors.Is(err, quotes.ErrSymbolNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAccountLocked):
		status = http.StatusLocked
	case errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, withdrawal.ErrInvalidState),
		errors.Is(err, deposits.ErrIntentClosed),
		errors.Is(err, deposits.ErrAmountMismatch),
		errors.Is(err, deposits.ErrAccountMismatch):
		status = http.StatusConflict
	case errors.Is(err, withdrawal.ErrVerificationExpired):
		status = http.StatusGone
	case errors.Is(err, withdrawal.ErrVerificationMismatch):
		status = http.StatusUnauthorized
	case errors.Is(err, withdrawal.ErrMaxAttemptsExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, orders.ErrQuoteUnavailable),
		errors.Is(err, quotes.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, orders.ErrInvalidSide),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, withdrawal.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrWrongMethod),
		errors.Is(err, withdrawal.ErrNotEnrolled),
		errors.Is(err, deposits.ErrInvalidAmount):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id: " + raw})
		return uuid.Nil, false
	}
	return id, true
}

// accountIDQuery reads the required account_id query parameter.
func accountIDQuery(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Query("account_id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return uuid.Nil, false
	}
	return parseID(c, raw)
}

type createAccountRequest struct {
	OwnerID  string `json:"owner_id" binding:"required,uuid"`
	Currency string `json:"currency" binding:"required,len=3"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ownerID, ok := parseID(c, req.OwnerID)
	if !ok {
		return
	}
	account, err := s.ledger.CreateAccount(c.Request.Context(), ownerID, req.Currency)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	account, err := s.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleGetBalance serves balance reads through the mirror when one is
// wired, falling back to the ledger and refilling the mirror on a miss.
func (s *Server) handleGetBalance(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if s.mirror != nil {
		if balance, err := s.mirror.GetBalance(ctx, id); err == nil {
			c.JSON(http.StatusOK, gin.H{"account_id": id, "balance": balance, "source": "mirror"})
			return
		}
	}
	account, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if s.mirror != nil {
		s.mirror.StoreBalance(ctx, id, account.Balance)
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "balance": account.Balance, "source": "ledger"})
}

func (s *Server) handleGetHoldings(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	holdings, err := s.ledger.GetHoldings(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}

func (s *Server) handleGetTransactions(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	txs, total, err := s.ledger.GetTransactions(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	tx, err := s.orders.ExecuteOrder(c.Request.Context(), accountID, req.Side, req.Symbol, req.Quantity, req.LimitPrice)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	txID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	accountID, ok := accountIDQuery(c)
	if !ok {
		return
	}
	tx, err := s.orders.CancelOrder(c.Request.Context(), accountID, txID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) handleInitiateWithdrawal(c *gin.Context) {
	var req models.WithdrawalInitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	w, err := s.withdrawals.InitiateWithdrawal(c.Request.Context(), accountID, req.Amount, req.Method)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleVerifyWithdrawal(c *gin.Context) {
	requestID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req models.VerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	w, err := s.withdrawals.SubmitVerification(c.Request.Context(), accountID, requestID, req.Tier, req.Value)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleGetWithdrawal(c *gin.Context) {
	requestID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	accountID, ok := accountIDQuery(c)
	if !ok {
		return
	}
	w, err := s.withdrawals.GetWithdrawal(c.Request.Context(), accountID, requestID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleEnrollTOTP(c *gin.Context) {
	var req models.TOTPEnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	enrollment, err := s.withdrawals.EnrollTOTP(c.Request.Context(), accountID, req.Email)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, enrollment)
}

func (s *Server) handleEnrollQuestion(c *gin.Context) {
	var req models.QuestionEnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	if err := s.withdrawals.EnrollSecurityQuestion(c.Request.Context(), accountID, req.Question, req.Answer); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "enrolled"})
}

func (s *Server) handleInitiateDeposit(c *gin.Context) {
	var req models.DepositInitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, ok := parseID(c, req.AccountID)
	if !ok {
		return
	}
	intent, err := s.deposits.InitiateDeposit(c.Request.Context(), accountID, req.Amount, req.Provider)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (s *Server) handleGetDeposit(c *gin.Context) {
	intentID, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	accountID, ok := accountIDQuery(c)
	if !ok {
		return
	}
	intent, err := s.deposits.GetDeposit(c.Request.Context(), accountID, intentID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) handleDepositWebhook(c *gin.Context) {
	var req models.DepositWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	intent, err := s.deposits.ReconcileDeposit(c.Request.Context(), req.ProviderReference, accountID, req.Amount, req.Status == "succeeded")
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}
