// Package server exposes the brokerage over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finvex/brokerage/internal/cache"
	"github.com/finvex/brokerage/internal/config"
	"github.com/finvex/brokerage/internal/deposits"
	"github.com/finvex/brokerage/internal/ledger"
	"github.com/finvex/brokerage/internal/orders"
	"github.com/finvex/brokerage/internal/withdrawal"
)

// Server wires the HTTP API over the domain services.
type Server struct {
	logger      *zap.Logger
	cfg         config.ServerConfig
	engine      *gin.Engine
	httpServer  *http.Server
	ledger      ledger.LedgerService
	orders      orders.OrderService
	withdrawals withdrawal.WithdrawalService
	deposits    deposits.DepositService
	mirror      *cache.BalanceMirror // optional fast path for balance reads
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	ledgerSvc ledger.LedgerService,
	orderSvc orders.OrderService,
	withdrawalSvc withdrawal.WithdrawalService,
	depositSvc deposits.DepositService,
	mirror *cache.BalanceMirror,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		logger:      logger,
		cfg:         cfg,
		engine:      engine,
		ledger:      ledgerSvc,
		orders:      orderSvc,
		withdrawals: withdrawalSvc,
		deposits:    depositSvc,
		mirror:      mirror,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/accounts", s.handleCreateAccount)
		v1.GET("/accounts/:id", s.handleGetAccount)
		v1.GET("/accounts/:id/balance", s.handleGetBalance)
		v1.GET("/accounts/:id/holdings", s.handleGetHoldings)
		v1.GET("/accounts/:id/transactions", s.handleGetTransactions)

		v1.POST("/orders", s.handlePlaceOrder)
		v1.DELETE("/orders/:id", s.handleCancelOrder)

		v1.POST("/withdrawals", s.handleInitiateWithdrawal)
		v1.POST("/withdrawals/:id/verify", s.handleVerifyWithdrawal)
		v1.GET("/withdrawals/:id", s.handleGetWithdrawal)
		v1.POST("/withdrawals/enroll/totp", s.handleEnrollTOTP)
		v1.POST("/withdrawals/enroll/question", s.handleEnrollQuestion)

		v1.POST("/deposits", s.handleInitiateDeposit)
		v1.GET("/deposits/:id", s.handleGetDeposit)
		v1.POST("/webhooks/deposits", s.handleDepositWebhook)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
