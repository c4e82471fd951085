// Package notify delivers out-of-band messages (confirmation codes,
// verification alerts) to a user's registered channel. Delivery is
// fire-and-forget with a small bounded retry: at-least-once, never
// blocking the caller.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"go.uber.org/zap"
)

// Message kinds emitted by the withdrawal verification flow.
const (
	KindConfirmationCode = "confirmation_code"
	KindTwoFactorPrompt  = "two_factor_prompt"
	KindQuestionPrompt   = "security_question_prompt"
	KindWithdrawalResult = "withdrawal_result"
)

// Message is one out-of-band notification.
type Message struct {
	Recipient string
	Kind      string
	Subject   string
	Body      string
}

// Notifier delivers a message to the user's registered channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Send dispatches msg on a background goroutine with bounded retry. The
// caller never waits on delivery.
func Send(logger *zap.Logger, n Notifier, msg Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var err error
		delay := time.Second
		for attempt := 0; attempt < 3; attempt++ {
			if err = n.Notify(ctx, msg); err == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		logger.Error("Notification delivery failed",
			zap.String("kind", msg.Kind),
			zap.String("recipient", msg.Recipient),
			zap.Error(err))
	}()
}

// EmailConfig configures the SMTP notifier.
type EmailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
}

// EmailNotifier delivers messages over SMTP.
type EmailNotifier struct {
	cfg    EmailConfig
	logger *zap.Logger
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(logger *zap.Logger, cfg EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, logger: logger}
}

// Notify sends msg as a plain-text email.
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.cfg.FromAddress, msg.Recipient, msg.Subject, msg.Body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, n.cfg.FromAddress, []string{msg.Recipient}, []byte(body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	n.logger.Debug("Notification sent",
		zap.String("kind", msg.Kind),
		zap.String("recipient", msg.Recipient))
	return nil
}

// LogNotifier writes notifications to the log. It stands in for a real
// channel in development and tests.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.Info("Notification",
		zap.String("kind", msg.Kind),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject))
	return nil
}
