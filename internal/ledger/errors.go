package ledger

import "errors"

// Business rejections returned to callers as typed failures. The API layer
// maps these to user-facing responses; they are never retried.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountNotFound    = errors.New("account not found")
	ErrHoldingNotFound    = errors.New("holding not found")
	ErrAlreadySettled     = errors.New("transaction already settled")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Infrastructure-level conditions retried with bounded backoff.
var (
	ErrDeadlockDetected    = errors.New("deadlock detected")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if errors.Is(err, ErrDeadlockDetected) || errors.Is(err, ErrConcurrencyConflict) {
		return true
	}
	return isDeadlockError(err)
}

// isDeadlockError checks for database-level deadlock/serialization failures
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"deadlock detected",
		"could not serialize access",
		"lock_timeout",
		"lock not available",
		"database is locked",
	} {
		if containsIgnoreCase(msg, s) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	s, substr = toLower(s), toLower(substr)
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 32
		}
	}
	return string(b)
}
