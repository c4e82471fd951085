package withdrawal

import "errors"

var (
	ErrRequestNotFound      = errors.New("withdrawal request not found")
	ErrInvalidState         = errors.New("withdrawal request is not awaiting verification")
	ErrVerificationExpired  = errors.New("verification window expired")
	ErrVerificationMismatch = errors.New("verification value does not match")
	ErrMaxAttemptsExceeded  = errors.New("maximum verification attempts exceeded")
	ErrWrongMethod          = errors.New("verification method not valid for this tier")
	ErrNotEnrolled          = errors.New("no verifier enrolled for this tier")
	ErrInvalidAmount        = errors.New("invalid withdrawal amount")
)
