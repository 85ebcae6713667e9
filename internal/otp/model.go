package otp

import (
	"errors"
	"time"
)

var (
	ErrNoChallenge     = errors.New("no active verification code")
	ErrExpired         = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrCodeMismatch    = errors.New("verification code does not match")
)

// Challenge is a live one-time code for a phone. At most one exists per phone.
type Challenge struct {
	Phone        string    `json:"phone"`
	Code         string    `json:"code"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type Reason string

const (
	ReasonVerified        Reason = "verified"
	ReasonNoChallenge     Reason = "no_challenge"
	ReasonExpired         Reason = "expired"
	ReasonTooManyAttempts Reason = "too_many_attempts"
	ReasonMismatch        Reason = "mismatch"
)

// Result is the outcome of a code submission.
type Result struct {
	Valid             bool
	Reason            Reason
	RemainingAttempts int
}

// Err maps a failed result onto the package sentinel errors.
func (r Result) Err() error {
	switch r.Reason {
	case ReasonVerified:
		return nil
	case ReasonNoChallenge:
		return ErrNoChallenge
	case ReasonExpired:
		return ErrExpired
	case ReasonTooManyAttempts:
		return ErrTooManyAttempts
	default:
		return ErrCodeMismatch
	}
}
