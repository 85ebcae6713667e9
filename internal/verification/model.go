package verification

import (
	"errors"
	"strings"
)

var (
	ErrVerificationFailed  = errors.New("verification failed")
	ErrNotificationFailure = errors.New("verification code could not be delivered")
	ErrEscalateToHuman     = errors.New("verification attempts exhausted, escalate to a human")
)

// Level is the trust established for a caller.
type Level int

const (
	LevelNone     Level = 0 // new patient, nothing asserted
	Level1        Level = 1 // identity asserted, read-only access to existing bookings
	Level2        Level = 2 // identity proven, may change existing bookings
	LevelEscalate Level = 3
)

type Action string

const (
	ActionBookNew    Action = "book_new"
	ActionLookup     Action = "lookup_appointment"
	ActionCancel     Action = "cancel_appointment"
	ActionReschedule Action = "reschedule_appointment"
)

// RequiredLevel maps an action to the trust it needs. Unknown actions are
// treated as sensitive.
func RequiredLevel(a Action) Level {
	switch a {
	case ActionBookNew:
		return LevelNone
	case ActionLookup:
		return Level1
	default:
		return Level2
	}
}

// Credentials are the identity claims offered by a caller. Empty fields were
// not provided.
type Credentials struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Result is a transient verification decision.
type Result struct {
	Verified           bool     `json:"verified"`
	Level              Level    `json:"level"`
	RequiresOTP        bool     `json:"requires_otp"`
	RequiresEscalation bool     `json:"requires_escalation"`
	MissingFields      []string `json:"missing_fields,omitempty"`
	ErrorMessage       string   `json:"error_message,omitempty"`
}

// Err maps an unsuccessful result onto the package sentinels.
func (r Result) Err() error {
	switch {
	case r.Verified:
		return nil
	case r.RequiresEscalation:
		return ErrEscalateToHuman
	default:
		return ErrVerificationFailed
	}
}

func escalated() Result {
	return Result{
		Level:              LevelEscalate,
		RequiresEscalation: true,
		ErrorMessage:       "For security, I'll transfer you to the front desk.",
	}
}

// sameText compares two values ignoring case and all whitespace.
func sameText(a, b string) bool {
	return squash(a) == squash(b)
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func present(s string) bool {
	return strings.TrimSpace(s) != ""
}

// Error carries an unsuccessful Result to callers that need an error value.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	if e.Result.ErrorMessage != "" {
		return e.Result.Err().Error() + ": " + e.Result.ErrorMessage
	}
	return e.Result.Err().Error()
}

func (e *Error) Unwrap() error { return e.Result.Err() }
