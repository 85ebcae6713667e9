// Package verification decides whether a caller has proven enough identity
// for the action they are asking for.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/otp"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

const (
	DefaultMaxFailures = 3
	DefaultSessionTTL  = 30 * time.Minute
)

type PatientFinder interface {
	FindByPhone(ctx context.Context, phoneE164 string) (*patient.Patient, error)
}

type Challenger interface {
	Issue(ctx context.Context, phone string) (string, error)
	Verify(ctx context.Context, phone, code string) (otp.Result, error)
	Revoke(ctx context.Context, phone string) error
	TTL() time.Duration
}

type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

type Gate struct {
	patients    PatientFinder
	challenges  Challenger
	notifier    Notifier
	sessions    SessionStore
	maxFailures int
	logger      *logging.Logger
}

func NewGate(patients PatientFinder, challenges Challenger, notifier Notifier, sessions SessionStore, maxFailures int, logger *logging.Logger) *Gate {
	if sessions == nil {
		sessions = NewMemorySessionStore(DefaultSessionTTL)
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{
		patients:    patients,
		challenges:  challenges,
		notifier:    notifier,
		sessions:    sessions,
		maxFailures: maxFailures,
		logger:      logger,
	}
}

// attemptKey scopes the failure budget. Callers without a session are
// budgeted per phone.
func attemptKey(session, phone string) string {
	if session != "" {
		return session
	}
	if phone != "" {
		return "phone:" + phone
	}
	return "anonymous"
}

// Verify checks credentials against the trust level action requires. A
// failed result is not an error; only store failures are returned as errors.
func (g *Gate) Verify(ctx context.Context, session string, action Action, creds Credentials) (Result, error) {
	level := RequiredLevel(action)
	if level == LevelNone {
		return Result{Verified: true, Level: LevelNone}, nil
	}

	creds.Phone = patient.NormalizePhone(creds.Phone)
	key := attemptKey(session, creds.Phone)

	failures, err := g.sessions.Failures(ctx, key, action)
	if err != nil {
		return Result{}, err
	}
	if failures >= g.maxFailures {
		g.logger.Warn("verification escalated", "action", string(action), "failures", failures)
		return escalated(), nil
	}

	var (
		res     Result
		counted bool
	)
	if level == Level1 {
		res, counted, err = g.verifyLevel1(ctx, creds)
	} else {
		res, counted, err = g.verifyLevel2(ctx, session, creds)
	}
	if err != nil {
		return Result{}, err
	}
	if res.Verified || !counted {
		return res, nil
	}
	return g.recordFailure(ctx, key, action, res)
}

func (g *Gate) recordFailure(ctx context.Context, key string, action Action, res Result) (Result, error) {
	n, err := g.sessions.RecordFailure(ctx, key, action)
	if err != nil {
		return Result{}, err
	}
	// the failing attempt still gets its message; the next one escalates
	g.logger.Info("verification failed", "action", string(action), "failures", n)
	return res, nil
}

func (g *Gate) lookup(ctx context.Context, phone string) (*patient.Patient, error) {
	if phone == "" {
		return nil, nil
	}
	p, err := g.patients.FindByPhone(ctx, phone)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup patient for verification: %w", err)
	}
	return p, nil
}

// verifyLevel1 accepts first and last name together with either date of birth
// or phone. When the patient is on file every supplied value must match.
func (g *Gate) verifyLevel1(ctx context.Context, creds Credentials) (Result, bool, error) {
	var missing []string
	if !present(creds.FirstName) {
		missing = append(missing, "first name")
	}
	if !present(creds.LastName) {
		missing = append(missing, "last name")
	}
	if !present(creds.DateOfBirth) && creds.Phone == "" {
		missing = append(missing, "date of birth or phone number")
	}
	if len(missing) > 0 {
		return Result{
			Level:         Level1,
			MissingFields: missing,
			ErrorMessage:  fmt.Sprintf("Please provide your %s to verify your identity.", strings.Join(missing, " and ")),
		}, false, nil
	}

	stored, err := g.lookup(ctx, creds.Phone)
	if err != nil {
		return Result{}, false, err
	}
	if stored == nil {
		// nothing on file to contradict the claim
		return Result{Verified: true, Level: Level1}, false, nil
	}

	match := sameText(creds.FirstName, stored.FirstName) && sameText(creds.LastName, stored.LastName)
	if present(creds.DateOfBirth) {
		match = match && sameText(creds.DateOfBirth, stored.DateOfBirth)
	}
	if !match {
		return Result{
			Level:        Level1,
			ErrorMessage: "The information provided doesn't match our records.",
		}, true, nil
	}
	return Result{Verified: true, Level: Level1}, false, nil
}

// verifyLevel2 accepts phone with date of birth or email, or a phone this
// session already proved with a one-time code.
func (g *Gate) verifyLevel2(ctx context.Context, session string, creds Credentials) (Result, bool, error) {
	if creds.Phone != "" && session != "" {
		ok, err := g.sessions.HasGrant(ctx, session, creds.Phone)
		if err != nil {
			return Result{}, false, err
		}
		if ok {
			return Result{Verified: true, Level: Level2, RequiresOTP: true}, false, nil
		}
	}

	var missing []string
	if creds.Phone == "" {
		missing = append(missing, "phone number")
	}
	if !present(creds.DateOfBirth) && !present(creds.Email) {
		missing = append(missing, "date of birth or email")
	}
	if len(missing) > 0 {
		return Result{
			Level:         Level2,
			RequiresOTP:   true,
			MissingFields: missing,
			ErrorMessage:  fmt.Sprintf("For security, I need your %s. Alternatively, I can send you a code by text message.", strings.Join(missing, " and ")),
		}, false, nil
	}

	stored, err := g.lookup(ctx, creds.Phone)
	if err != nil {
		return Result{}, false, err
	}
	if stored == nil {
		return Result{
			Level:        Level2,
			RequiresOTP:  true,
			ErrorMessage: "I couldn't find a patient with that phone number.",
		}, true, nil
	}

	match := true
	if present(creds.DateOfBirth) {
		match = sameText(creds.DateOfBirth, stored.DateOfBirth)
	}
	if present(creds.Email) {
		match = match && sameText(creds.Email, stored.Email)
	}
	if !match {
		return Result{
			Level:        Level2,
			RequiresOTP:  true,
			ErrorMessage: "The details provided don't match our records. Would you like a code by text message instead?",
		}, true, nil
	}
	return Result{Verified: true, Level: Level2}, false, nil
}

// RequestOTP issues a code for phone and delivers it. When delivery fails the
// challenge is revoked so no undelivered code stays usable.
func (g *Gate) RequestOTP(ctx context.Context, phone string) error {
	phone = patient.NormalizePhone(phone)
	if phone == "" {
		return patient.ErrPhoneRequired
	}

	code, err := g.challenges.Issue(ctx, phone)
	if err != nil {
		return err
	}

	minutes := int(g.challenges.TTL().Round(time.Minute) / time.Minute)
	msg := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
	if sendErr := g.notifier.Send(ctx, phone, msg); sendErr != nil {
		if err := g.challenges.Revoke(context.WithoutCancel(ctx), phone); err != nil {
			g.logger.Error("failed to revoke undelivered challenge", "phone", phone, "error", err)
		}
		g.logger.Warn("verification code delivery failed", "phone", phone, "error", sendErr)
		return fmt.Errorf("%w: %v", ErrNotificationFailure, sendErr)
	}
	return nil
}

// SubmitOTP checks a code. A wrong, expired or missing code counts toward the
// same failure budget as credential checks for action.
func (g *Gate) SubmitOTP(ctx context.Context, session string, action Action, phone, code string) (Result, error) {
	phone = patient.NormalizePhone(phone)
	if phone == "" {
		return Result{}, patient.ErrPhoneRequired
	}
	key := attemptKey(session, phone)

	failures, err := g.sessions.Failures(ctx, key, action)
	if err != nil {
		return Result{}, err
	}
	if failures >= g.maxFailures {
		return escalated(), nil
	}

	check, err := g.challenges.Verify(ctx, phone, code)
	if err != nil {
		return Result{}, err
	}
	if check.Valid {
		if session != "" {
			if err := g.sessions.Grant(ctx, session, phone); err != nil {
				return Result{}, err
			}
		}
		return Result{Verified: true, Level: Level2, RequiresOTP: true}, nil
	}

	return g.recordFailure(ctx, key, action, Result{
		Level:        Level2,
		RequiresOTP:  true,
		ErrorMessage: otpMessage(check),
	})
}

func otpMessage(r otp.Result) string {
	switch r.Reason {
	case otp.ReasonExpired:
		return "That code has expired. I can send you a new one."
	case otp.ReasonTooManyAttempts:
		return "Too many incorrect codes. I can send you a new one."
	case otp.ReasonNoChallenge:
		return "There is no active code for this number. I can send you one."
	default:
		return fmt.Sprintf("That code doesn't match. You have %d attempts left.", r.RemainingAttempts)
	}
}
