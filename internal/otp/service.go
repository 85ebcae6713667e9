// Package otp issues and verifies time-boxed one-time codes.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/lock"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

const (
	codeDigits         = 6
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 3
)

var codeSpace = big.NewInt(1_000_000)

type Config struct {
	TTL         time.Duration
	MaxAttempts int
}

// Service owns the challenge lifecycle. Every read-modify-write on a phone's
// challenge runs under that phone's lock.
type Service struct {
	store  Store
	locker lock.Locker
	cfg    Config
	now    func() time.Time
	random io.Reader
	logger *logging.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom replaces the code source. It must stay cryptographically secure
// outside tests.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

func NewService(store Store, locker lock.Locker, cfg Config, logger *logging.Logger, opts ...Option) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		store:  store,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		random: rand.Reader,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Issue creates a fresh code for phone, replacing any live challenge, and
// returns it for delivery.
func (s *Service) Issue(ctx context.Context, phone string) (string, error) {
	code, err := s.generateCode()
	if err != nil {
		return "", err
	}

	err = s.locker.WithLock(ctx, "otp:"+phone, func(ctx context.Context) error {
		now := s.now()
		return s.store.Put(ctx, Challenge{
			Phone:        phone,
			Code:         code,
			ExpiresAt:    now.Add(s.cfg.TTL),
			AttemptCount: 0,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}

	s.logger.Info("otp challenge issued", "phone", phone, "ttl", s.cfg.TTL.String())
	return code, nil
}

// Verify checks code against the live challenge for phone. Terminal outcomes
// delete the challenge so a consumed or expired code cannot be replayed.
func (s *Service) Verify(ctx context.Context, phone, code string) (Result, error) {
	var result Result
	err := s.locker.WithLock(ctx, "otp:"+phone, func(ctx context.Context) error {
		c, err := s.store.Get(ctx, phone)
		if errors.Is(err, ErrNoChallenge) {
			result = Result{Reason: ReasonNoChallenge}
			return nil
		}
		if err != nil {
			return err
		}

		if s.now().After(c.ExpiresAt) {
			result = Result{Reason: ReasonExpired}
			return s.store.Delete(ctx, phone)
		}
		if c.AttemptCount >= s.cfg.MaxAttempts {
			result = Result{Reason: ReasonTooManyAttempts}
			return s.store.Delete(ctx, phone)
		}
		if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
			c.AttemptCount++
			result = Result{Reason: ReasonMismatch, RemainingAttempts: s.cfg.MaxAttempts - c.AttemptCount}
			return s.store.Put(ctx, *c)
		}

		result = Result{Valid: true, Reason: ReasonVerified}
		return s.store.Delete(ctx, phone)
	})
	if err != nil {
		return Result{}, fmt.Errorf("verify challenge: %w", err)
	}

	s.logger.Info("otp challenge checked", "phone", phone, "reason", string(result.Reason))
	return result, nil
}

// Revoke removes any live challenge for phone.
func (s *Service) Revoke(ctx context.Context, phone string) error {
	return s.locker.WithLock(ctx, "otp:"+phone, func(ctx context.Context) error {
		return s.store.Delete(ctx, phone)
	})
}

func (s *Service) generateCode() (string, error) {
	n, err := rand.Int(s.random, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
