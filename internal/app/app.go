// Package app assembles the service from configuration. Postgres and Redis
// are optional; without them the in-memory stores and in-process locks are
// used, which is only correct for a single replica.
package app

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-slot-ledger/internal/booking"
	"github.com/hackgods/clinic-slot-ledger/internal/config"
	"github.com/hackgods/clinic-slot-ledger/internal/db"
	"github.com/hackgods/clinic-slot-ledger/internal/idempotency"
	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/internal/lock"
	"github.com/hackgods/clinic-slot-ledger/internal/notify"
	"github.com/hackgods/clinic-slot-ledger/internal/observability/metrics"
	"github.com/hackgods/clinic-slot-ledger/internal/otp"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	redisclient "github.com/hackgods/clinic-slot-ledger/internal/redis"
	"github.com/hackgods/clinic-slot-ledger/internal/verification"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

type App struct {
	Config       config.Config
	Logger       *logging.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Registry     *prometheus.Registry
	Ledger       *ledger.Ledger
	Patients     *patient.Directory
	Orchestrator *booking.Orchestrator
}

func Build(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.New(cfg.LogLevel)
	}
	a := &App{Config: cfg, Logger: logger}

	if cfg.PostgresDSN != "" {
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolConfig{
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.Pool = pool
		logger.Info("connected to postgres")
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory stores")
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	} else {
		logger.Warn("redis not configured, using in-process locks")
	}

	var (
		locker      lock.Locker               = lock.NewLocal()
		counter     idgen.Counter             = idgen.NewLocalCounter()
		challenges  otp.Store                 = otp.NewMemoryStore()
		sessions    verification.SessionStore = verification.NewMemorySessionStore(verification.DefaultSessionTTL)
		idemStore   idempotency.Store         = idempotency.NewMemoryStore()
		slotRepo    ledger.Repository         = ledger.NewMemoryRepository()
		events      ledger.EventLog           = ledger.NewMemoryEventLog()
		patientRepo patient.Repository        = patient.NewMemoryRepository()
	)

	if a.Redis != nil {
		locker = redisclient.NewKeyLocker(a.Redis, "clinic", cfg.LockTTL, cfg.LockWait)
		counter = idgen.NewRedisCounter(a.Redis)
		challenges = otp.NewRedisStore(a.Redis)
		sessions = verification.NewRedisSessionStore(a.Redis, verification.DefaultSessionTTL)
		idemStore = idempotency.NewRedisStore(a.Redis)
	}
	if a.Pool != nil {
		slotRepo = ledger.NewPgRepository(a.Pool)
		events = ledger.NewPgEventLog(a.Pool)
		patientRepo = patient.NewPgRepository(a.Pool)
	}

	ids := idgen.NewGenerator(counter)
	loc := cfg.Location()
	clock := func() time.Time { return time.Now().In(loc) }

	a.Patients = patient.NewDirectory(patientRepo, ids, locker, logger.With("component", "patients"), patient.WithClock(clock))
	a.Ledger = ledger.New(slotRepo, events, ids, locker, ledger.Config{
		Lane:         cfg.ClinicLane,
		ProviderName: cfg.ProviderName,
		BookedBy:     cfg.BookedBy,
		HoldTTL:      cfg.HoldTTL,
	}, logger.With("component", "ledger"), ledger.WithClock(clock))

	channel, err := buildChannel(ctx, cfg, a.Patients, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	otpService := otp.NewService(challenges, locker, otp.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
	}, logger.With("component", "otp"))
	gate := verification.NewGate(a.Patients, otpService, channel, sessions, cfg.VerifyMaxFailures, logger.With("component", "verification"))
	guard := idempotency.NewGuard(idemStore, locker, cfg.IdempotencyTTL, logger)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewBookingMetrics(a.Registry)

	a.Orchestrator = booking.New(a.Ledger, a.Patients, gate, guard, events, m, logger.With("component", "booking"))
	return a, nil
}

func buildChannel(ctx context.Context, cfg config.Config, patients *patient.Directory, logger *logging.Logger) (notify.Channel, error) {
	switch cfg.NotifyChannel {
	case "twilio":
		return notify.NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger), nil
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
		return notify.NewEmailChannel(sender, patients, ""), nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
		return notify.NewEmailChannel(sender, patients, ""), nil
	default:
		return notify.NewLogChannel(logger), nil
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("close redis", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
