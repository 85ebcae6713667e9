package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-slot-ledger/internal/booking"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

type RouterConfig struct {
	Service        *booking.Orchestrator
	Logger         *logging.Logger
	Gatherer       prometheus.Gatherer // nil uses the default registry
	PgPool         *pgxpool.Pool
	Redis          *redis.Client
	AdminJWTSecret string
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	svc := cfg.Service

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Get("/openings", findOpeningsHandler(svc))
	r.Post("/patients", upsertPatientHandler(svc))
	r.Post("/patients/{phone}/appointments", patientAppointmentsHandler(svc))
	r.Post("/appointments", bookSlotHandler(svc))
	r.Post("/appointments/{id}/cancel", cancelHandler(svc))
	r.Post("/appointments/{id}/reschedule", rescheduleHandler(svc))
	r.Post("/slots/{rowID}/hold", holdHandler(svc))
	r.Get("/schedule/{date}", dayViewHandler(svc))

	r.Route("/verification", func(r chi.Router) {
		r.Post("/verify", verifyHandler(svc))
		r.Post("/otp/request", requestOTPHandler(svc))
		r.Post("/otp/submit", submitOTPHandler(svc))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminJWT(cfg.AdminJWTSecret))
		r.Post("/slots", createOpeningHandler(svc))
		r.Post("/slots/{rowID}/outcome", recordOutcomeHandler(svc))
		r.Get("/reconciliation", reconciliationHandler(svc))
	})

	return r
}
