package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/app"
	"github.com/hackgods/clinic-slot-ledger/internal/config"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("component", "hold-sweeper")
	logger.Info("hold sweeper starting up", "env", cfg.Env, "interval", cfg.WorkerInterval.String())

	if !cfg.HoldSweepEnabled {
		logger.Info("HOLD_SWEEP_ENABLED is off; expired holds are released lazily on read")
		return
	}
	if cfg.PostgresDSN == "" {
		logger.Error("POSTGRES_DSN is required; in-memory holds are swept on read")
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	runOnce(rootCtx, a.Ledger, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping hold sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, a.Ledger, logger)
		}
	}
}

func runOnce(ctx context.Context, l *ledger.Ledger, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := l.ReleaseExpiredHolds(runCtx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return
	}
	logger.Info("sweep complete", "released", n, "duration_ms", time.Since(start).Milliseconds())
}
