package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hackgods/clinic-slot-ledger/internal/config"
	"github.com/hackgods/clinic-slot-ledger/internal/db"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

// usage: migrate [up|down|version|force <version>]
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if cfg.PostgresDSN == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	mg, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		logger.Error("create migrator", "error", err)
		os.Exit(1)
	}
	defer mg.Close()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "force":
		if len(os.Args) < 3 {
			logger.Error("force needs a version")
			os.Exit(2)
		}
		var version int
		version, err = strconv.Atoi(os.Args[2])
		if err == nil {
			err = mg.Force(version)
		}
	case "version":
	default:
		logger.Error("unknown command", "command", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration failed", "command", cmd, "error", err)
		os.Exit(1)
	}

	version, dirty, err := mg.Version()
	if err != nil {
		logger.Error("read schema version", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "command", cmd, "version", version, "dirty", dirty)
}
