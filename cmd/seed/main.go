package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/clinic-slot-ledger/internal/app"
	"github.com/hackgods/clinic-slot-ledger/internal/config"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

var appointmentTypes = []struct {
	name    string
	minutes int
}{
	{"Cleaning", 30},
	{"Exam", 30},
	{"Filling", 60},
	{"Root Canal", 90},
	{"Consultation", 30},
	{"Whitening", 60},
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"))
	logger.Info("seed starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load error", "error", err)
		os.Exit(1)
	}
	if cfg.PostgresDSN == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	faker := gofakeit.New(0)

	days := getInt("SEED_DAYS", 14)
	if err := seedOpenings(ctx, a.Ledger, faker, days, logger); err != nil {
		logger.Error("seed openings", "error", err)
		os.Exit(1)
	}
	if err := seedPatients(ctx, a.Patients, faker, getInt("SEED_PATIENTS", 500), logger); err != nil {
		logger.Error("seed patients", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

// seedOpenings lays out a weekday schedule from 08:00 to 17:00 starting
// tomorrow. Rows that already exist are skipped.
func seedOpenings(ctx context.Context, l *ledger.Ledger, faker *gofakeit.Faker, days int, logger *logging.Logger) error {
	logger.Info("seeding openings", "days", days)

	created, skipped := 0, 0
	day := time.Now().AddDate(0, 0, 1)
	for d := 0; d < days; d, day = d+1, day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}

		minute := 8 * 60
		for minute < 17*60 {
			kind := appointmentTypes[faker.Number(0, len(appointmentTypes)-1)]
			if minute+kind.minutes > 17*60 {
				break
			}
			_, err := l.CreateOpening(ctx, ledger.OpeningRequest{
				Date:            day.Format(ledger.DateLayout),
				StartTime:       clock(minute),
				AppointmentType: kind.name,
				DurationMinutes: kind.minutes,
			})
			switch {
			case err == nil:
				created++
			case errors.Is(err, ledger.ErrDuplicateSlot):
				skipped++
			default:
				return err
			}
			minute += kind.minutes
		}
	}

	logger.Info("openings seeded", "created", created, "skipped", skipped)
	return nil
}

func seedPatients(ctx context.Context, dir *patient.Directory, faker *gofakeit.Faker, count int, logger *logging.Logger) error {
	logger.Info("seeding patients", "count", count)

	const batchSize = 100
	oldest := time.Now().AddDate(-90, 0, 0)
	youngest := time.Now().AddDate(-18, 0, 0)

	for i := 0; i < count; i++ {
		consent := faker.Bool()
		_, err := dir.Upsert(ctx, patient.Payload{
			FirstName:              faker.FirstName(),
			LastName:               faker.LastName(),
			PhoneE164:              faker.Phone(),
			Email:                  faker.Email(),
			DateOfBirth:            faker.DateRange(oldest, youngest).Format(ledger.DateLayout),
			PatientType:            patient.TypeExisting,
			ConsentToText:          &consent,
			PreferredContactMethod: faker.RandomString([]string{"SMS", "CALL", "EMAIL"}),
			InsuranceProvider:      faker.RandomString([]string{"Delta Dental", "MetLife", "Cigna", "Aetna", ""}),
		})
		if err != nil {
			return err
		}
		if (i+1)%batchSize == 0 {
			logger.Info("patients seeded", "done", i+1, "total", count)
		}
	}
	return nil
}

func clock(minute int) string {
	return time.Date(0, 1, 1, minute/60, minute%60, 0, 0, time.UTC).Format(ledger.TimeLayout)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
