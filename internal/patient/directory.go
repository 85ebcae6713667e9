package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
	"github.com/hackgods/clinic-slot-ledger/internal/lock"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

// Directory upserts and looks up patients keyed by normalized phone number.
type Directory struct {
	repo   Repository
	ids    *idgen.Generator
	locker lock.Locker
	now    func() time.Time
	logger *logging.Logger
}

type Option func(*Directory)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func NewDirectory(repo Repository, ids *idgen.Generator, locker lock.Locker, logger *logging.Logger, opts ...Option) *Directory {
	if ids == nil {
		ids = idgen.NewGenerator(nil)
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Directory{
		repo:   repo,
		ids:    ids,
		locker: locker,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Upsert creates the patient on first sight of a phone number and merges the
// provided fields into the existing record afterwards. It returns the
// patient id.
func (d *Directory) Upsert(ctx context.Context, payload Payload) (string, error) {
	phone := NormalizePhone(payload.PhoneE164)
	if phone == "" {
		return "", ErrPhoneRequired
	}
	payload.PhoneE164 = phone

	var patientID string
	err := d.locker.WithLock(ctx, "patient:"+phone, func(ctx context.Context) error {
		existing, err := d.repo.FindByPhone(ctx, phone)
		switch {
		case err == nil:
			patientID, err = d.update(ctx, *existing, payload)
			return err
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("find patient by phone: %w", err)
		}

		patientID, err = d.create(ctx, payload)
		if errors.Is(err, ErrDuplicatePhone) {
			// another process inserted the phone between our read and write
			existing, findErr := d.repo.FindByPhone(ctx, phone)
			if findErr != nil {
				return fmt.Errorf("reload patient after duplicate phone: %w", findErr)
			}
			patientID, err = d.update(ctx, *existing, payload)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return patientID, nil
}

func (d *Directory) update(ctx context.Context, existing Patient, payload Payload) (string, error) {
	payload.merge(&existing)
	existing.UpdatedAt = d.now()
	if err := d.repo.Update(ctx, existing); err != nil {
		return "", fmt.Errorf("update patient %s: %w", existing.ID, err)
	}
	d.logger.Info("patient updated", "patient_id", existing.ID)
	return existing.ID, nil
}

func (d *Directory) create(ctx context.Context, payload Payload) (string, error) {
	now := d.now()
	p := Patient{
		PhoneE164:   payload.PhoneE164,
		PatientType: TypeNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload.merge(&p)

	id, err := d.ids.Claim(ctx, idgen.Patient, d.repo.ListIDs, func(ctx context.Context, id string) error {
		p.ID = id
		return d.repo.Insert(ctx, p)
	})
	if err != nil {
		return "", err
	}
	d.logger.Info("patient created", "patient_id", id)
	return id, nil
}

func (d *Directory) FindByPhone(ctx context.Context, phoneE164 string) (*Patient, error) {
	phone := NormalizePhone(phoneE164)
	if phone == "" {
		return nil, ErrPhoneRequired
	}
	return d.repo.FindByPhone(ctx, phone)
}

func (d *Directory) FindByID(ctx context.Context, id string) (*Patient, error) {
	return d.repo.GetByID(ctx, id)
}
