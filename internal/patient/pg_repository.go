package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool querier
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithQuerier(q querier) *PgRepository {
	return &PgRepository{pool: q}
}

const patientColumns = `patient_id, first_name, last_name, phone_e164, email, dob, patient_type,
	consent_to_text, preferred_contact_method, insurance_provider, insurance_member_id, notes,
	created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.PhoneE164,
		&p.Email,
		&p.DateOfBirth,
		&p.PatientType,
		&p.ConsentToText,
		&p.PreferredContactMethod,
		&p.InsuranceProvider,
		&p.InsuranceMemberID,
		&p.Notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE patient_id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindByPhone(ctx context.Context, phoneE164 string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE phone_e164 = $1
	`, NormalizePhone(phoneE164))
	return scanPatient(row)
}

func (r *PgRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT patient_id FROM patients`)
	if err != nil {
		return nil, fmt.Errorf("list patient ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) Insert(ctx context.Context, p Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.FirstName, p.LastName, NormalizePhone(p.PhoneE164), p.Email, p.DateOfBirth, p.PatientType,
		p.ConsentToText, p.PreferredContactMethod, p.InsuranceProvider, p.InsuranceMemberID, p.Notes,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "patients_phone_e164_key" {
				return ErrDuplicatePhone
			}
			return idgen.ErrIDTaken
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PgRepository) Update(ctx context.Context, p Patient) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients
		SET first_name = $2,
		    last_name = $3,
		    email = $4,
		    dob = $5,
		    patient_type = $6,
		    consent_to_text = $7,
		    preferred_contact_method = $8,
		    insurance_provider = $9,
		    insurance_member_id = $10,
		    notes = $11,
		    updated_at = $12
		WHERE patient_id = $1
	`, p.ID, p.FirstName, p.LastName, p.Email, p.DateOfBirth, p.PatientType, p.ConsentToText,
		p.PreferredContactMethod, p.InsuranceProvider, p.InsuranceMemberID, p.Notes, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
