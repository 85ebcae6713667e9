package patient

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
)

var patientRowColumns = []string{
	"patient_id", "first_name", "last_name", "phone_e164", "email", "dob", "patient_type",
	"consent_to_text", "preferred_contact_method", "insurance_provider", "insurance_member_id", "notes",
	"created_at", "updated_at",
}

func TestPgRepositoryFindByPhone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithQuerier(mock)
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM patients").
		WithArgs("+15550100199").
		WillReturnRows(pgxmock.NewRows(patientRowColumns).AddRow(
			"P-000001", "Ana", "Ruiz", "+15550100199", "ana@example.com", "1990-05-30", TypeExisting,
			true, "SMS", "", "", "", now, now,
		))

	p, err := repo.FindByPhone(context.Background(), "(555) 010-0199")
	require.NoError(t, err)
	assert.Equal(t, "P-000001", p.ID)
	assert.Equal(t, "1990-05-30", p.DateOfBirth)

	mock.ExpectQuery("FROM patients").WithArgs("P-404").WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetByID(context.Background(), "P-404")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryInsertMapsUniqueViolations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithQuerier(mock)
	p := Patient{ID: "P-000002", PhoneE164: "+15550100200", PatientType: TypeNew}

	mock.ExpectExec("INSERT INTO patients").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "patients_pkey"})
	assert.ErrorIs(t, repo.Insert(context.Background(), p), idgen.ErrIDTaken)

	mock.ExpectExec("INSERT INTO patients").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "patients_phone_e164_key"})
	assert.ErrorIs(t, repo.Insert(context.Background(), p), ErrDuplicatePhone)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryUpdateMissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithQuerier(mock)
	mock.ExpectExec("UPDATE patients").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Update(context.Background(), Patient{ID: "P-000404"})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryListIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithQuerier(mock)
	mock.ExpectQuery("SELECT patient_id FROM patients").
		WillReturnRows(pgxmock.NewRows([]string{"patient_id"}).AddRow("P-000001").AddRow("P-000007"))

	ids, err := repo.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P-000001", "P-000007"}, ids)
}
