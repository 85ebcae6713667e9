package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

// PgRepository stores ledger rows in the slots table. Writes are plain
// single-row statements; the ledger supplies the concurrency discipline.
type PgRepository struct {
	pool querier
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithQuerier(q querier) *PgRepository {
	return &PgRepository{pool: q}
}

const slotColumns = `row_id, slot_key, slot_date, start_time, end_time, lane, provider_name,
	appointment_type, duration_minutes, status, appointment_id, patient_id, reason_for_visit,
	urgency_level, red_flag, booked_by, cancel_or_resched_reason, conversation_id, held_until,
	display_card, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var (
		s             Slot
		appointmentID *string
		patientID     *string
		heldUntil     *time.Time
	)
	err := row.Scan(
		&s.RowID,
		&s.SlotKey,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.Lane,
		&s.ProviderName,
		&s.AppointmentType,
		&s.DurationMinutes,
		&s.Status,
		&appointmentID,
		&patientID,
		&s.ReasonForVisit,
		&s.UrgencyLevel,
		&s.RedFlag,
		&s.BookedBy,
		&s.CancelOrReschedReason,
		&s.ConversationID,
		&heldUntil,
		&s.DisplayCard,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if appointmentID != nil {
		s.AppointmentID = *appointmentID
	}
	if patientID != nil {
		s.PatientID = *patientID
	}
	s.HeldUntil = heldUntil
	return &s, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (r *PgRepository) Get(ctx context.Context, rowID string) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE row_id = $1
	`, rowID)
	return scanSlot(row)
}

func (r *PgRepository) FindByAppointmentID(ctx context.Context, appointmentID string) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE appointment_id = $1
	`, appointmentID)
	return scanSlot(row)
}

func (r *PgRepository) List(ctx context.Context, f Filter) ([]Slot, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Date != "" {
		add("slot_date = $%d", f.Date)
	}
	if f.DateFrom != "" {
		add("slot_date >= $%d", f.DateFrom)
	}
	if f.DateTo != "" {
		add("slot_date <= $%d", f.DateTo)
	}
	if f.Lane != "" {
		add("lane = $%d", f.Lane)
	}
	if f.SlotKey != "" {
		add("slot_key = $%d", f.SlotKey)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + slotColumns + ` FROM slots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY slot_date, start_time, lane`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) Put(ctx context.Context, s Slot) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET provider_name = $2,
		    appointment_type = $3,
		    duration_minutes = $4,
		    status = $5,
		    appointment_id = $6,
		    patient_id = $7,
		    reason_for_visit = $8,
		    urgency_level = $9,
		    red_flag = $10,
		    booked_by = $11,
		    cancel_or_resched_reason = $12,
		    conversation_id = $13,
		    held_until = $14,
		    display_card = $15,
		    updated_at = $16
		WHERE row_id = $1
	`, s.RowID, s.ProviderName, s.AppointmentType, s.DurationMinutes, s.Status,
		nullable(s.AppointmentID), nullable(s.PatientID), s.ReasonForVisit, s.UrgencyLevel, s.RedFlag,
		s.BookedBy, s.CancelOrReschedReason, s.ConversationID, s.HeldUntil, s.DisplayCard, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return idgen.ErrIDTaken
		}
		return fmt.Errorf("write slot %s: %w", s.RowID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) Append(ctx context.Context, s Slot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO slots (`+slotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, s.RowID, s.SlotKey, s.Date, s.StartTime, s.EndTime, s.Lane, s.ProviderName,
		s.AppointmentType, s.DurationMinutes, s.Status, nullable(s.AppointmentID), nullable(s.PatientID), s.ReasonForVisit,
		s.UrgencyLevel, s.RedFlag, s.BookedBy, s.CancelOrReschedReason, s.ConversationID, s.HeldUntil,
		s.DisplayCard, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "slots_live_slot_key" {
				return ErrDuplicateSlot
			}
			return idgen.ErrIDTaken
		}
		return fmt.Errorf("append slot: %w", err)
	}
	return nil
}

func (r *PgRepository) RowIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, r.pool, `SELECT row_id FROM slots`)
}

func (r *PgRepository) AppointmentIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, r.pool, `SELECT appointment_id FROM slots WHERE appointment_id IS NOT NULL`)
}

func queryIDs(ctx context.Context, q querier, query string) ([]string, error) {
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
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

// PgEventLog appends audit events to event_logs.
type PgEventLog struct {
	pool querier
}

func NewPgEventLog(pool *pgxpool.Pool) *PgEventLog {
	return &PgEventLog{pool: pool}
}

func newPgEventLogWithQuerier(q querier) *PgEventLog {
	return &PgEventLog{pool: q}
}

func (l *PgEventLog) Append(ctx context.Context, ev Event) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, row_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.Type, nullable(ev.RowID), nullable(ev.AppointmentID), []byte(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (l *PgEventLog) List(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, event_type, COALESCE(row_id, ''), COALESCE(appointment_id, ''), payload, created_at
		FROM event_logs
		WHERE $1 = '' OR event_type = $1
		ORDER BY id DESC
		LIMIT $2
	`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("list event logs: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.RowID, &ev.AppointmentID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *PgEventLog) AppointmentIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, l.pool, `SELECT DISTINCT appointment_id FROM event_logs WHERE appointment_id IS NOT NULL`)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
