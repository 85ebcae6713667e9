// Package ledger is the appointment slot state machine. Every mutation reads
// the row fresh, checks its precondition, writes, and reads the row back.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
	"github.com/hackgods/clinic-slot-ledger/internal/lock"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

const (
	DefaultLane     = "Dr-Chair"
	DefaultBookedBy = "AI"
	DefaultHoldTTL  = 5 * time.Minute

	maxIDAttempts = 3
)

type Config struct {
	Lane         string
	ProviderName string
	BookedBy     string
	HoldTTL      time.Duration
}

type Ledger struct {
	repo   Repository
	events EventLog
	ids    *idgen.Generator
	locker lock.Locker
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

type Option func(*Ledger)

// WithClock overrides the time source used for timestamps and hold expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(repo Repository, events EventLog, ids *idgen.Generator, locker lock.Locker, cfg Config, logger *logging.Logger, opts ...Option) *Ledger {
	if events == nil {
		events = NewMemoryEventLog()
	}
	if ids == nil {
		ids = idgen.NewGenerator(nil)
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.Lane == "" {
		cfg.Lane = DefaultLane
	}
	if cfg.BookedBy == "" {
		cfg.BookedBy = DefaultBookedBy
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = DefaultHoldTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	l := &Ledger{
		repo:   repo,
		events: events,
		ids:    ids,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Lane() string { return l.cfg.Lane }

// CompareStatusAndWrite applies mutate to the row only if its freshly read
// status is one of expected. A status mismatch is reported through
// WriteResult.Conflict, not as an error. After writing, the row is read back;
// if another writer slipped in, the result is flagged as an anomaly.
func (l *Ledger) CompareStatusAndWrite(ctx context.Context, rowID string, expected []Status, mutate func(*Slot) error) (WriteResult, error) {
	var res WriteResult
	err := l.locker.WithLock(ctx, "slot:"+rowID, func(ctx context.Context) error {
		cur, err := l.repo.Get(ctx, rowID)
		if err != nil {
			return err
		}
		now := l.now()
		fresh := cur.effective(now)
		if !hasStatus(expected, fresh.Status) {
			res = WriteResult{Slot: fresh, Conflict: true, Observed: fresh.Status}
			return nil
		}

		next := fresh
		if err := mutate(&next); err != nil {
			return err
		}
		if next.Status != fresh.Status && !CanTransition(fresh.Status, next.Status) {
			return fmt.Errorf("%w: %s to %s", ErrSlotNotBookable, fresh.Status, next.Status)
		}
		next.RowID = fresh.RowID
		next.UpdatedAt = now

		if err := l.repo.Put(ctx, next); err != nil {
			return err
		}

		after, err := l.repo.Get(ctx, rowID)
		if err != nil {
			return fmt.Errorf("re-read slot %s: %w", rowID, err)
		}
		if !sameWrite(next, *after) {
			res = WriteResult{Slot: *after, Conflict: true, Anomaly: true, Observed: after.Status}
			l.logger.Error("slot write anomaly", "row_id", rowID,
				"written_status", string(next.Status), "observed_status", string(after.Status),
				"written_appointment_id", next.AppointmentID, "observed_appointment_id", after.AppointmentID)
			l.record(ctx, EventSlotWriteAnomaly, *after, map[string]any{
				"written_status":          next.Status,
				"written_appointment_id":  next.AppointmentID,
				"written_patient_id":      next.PatientID,
				"observed_status":         after.Status,
				"observed_appointment_id": after.AppointmentID,
			})
			return nil
		}
		res = WriteResult{Slot: *after, Observed: after.Status}
		return nil
	})
	if errors.Is(err, lock.ErrLockNotAcquired) {
		return WriteResult{}, fmt.Errorf("%w: row %s is being written: %v", ErrSlotConflict, rowID, err)
	}
	return res, err
}

func hasStatus(set []Status, s Status) bool {
	for _, st := range set {
		if st == s {
			return true
		}
	}
	return false
}

func sameWrite(written, observed Slot) bool {
	return written.Status == observed.Status &&
		written.AppointmentID == observed.AppointmentID &&
		written.PatientID == observed.PatientID &&
		written.ConversationID == observed.ConversationID
}

// FindOpenings lists OPEN rows in the clinic lane, ordered by date and start
// time and truncated to q.Limit when positive.
func (l *Ledger) FindOpenings(ctx context.Context, q OpeningQuery) ([]Slot, error) {
	rows, err := l.repo.List(ctx, Filter{
		DateFrom: q.From,
		DateTo:   q.To,
		Lane:     l.cfg.Lane,
		Statuses: []Status{StatusOpen, StatusHeld},
	})
	if err != nil {
		return nil, fmt.Errorf("find openings: %w", err)
	}

	now := l.now()
	var out []Slot
	for _, row := range rows {
		s := row.effective(now)
		if s.Status != StatusOpen {
			continue
		}
		if q.AppointmentType != "" && !strings.EqualFold(s.AppointmentType, q.AppointmentType) {
			continue
		}
		if q.DurationMinutes > 0 && s.DurationMinutes != q.DurationMinutes {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// BookSlot moves an OPEN row to BOOKED under a fresh appointment id. A HELD
// row can only be booked by the conversation holding it. Retrying with the
// conversation id of a booking that already landed returns that booking.
func (l *Ledger) BookSlot(ctx context.Context, req BookRequest) (*Slot, error) {
	if req.RowID == "" || req.PatientID == "" {
		return nil, fmt.Errorf("%w: row id and patient id are required", ErrInvalidSlot)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		apptID, err := l.ids.Next(ctx, idgen.Appointment, l.appointmentIDs)
		if err != nil {
			return nil, err
		}

		res, err := l.CompareStatusAndWrite(ctx, req.RowID, []Status{StatusOpen, StatusHeld}, func(s *Slot) error {
			if s.Lane != l.cfg.Lane {
				return fmt.Errorf("%w: row %s is in lane %s", ErrSlotNotBookable, s.RowID, s.Lane)
			}
			if s.Status == StatusHeld && s.ConversationID != req.ConversationID {
				return fmt.Errorf("%w: row %s is held by another conversation", ErrSlotConflict, s.RowID)
			}
			s.Status = StatusBooked
			s.AppointmentID = apptID
			s.PatientID = req.PatientID
			if req.AppointmentType != "" {
				s.AppointmentType = req.AppointmentType
			}
			s.ReasonForVisit = req.ReasonForVisit
			s.UrgencyLevel = req.UrgencyLevel
			s.RedFlag = req.RedFlag
			s.BookedBy = l.cfg.BookedBy
			s.ConversationID = req.ConversationID
			s.HeldUntil = nil
			s.DisplayCard = DisplayCard(*s, req.PatientFirstName, req.PatientLastName)
			return nil
		})
		if errors.Is(err, idgen.ErrIDTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if res.Conflict {
			if !res.Anomaly && isReplay(res.Slot, req) {
				l.logger.Info("booking replayed", "row_id", req.RowID, "appointment_id", res.Slot.AppointmentID)
				return &res.Slot, nil
			}
			return nil, fmt.Errorf("%w: row %s is %s", ErrSlotConflict, req.RowID, res.Observed)
		}

		l.record(ctx, EventSlotBooked, res.Slot, map[string]any{
			"patient_id":      req.PatientID,
			"conversation_id": req.ConversationID,
			"red_flag":        req.RedFlag,
		})
		l.logger.Info("slot booked", "row_id", req.RowID, "appointment_id", apptID, "patient_id", req.PatientID)
		return &res.Slot, nil
	}
	return nil, fmt.Errorf("book slot %s: %w", req.RowID, idgen.ErrIDTaken)
}

func isReplay(s Slot, req BookRequest) bool {
	return req.ConversationID != "" &&
		s.Status == StatusBooked &&
		s.ConversationID == req.ConversationID &&
		s.PatientID == req.PatientID
}

// CancelSlot flips a BOOKED row back to OPEN and clears every patient field.
// identifier is an appointment id or a row id.
func (l *Ledger) CancelSlot(ctx context.Context, identifier, reason, conversationID string) (*Slot, error) {
	rowID, apptID, err := l.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var prior Slot
	res, err := l.CompareStatusAndWrite(ctx, rowID, []Status{StatusBooked}, func(s *Slot) error {
		if apptID != "" && s.AppointmentID != apptID {
			return fmt.Errorf("%w: appointment %s is no longer on row %s", ErrSlotNotBookable, apptID, rowID)
		}
		prior = *s
		s.clearPatient()
		s.Status = StatusOpen
		s.CancelOrReschedReason = reason
		s.DisplayCard = DisplayCard(*s, "", "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Anomaly {
		return nil, fmt.Errorf("%w: row %s changed during cancel", ErrSlotConflict, rowID)
	}
	if res.Conflict {
		return nil, fmt.Errorf("%w: row %s is %s", ErrSlotNotBookable, rowID, res.Observed)
	}

	ev := res.Slot
	ev.AppointmentID = prior.AppointmentID
	l.record(ctx, EventSlotCancelled, ev, map[string]any{
		"patient_id":      prior.PatientID,
		"reason":          reason,
		"conversation_id": conversationID,
	})
	l.logger.Info("slot cancelled", "row_id", rowID, "appointment_id", prior.AppointmentID, "patient_id", prior.PatientID)
	return &res.Slot, nil
}

// HoldSlot reserves an OPEN row for conversationID until ttl elapses. The
// holder may extend its own hold. Expiry is evaluated on read.
func (l *Ledger) HoldSlot(ctx context.Context, rowID, conversationID string, ttl time.Duration) (*Slot, error) {
	if conversationID == "" {
		return nil, ErrHoldRequiresID
	}
	if ttl <= 0 {
		ttl = l.cfg.HoldTTL
	}

	res, err := l.CompareStatusAndWrite(ctx, rowID, []Status{StatusOpen, StatusHeld}, func(s *Slot) error {
		if s.Lane != l.cfg.Lane {
			return fmt.Errorf("%w: row %s is in lane %s", ErrSlotNotBookable, s.RowID, s.Lane)
		}
		if s.Status == StatusHeld && s.ConversationID != conversationID {
			return fmt.Errorf("%w: row %s is held by another conversation", ErrSlotConflict, s.RowID)
		}
		until := l.now().Add(ttl)
		s.Status = StatusHeld
		s.ConversationID = conversationID
		s.HeldUntil = &until
		s.DisplayCard = DisplayCard(*s, "", "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Conflict {
		return nil, fmt.Errorf("%w: row %s is %s", ErrSlotConflict, rowID, res.Observed)
	}

	l.record(ctx, EventSlotHeld, res.Slot, map[string]any{
		"conversation_id": conversationID,
		"held_until":      res.Slot.HeldUntil,
	})
	return &res.Slot, nil
}

// ReleaseExpiredHolds writes expired holds back as OPEN. Reads already treat
// them as OPEN; this keeps the stored rows in step for readers outside the
// ledger. It returns the number of rows released.
func (l *Ledger) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	held, err := l.repo.List(ctx, Filter{Lane: l.cfg.Lane, Statuses: []Status{StatusHeld}})
	if err != nil {
		return 0, fmt.Errorf("list held slots: %w", err)
	}

	released := 0
	now := l.now()
	for _, s := range held {
		if !s.holdExpired(now) {
			continue
		}
		res, err := l.CompareStatusAndWrite(ctx, s.RowID, []Status{StatusOpen}, func(*Slot) error { return nil })
		if err != nil {
			l.logger.Warn("failed to release expired hold", "row_id", s.RowID, "error", err)
			continue
		}
		if res.Conflict {
			continue
		}
		released++
		l.record(ctx, EventHoldExpired, res.Slot, map[string]any{
			"conversation_id": s.ConversationID,
			"held_until":      s.HeldUntil,
		})
	}
	return released, nil
}

// RecordOutcome writes a terminal status onto a BOOKED row. Patient fields
// are kept.
func (l *Ledger) RecordOutcome(ctx context.Context, identifier string, outcome Status, note string) (*Slot, error) {
	if !isOutcome(outcome) {
		return nil, ErrInvalidOutcome
	}
	rowID, apptID, err := l.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	res, err := l.CompareStatusAndWrite(ctx, rowID, []Status{StatusBooked}, func(s *Slot) error {
		if apptID != "" && s.AppointmentID != apptID {
			return fmt.Errorf("%w: appointment %s is no longer on row %s", ErrSlotNotBookable, apptID, rowID)
		}
		s.Status = outcome
		if note != "" {
			s.CancelOrReschedReason = note
		}
		s.DisplayCard = DisplayCard(*s, "", "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Anomaly {
		return nil, fmt.Errorf("%w: row %s changed during outcome write", ErrSlotConflict, rowID)
	}
	if res.Conflict {
		return nil, fmt.Errorf("%w: row %s is %s", ErrSlotNotBookable, rowID, res.Observed)
	}

	l.record(ctx, EventSlotOutcome, res.Slot, map[string]any{
		"outcome":    outcome,
		"patient_id": res.Slot.PatientID,
		"note":       note,
	})
	l.logger.Info("slot outcome recorded", "row_id", rowID, "outcome", string(outcome))
	return &res.Slot, nil
}

// CreateOpening appends a new OPEN row in the clinic lane. A live row with the
// same slot key is rejected.
func (l *Ledger) CreateOpening(ctx context.Context, req OpeningRequest) (*Slot, error) {
	s, err := l.newOpening(req)
	if err != nil {
		return nil, err
	}

	err = l.locker.WithLock(ctx, "slotkey:"+s.SlotKey, func(ctx context.Context) error {
		existing, err := l.repo.List(ctx, Filter{SlotKey: s.SlotKey})
		if err != nil {
			return fmt.Errorf("check slot key: %w", err)
		}
		for _, e := range existing {
			if e.Status != StatusCancelled {
				return fmt.Errorf("%w: %s (row %s)", ErrDuplicateSlot, s.SlotKey, e.RowID)
			}
		}

		_, err = l.ids.Claim(ctx, idgen.Row, l.repo.RowIDs, func(ctx context.Context, id string) error {
			s.RowID = id
			return l.repo.Append(ctx, s)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.record(ctx, EventSlotCreated, s, map[string]any{"slot_key": s.SlotKey})
	return &s, nil
}

func (l *Ledger) newOpening(req OpeningRequest) (Slot, error) {
	day, err := time.Parse(DateLayout, req.Date)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: date %q", ErrInvalidSlot, req.Date)
	}
	start, err := time.Parse(TimeLayout, req.StartTime)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: start time %q", ErrInvalidSlot, req.StartTime)
	}
	req.Date = day.Format(DateLayout)
	req.StartTime = start.Format(TimeLayout)
	if strings.TrimSpace(req.AppointmentType) == "" {
		return Slot{}, fmt.Errorf("%w: appointment type is required", ErrInvalidSlot)
	}

	duration := req.DurationMinutes
	end := req.EndTime
	switch {
	case end == "" && duration > 0:
		end = start.Add(time.Duration(duration) * time.Minute).Format(TimeLayout)
	case end != "":
		e, err := time.Parse(TimeLayout, end)
		if err != nil || !e.After(start) {
			return Slot{}, fmt.Errorf("%w: end time %q", ErrInvalidSlot, end)
		}
		if duration <= 0 {
			duration = int(e.Sub(start) / time.Minute)
		}
		end = e.Format(TimeLayout)
	default:
		return Slot{}, fmt.Errorf("%w: duration or end time is required", ErrInvalidSlot)
	}
	if end <= req.StartTime {
		return Slot{}, fmt.Errorf("%w: slot crosses midnight", ErrInvalidSlot)
	}

	provider := req.ProviderName
	if provider == "" {
		provider = l.cfg.ProviderName
	}
	now := l.now()
	s := Slot{
		SlotKey:         SlotKey(req.Date, req.StartTime, l.cfg.Lane),
		Date:            req.Date,
		StartTime:       req.StartTime,
		EndTime:         end,
		Lane:            l.cfg.Lane,
		ProviderName:    provider,
		AppointmentType: req.AppointmentType,
		DurationMinutes: duration,
		Status:          StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.DisplayCard = DisplayCard(s, "", "")
	return s, nil
}

// GetDayView returns every row on date ordered by start time.
func (l *Ledger) GetDayView(ctx context.Context, date string) ([]Slot, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidSlot, date)
	}
	rows, err := l.repo.List(ctx, Filter{Date: date})
	if err != nil {
		return nil, fmt.Errorf("day view: %w", err)
	}
	now := l.now()
	for i := range rows {
		rows[i] = rows[i].effective(now)
	}
	sortSlots(rows)
	return rows, nil
}

// FindPatientAppointments lists BOOKED rows owned by patientID, optionally on
// a single date.
func (l *Ledger) FindPatientAppointments(ctx context.Context, patientID, date string) ([]Slot, error) {
	rows, err := l.repo.List(ctx, Filter{
		PatientID: patientID,
		Date:      date,
		Statuses:  []Status{StatusBooked},
	})
	if err != nil {
		return nil, fmt.Errorf("find patient appointments: %w", err)
	}
	sortSlots(rows)
	return rows, nil
}

// Lookup returns the current view of the row named by an appointment id or
// row id.
func (l *Ledger) Lookup(ctx context.Context, identifier string) (*Slot, error) {
	rowID, _, err := l.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	s, err := l.repo.Get(ctx, rowID)
	if err != nil {
		return nil, err
	}
	view := s.effective(l.now())
	return &view, nil
}

// resolve maps an identifier to a row id. When identifier is an appointment
// id it is returned as well so callers can re-check it under the row lock.
func (l *Ledger) resolve(ctx context.Context, identifier string) (rowID, appointmentID string, err error) {
	if identifier == "" {
		return "", "", ErrNotFound
	}
	if _, ok := idgen.Parse(idgen.Appointment, identifier); ok {
		s, err := l.repo.FindByAppointmentID(ctx, identifier)
		if err != nil {
			return "", "", err
		}
		return s.RowID, identifier, nil
	}
	return identifier, "", nil
}

func (l *Ledger) appointmentIDs(ctx context.Context) ([]string, error) {
	live, err := l.repo.AppointmentIDs(ctx)
	if err != nil {
		return nil, err
	}
	logged, err := l.events.AppointmentIDs(ctx)
	if err != nil {
		return nil, err
	}
	return append(live, logged...), nil
}

func (l *Ledger) record(ctx context.Context, eventType string, s Slot, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	ev := Event{
		Type:          eventType,
		RowID:         s.RowID,
		AppointmentID: s.AppointmentID,
		Payload:       data,
		CreatedAt:     l.now(),
	}
	if err := l.events.Append(context.WithoutCancel(ctx), ev); err != nil {
		l.logger.Error("failed to insert event log", "event_type", eventType, "row_id", s.RowID, "error", err)
	}
}
