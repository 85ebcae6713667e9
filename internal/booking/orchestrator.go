// Package booking is the caller-facing surface over the slot ledger. It runs
// identity checks before any change to an existing booking and implements
// reschedule as book-new-then-cancel-old with one compensation attempt.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-slot-ledger/internal/idempotency"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/internal/observability/metrics"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	"github.com/hackgods/clinic-slot-ledger/internal/verification"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.booking")

type Orchestrator struct {
	ledger   *ledger.Ledger
	patients *patient.Directory
	gate     *verification.Gate
	guard    *idempotency.Guard
	events   ledger.EventLog
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
}

func New(l *ledger.Ledger, patients *patient.Directory, gate *verification.Gate, guard *idempotency.Guard, events ledger.EventLog, m *metrics.BookingMetrics, logger *logging.Logger) *Orchestrator {
	if guard == nil {
		guard = idempotency.NewGuard(nil, nil, 0, logger)
	}
	if events == nil {
		events = ledger.NewMemoryEventLog()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		ledger:   l,
		patients: patients,
		gate:     gate,
		guard:    guard,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// BookInput identifies the patient either by PatientID or by a payload that
// is upserted first.
type BookInput struct {
	RowID           string
	PatientID       string
	Patient         patient.Payload
	AppointmentType string
	ReasonForVisit  string
	UrgencyLevel    string
	RedFlag         bool
	ConversationID  string
}

type CancelInput struct {
	Identifier     string
	Reason         string
	ConversationID string
	Credentials    verification.Credentials
}

type RescheduleInput struct {
	Identifier     string
	NewRowID       string
	Reason         string
	ConversationID string
	Credentials    verification.Credentials
}

type RescheduleResult struct {
	Old ledger.Slot `json:"old"`
	New ledger.Slot `json:"new"`
}

func (o *Orchestrator) FindOpenings(ctx context.Context, q ledger.OpeningQuery) (slots []ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.find_openings")
	defer o.finish(span, "find_openings", time.Now(), &err)
	span.SetAttributes(
		attribute.String("clinic.from", q.From),
		attribute.String("clinic.to", q.To),
		attribute.String("clinic.appointment_type", q.AppointmentType),
	)
	return o.ledger.FindOpenings(ctx, q)
}

func (o *Orchestrator) UpsertPatient(ctx context.Context, payload patient.Payload) (id string, err error) {
	ctx, span := tracer.Start(ctx, "booking.upsert_patient")
	defer o.finish(span, "upsert_patient", time.Now(), &err)
	return o.patients.Upsert(ctx, payload)
}

// BookSlot books a new appointment. New bookings need no verification.
func (o *Orchestrator) BookSlot(ctx context.Context, in BookInput) (slot *ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.book_slot")
	defer o.finish(span, "book", time.Now(), &err)
	span.SetAttributes(attribute.String("clinic.row_id", in.RowID))

	if _, err := o.require(ctx, in.ConversationID, verification.ActionBookNew, verification.Credentials{}); err != nil {
		return nil, err
	}

	p, err := o.resolvePatient(ctx, in)
	if err != nil {
		return nil, err
	}

	key := idempotency.Key("book", in.ConversationID, in.RowID, p.ID)
	booked, replayed, err := idempotency.Do(ctx, o.guard, key, func(ctx context.Context) (ledger.Slot, error) {
		s, err := o.ledger.BookSlot(ctx, ledger.BookRequest{
			RowID:            in.RowID,
			PatientID:        p.ID,
			AppointmentType:  in.AppointmentType,
			ReasonForVisit:   in.ReasonForVisit,
			UrgencyLevel:     in.UrgencyLevel,
			RedFlag:          in.RedFlag,
			ConversationID:   in.ConversationID,
			PatientFirstName: p.FirstName,
			PatientLastName:  p.LastName,
		})
		if err != nil {
			return ledger.Slot{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		o.logger.Info("book request replayed", "conversation_id", in.ConversationID, "row_id", in.RowID)
	}
	return &booked, nil
}

func (o *Orchestrator) resolvePatient(ctx context.Context, in BookInput) (*patient.Patient, error) {
	if in.PatientID != "" {
		return o.patients.FindByID(ctx, in.PatientID)
	}
	id, err := o.patients.Upsert(ctx, in.Patient)
	if err != nil {
		return nil, err
	}
	return o.patients.FindByID(ctx, id)
}

// CancelAppointment flips a booking back to OPEN after a Level 2 check. The
// verified phone must own the appointment.
func (o *Orchestrator) CancelAppointment(ctx context.Context, in CancelInput) (slot *ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.cancel")
	defer o.finish(span, "cancel", time.Now(), &err)
	span.SetAttributes(attribute.String("clinic.identifier", in.Identifier))

	if _, err := o.require(ctx, in.ConversationID, verification.ActionCancel, in.Credentials); err != nil {
		return nil, err
	}

	key := idempotency.Key("cancel", in.ConversationID, in.Identifier)
	cancelled, _, err := idempotency.Do(ctx, o.guard, key, func(ctx context.Context) (ledger.Slot, error) {
		if _, err := o.ownedBooking(ctx, in.Identifier, in.Credentials.Phone); err != nil {
			return ledger.Slot{}, err
		}
		s, err := o.ledger.CancelSlot(ctx, in.Identifier, in.Reason, in.ConversationID)
		if err != nil {
			return ledger.Slot{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// RescheduleAppointment books the new slot for the same patient first, then
// cancels the old one. If the cancel fails the new booking is cancelled once;
// either way the failure is recorded for reconciliation.
func (o *Orchestrator) RescheduleAppointment(ctx context.Context, in RescheduleInput) (res *RescheduleResult, err error) {
	ctx, span := tracer.Start(ctx, "booking.reschedule")
	defer o.finish(span, "reschedule", time.Now(), &err)
	span.SetAttributes(
		attribute.String("clinic.identifier", in.Identifier),
		attribute.String("clinic.new_row_id", in.NewRowID),
	)

	if _, err := o.require(ctx, in.ConversationID, verification.ActionReschedule, in.Credentials); err != nil {
		return nil, err
	}

	key := idempotency.Key("reschedule", in.ConversationID, in.Identifier, in.NewRowID)
	out, _, err := idempotency.Do(ctx, o.guard, key, func(ctx context.Context) (RescheduleResult, error) {
		return o.reschedule(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *Orchestrator) reschedule(ctx context.Context, in RescheduleInput) (RescheduleResult, error) {
	old, err := o.ownedBooking(ctx, in.Identifier, in.Credentials.Phone)
	if err != nil {
		return RescheduleResult{}, err
	}
	if old.RowID == in.NewRowID {
		return RescheduleResult{}, fmt.Errorf("%w: new slot is the current slot", ledger.ErrSlotNotBookable)
	}

	var first, last string
	if p, err := o.patients.FindByID(ctx, old.PatientID); err == nil {
		first, last = p.FirstName, p.LastName
	}

	booked, err := o.ledger.BookSlot(ctx, ledger.BookRequest{
		RowID:            in.NewRowID,
		PatientID:        old.PatientID,
		AppointmentType:  old.AppointmentType,
		ReasonForVisit:   old.ReasonForVisit,
		UrgencyLevel:     old.UrgencyLevel,
		RedFlag:          old.RedFlag,
		ConversationID:   in.ConversationID,
		PatientFirstName: first,
		PatientLastName:  last,
	})
	if err != nil {
		return RescheduleResult{}, err
	}

	reason := "rescheduled to " + booked.SlotKey
	if in.Reason != "" {
		reason += ": " + in.Reason
	}
	freed, cancelErr := o.ledger.CancelSlot(ctx, old.AppointmentID, reason, in.ConversationID)
	if cancelErr == nil {
		o.logger.Info("appointment rescheduled", "patient_id", old.PatientID,
			"old_row_id", old.RowID, "new_row_id", booked.RowID, "appointment_id", booked.AppointmentID)
		return RescheduleResult{Old: *freed, New: *booked}, nil
	}

	return RescheduleResult{}, o.compensate(ctx, *old, *booked, in.ConversationID, cancelErr)
}

// compensate undoes the new booking once and records the outcome.
func (o *Orchestrator) compensate(ctx context.Context, old, booked ledger.Slot, conversationID string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	_, rollbackErr := o.ledger.CancelSlot(ctx, booked.AppointmentID, "rollback of failed reschedule from "+old.RowID, conversationID)
	pf := &PartialRescheduleFailure{
		NewSlot:     booked,
		OldSlot:     old,
		RolledBack:  rollbackErr == nil,
		Cause:       cause,
		RollbackErr: rollbackErr,
	}
	if current, err := o.ledger.Lookup(ctx, old.RowID); err == nil {
		pf.OldSlot = *current
	}

	o.metrics.ObservePartialFailure()
	o.logger.Error("reschedule partial failure",
		"old_row_id", old.RowID,
		"old_appointment_id", old.AppointmentID,
		"new_row_id", booked.RowID,
		"new_appointment_id", booked.AppointmentID,
		"rolled_back", pf.RolledBack,
		"cause", cause,
		"rollback_error", rollbackErr,
	)

	payload := map[string]any{
		"patient_id":         old.PatientID,
		"old_row_id":         old.RowID,
		"old_appointment_id": old.AppointmentID,
		"new_row_id":         booked.RowID,
		"new_appointment_id": booked.AppointmentID,
		"rolled_back":        pf.RolledBack,
		"cause":              cause.Error(),
		"conversation_id":    conversationID,
	}
	if rollbackErr != nil {
		payload["rollback_error"] = rollbackErr.Error()
	}
	data, _ := json.Marshal(payload)
	if err := o.events.Append(ctx, ledger.Event{
		Type:          ledger.EventReschedulePartial,
		RowID:         booked.RowID,
		AppointmentID: booked.AppointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}); err != nil {
		o.logger.Error("failed to record reschedule partial failure", "error", err, "payload", string(data))
	}
	return pf
}

// ownedBooking loads a BOOKED row and checks it belongs to the patient
// registered under phone.
func (o *Orchestrator) ownedBooking(ctx context.Context, identifier, phone string) (*ledger.Slot, error) {
	s, err := o.ledger.Lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if s.Status != ledger.StatusBooked {
		return nil, fmt.Errorf("%w: row %s is %s", ledger.ErrSlotNotBookable, s.RowID, s.Status)
	}
	p, err := o.patients.FindByPhone(ctx, phone)
	if errors.Is(err, patient.ErrNotFound) || (err == nil && p.ID != s.PatientID) {
		return nil, ErrNotOwner
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) HoldSlot(ctx context.Context, rowID, conversationID string) (slot *ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.hold")
	defer o.finish(span, "hold", time.Now(), &err)
	return o.ledger.HoldSlot(ctx, rowID, conversationID, 0)
}

func (o *Orchestrator) GetDayView(ctx context.Context, date string) (slots []ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.day_view")
	defer o.finish(span, "day_view", time.Now(), &err)
	return o.ledger.GetDayView(ctx, date)
}

// FindPatientAppointments lists a patient's bookings after a Level 1 check.
// The check always runs against phone, so the credentials must match the
// patient registered there.
func (o *Orchestrator) FindPatientAppointments(ctx context.Context, phone, date, conversationID string, creds verification.Credentials) (slots []ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.find_patient_appointments")
	defer o.finish(span, "find_patient_appointments", time.Now(), &err)

	if creds.Phone != "" && !patient.SamePhone(creds.Phone, phone) {
		return nil, ErrNotOwner
	}
	creds.Phone = phone
	if _, err := o.require(ctx, conversationID, verification.ActionLookup, creds); err != nil {
		return nil, err
	}
	p, err := o.patients.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	return o.ledger.FindPatientAppointments(ctx, p.ID, date)
}

func (o *Orchestrator) CreateOpening(ctx context.Context, req ledger.OpeningRequest) (slot *ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.create_opening")
	defer o.finish(span, "create_opening", time.Now(), &err)
	return o.ledger.CreateOpening(ctx, req)
}

func (o *Orchestrator) RecordOutcome(ctx context.Context, identifier string, outcome ledger.Status, note string) (slot *ledger.Slot, err error) {
	ctx, span := tracer.Start(ctx, "booking.record_outcome")
	defer o.finish(span, "record_outcome", time.Now(), &err)
	return o.ledger.RecordOutcome(ctx, identifier, outcome, note)
}

// Reconciliation lists recorded partial reschedule failures, newest first.
func (o *Orchestrator) Reconciliation(ctx context.Context, limit int) ([]ledger.Event, error) {
	return o.events.List(ctx, ledger.EventReschedulePartial, limit)
}

func (o *Orchestrator) Verify(ctx context.Context, session string, action verification.Action, creds verification.Credentials) (verification.Result, error) {
	res, err := o.gate.Verify(ctx, session, action, creds)
	if err == nil {
		o.metrics.ObserveVerification(string(action), verificationOutcome(res))
	}
	return res, err
}

func (o *Orchestrator) RequestOTP(ctx context.Context, phone string) error {
	ctx, span := tracer.Start(ctx, "booking.request_otp")
	defer span.End()

	err := o.gate.RequestOTP(ctx, phone)
	switch {
	case err == nil:
		o.metrics.ObserveOTP("issued")
	case errors.Is(err, verification.ErrNotificationFailure):
		o.metrics.ObserveOTP("delivery_failed")
		span.RecordError(err)
	default:
		span.RecordError(err)
	}
	return err
}

func (o *Orchestrator) SubmitOTP(ctx context.Context, session string, action verification.Action, phone, code string) (verification.Result, error) {
	res, err := o.gate.SubmitOTP(ctx, session, action, phone, code)
	if err == nil {
		if res.Verified {
			o.metrics.ObserveOTP("verified")
		} else {
			o.metrics.ObserveOTP("rejected")
		}
	}
	return res, err
}

// require runs the gate and turns an unsuccessful result into an error.
func (o *Orchestrator) require(ctx context.Context, session string, action verification.Action, creds verification.Credentials) (verification.Result, error) {
	res, err := o.Verify(ctx, session, action, creds)
	if err != nil {
		return res, err
	}
	if !res.Verified {
		return res, &verification.Error{Result: res}
	}
	return res, nil
}

func verificationOutcome(res verification.Result) string {
	switch {
	case res.Verified:
		return "verified"
	case res.RequiresEscalation:
		return "escalated"
	case len(res.MissingFields) > 0:
		return "incomplete"
	default:
		return "failed"
	}
}

func (o *Orchestrator) finish(span trace.Span, operation string, start time.Time, errp *error) {
	err := *errp
	outcome := Outcome(err)
	o.metrics.ObserveOperation(operation, outcome, time.Since(start).Seconds())
	if outcome == "error" || outcome == "partial_failure" {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("clinic.outcome", outcome))
	span.End()
}

// Outcome classifies an operation error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPartialReschedule):
		return "partial_failure"
	case errors.Is(err, ledger.ErrSlotConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrSlotNotBookable):
		return "not_bookable"
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, patient.ErrNotFound):
		return "not_found"
	case errors.Is(err, verification.ErrVerificationFailed),
		errors.Is(err, verification.ErrEscalateToHuman),
		errors.Is(err, ErrNotOwner):
		return "unverified"
	default:
		return "error"
	}
}
