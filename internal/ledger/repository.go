package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Repository is the row store. It offers single-row reads and writes only; no
// conditional write and no multi-row transaction.
type Repository interface {
	Get(ctx context.Context, rowID string) (*Slot, error)
	FindByAppointmentID(ctx context.Context, appointmentID string) (*Slot, error)
	List(ctx context.Context, f Filter) ([]Slot, error)
	// Put overwrites an existing row.
	Put(ctx context.Context, s Slot) error
	// Append inserts a new row. A taken row id reports idgen.ErrIDTaken.
	Append(ctx context.Context, s Slot) error
	RowIDs(ctx context.Context) ([]string, error)
	AppointmentIDs(ctx context.Context) ([]string, error)
}

const (
	EventSlotCreated       = "SLOT_CREATED"
	EventSlotBooked        = "SLOT_BOOKED"
	EventSlotCancelled     = "SLOT_CANCELLED"
	EventSlotHeld          = "SLOT_HELD"
	EventHoldExpired       = "SLOT_HOLD_EXPIRED"
	EventSlotOutcome       = "SLOT_OUTCOME"
	EventSlotWriteAnomaly  = "SLOT_WRITE_ANOMALY"
	EventReschedulePartial = "RESCHEDULE_PARTIAL_FAILURE"
)

// Event is an append-only audit record.
type Event struct {
	ID            int64           `json:"id"`
	Type          string          `json:"event_type"`
	RowID         string          `json:"row_id,omitempty"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventLog stores audit events.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
	List(ctx context.Context, eventType string, limit int) ([]Event, error)
	// AppointmentIDs lists every appointment id ever recorded, so ids freed by
	// a flip-back cancel are never handed out again.
	AppointmentIDs(ctx context.Context) ([]string, error)
}
