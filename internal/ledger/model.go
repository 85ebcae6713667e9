package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("slot not found")
	ErrSlotConflict    = errors.New("slot changed before the write, pick another slot")
	ErrSlotNotBookable = errors.New("slot is not in a state that allows this change")
	ErrDuplicateSlot   = errors.New("a live slot already exists for this date, time and lane")
	ErrInvalidOutcome  = errors.New("outcome must be CANCELLED, NO_SHOW or COMPLETED")
	ErrInvalidSlot     = errors.New("invalid slot definition")
	ErrHoldRequiresID  = errors.New("holding a slot requires a conversation id")
)

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusHeld      Status = "HELD"
	StatusBooked    Status = "BOOKED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
	StatusCompleted Status = "COMPLETED"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Slot is one row of the ledger. AppointmentID and PatientID are set exactly
// when the row is BOOKED or carries a terminal outcome.
type Slot struct {
	RowID                 string     `json:"row_id"`
	SlotKey               string     `json:"slot_key"`
	Date                  string     `json:"date"`
	StartTime             string     `json:"start_time"`
	EndTime               string     `json:"end_time"`
	Lane                  string     `json:"lane"`
	ProviderName          string     `json:"provider_name,omitempty"`
	AppointmentType       string     `json:"appointment_type"`
	DurationMinutes       int        `json:"duration_minutes"`
	Status                Status     `json:"status"`
	AppointmentID         string     `json:"appointment_id,omitempty"`
	PatientID             string     `json:"patient_id,omitempty"`
	ReasonForVisit        string     `json:"reason_for_visit,omitempty"`
	UrgencyLevel          string     `json:"urgency_level,omitempty"`
	RedFlag               bool       `json:"red_flag"`
	BookedBy              string     `json:"booked_by,omitempty"`
	CancelOrReschedReason string     `json:"cancel_or_resched_reason,omitempty"`
	ConversationID        string     `json:"conversation_id,omitempty"`
	HeldUntil             *time.Time `json:"held_until,omitempty"`
	DisplayCard           string     `json:"display_card"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// SlotKey builds the uniqueness key date|startTime|lane.
func SlotKey(date, startTime, lane string) string {
	return date + "|" + startTime + "|" + lane
}

// holdExpired reports whether a HELD row has outlived its reservation.
func (s Slot) holdExpired(now time.Time) bool {
	return s.Status == StatusHeld && (s.HeldUntil == nil || !now.Before(*s.HeldUntil))
}

// effective returns the row as it should be seen at now: an expired hold
// reads as OPEN.
func (s Slot) effective(now time.Time) Slot {
	if s.holdExpired(now) {
		s.Status = StatusOpen
		s.ConversationID = ""
		s.HeldUntil = nil
		s.DisplayCard = DisplayCard(s, "", "")
	}
	return s
}

// clearPatient drops every patient-specific field.
func (s *Slot) clearPatient() {
	s.AppointmentID = ""
	s.PatientID = ""
	s.ReasonForVisit = ""
	s.UrgencyLevel = ""
	s.RedFlag = false
	s.BookedBy = ""
	s.ConversationID = ""
	s.HeldUntil = nil
}

// Filter selects rows. Zero fields match everything.
type Filter struct {
	Date     string
	DateFrom string
	DateTo   string
	Lane     string
	SlotKey  string
	Statuses []Status
	// PatientID restricts to rows owned by the patient.
	PatientID string
}

func (f Filter) Match(s Slot) bool {
	if f.Date != "" && s.Date != f.Date {
		return false
	}
	if f.DateFrom != "" && s.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && s.Date > f.DateTo {
		return false
	}
	if f.Lane != "" && s.Lane != f.Lane {
		return false
	}
	if f.SlotKey != "" && s.SlotKey != f.SlotKey {
		return false
	}
	if f.PatientID != "" && s.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}
	return true
}

// OpeningQuery filters findOpenings. Dates are inclusive.
type OpeningQuery struct {
	From            string
	To              string
	AppointmentType string
	DurationMinutes int
	Limit           int
}

// BookRequest carries everything written onto a row when it is booked. The
// patient names only feed the display card.
type BookRequest struct {
	RowID            string
	PatientID        string
	AppointmentType  string
	ReasonForVisit   string
	UrgencyLevel     string
	RedFlag          bool
	ConversationID   string
	PatientFirstName string
	PatientLastName  string
}

// OpeningRequest describes a new OPEN row.
type OpeningRequest struct {
	Date            string
	StartTime       string
	EndTime         string
	AppointmentType string
	DurationMinutes int
	ProviderName    string
}

// WriteResult reports the outcome of a conditional write. Conflict is set when
// the fresh status did not match, or when the row read back after the write
// is not what was written.
type WriteResult struct {
	Slot     Slot
	Conflict bool
	Anomaly  bool
	Observed Status
}
