package api

import (
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	"github.com/hackgods/clinic-slot-ledger/internal/verification"
)

type PatientRequest struct {
	FirstName              string `json:"first_name"`
	LastName               string `json:"last_name"`
	Phone                  string `json:"phone"`
	Email                  string `json:"email"`
	DateOfBirth            string `json:"date_of_birth"`
	PatientType            string `json:"patient_type"`
	ConsentToText          *bool  `json:"consent_to_text"`
	PreferredContactMethod string `json:"preferred_contact_method"`
	InsuranceProvider      string `json:"insurance_provider"`
	InsuranceMemberID      string `json:"insurance_member_id"`
	Notes                  string `json:"notes"`
}

func (p PatientRequest) payload() patient.Payload {
	return patient.Payload{
		FirstName:              p.FirstName,
		LastName:               p.LastName,
		PhoneE164:              p.Phone,
		Email:                  p.Email,
		DateOfBirth:            p.DateOfBirth,
		PatientType:            patient.PatientType(p.PatientType),
		ConsentToText:          p.ConsentToText,
		PreferredContactMethod: p.PreferredContactMethod,
		InsuranceProvider:      p.InsuranceProvider,
		InsuranceMemberID:      p.InsuranceMemberID,
		Notes:                  p.Notes,
	}
}

type PatientResponse struct {
	PatientID string `json:"patient_id"`
}

type BookRequest struct {
	RowID           string          `json:"row_id"`
	PatientID       string          `json:"patient_id"`
	Patient         *PatientRequest `json:"patient,omitempty"`
	AppointmentType string          `json:"appointment_type"`
	ReasonForVisit  string          `json:"reason_for_visit"`
	UrgencyLevel    string          `json:"urgency_level"`
	RedFlag         bool            `json:"red_flag"`
	ConversationID  string          `json:"conversation_id"`
}

type CancelRequest struct {
	Reason         string                   `json:"reason"`
	ConversationID string                   `json:"conversation_id"`
	Credentials    verification.Credentials `json:"credentials"`
}

type RescheduleRequest struct {
	NewRowID       string                   `json:"new_row_id"`
	Reason         string                   `json:"reason"`
	ConversationID string                   `json:"conversation_id"`
	Credentials    verification.Credentials `json:"credentials"`
}

type HoldRequest struct {
	ConversationID string `json:"conversation_id"`
}

type LookupRequest struct {
	ConversationID string                   `json:"conversation_id"`
	Credentials    verification.Credentials `json:"credentials"`
}

type VerifyRequest struct {
	SessionID   string                   `json:"session_id"`
	Action      verification.Action      `json:"action"`
	Credentials verification.Credentials `json:"credentials"`
}

type OTPRequest struct {
	Phone string `json:"phone"`
}

type OTPSubmitRequest struct {
	SessionID string              `json:"session_id"`
	Action    verification.Action `json:"action"`
	Phone     string              `json:"phone"`
	Code      string              `json:"code"`
}

type OpeningRequest struct {
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	AppointmentType string `json:"appointment_type"`
	DurationMinutes int    `json:"duration_minutes"`
	ProviderName    string `json:"provider_name"`
}

type OutcomeRequest struct {
	Status ledger.Status `json:"status"`
	Note   string        `json:"note"`
}

type SlotsResponse struct {
	Slots []ledger.Slot `json:"slots"`
}

type RescheduleResponse struct {
	Old ledger.Slot `json:"old"`
	New ledger.Slot `json:"new"`
}

type ReconciliationResponse struct {
	Events []ledger.Event `json:"events"`
}

type ErrorResponse struct {
	Error        string               `json:"error"`
	Details      string               `json:"details,omitempty"`
	Verification *verification.Result `json:"verification,omitempty"`
}

// PartialRescheduleResponse reports both rows touched by a reschedule that
// could not complete, as they stood after the rollback attempt.
type PartialRescheduleResponse struct {
	Error       string      `json:"error"`
	Details     string      `json:"details,omitempty"`
	NewSlot     ledger.Slot `json:"new_slot"`
	OldSlot     ledger.Slot `json:"old_slot"`
	RolledBack  bool        `json:"rolled_back"`
	RollbackErr string      `json:"rollback_error,omitempty"`
}
