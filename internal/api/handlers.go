package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-slot-ledger/internal/booking"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
)

func findOpeningsHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := ledger.OpeningQuery{
			From:            q.Get("from"),
			To:              q.Get("to"),
			AppointmentType: q.Get("type"),
		}
		var err error
		if query.DurationMinutes, err = intParam(q.Get("duration")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be an integer")
			return
		}
		if query.Limit, err = intParam(q.Get("limit")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		if query.From == "" {
			writeError(w, http.StatusBadRequest, "missing_from", "from is required")
			return
		}
		if query.To == "" {
			query.To = query.From
		}

		slots, err := svc.FindOpenings(r.Context(), query)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{Slots: nonNil(slots)})
	}
}

func upsertPatientHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PatientRequest
		if !decode(w, r, &req) {
			return
		}
		id, err := svc.UpsertPatient(r.Context(), req.payload())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PatientResponse{PatientID: id})
	}
}

func bookSlotHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if !decode(w, r, &req) {
			return
		}
		if req.RowID == "" {
			writeError(w, http.StatusBadRequest, "missing_row_id", "row_id is required")
			return
		}
		if req.PatientID == "" && req.Patient == nil {
			writeError(w, http.StatusBadRequest, "missing_patient", "patient_id or patient is required")
			return
		}

		in := booking.BookInput{
			RowID:           req.RowID,
			PatientID:       req.PatientID,
			AppointmentType: req.AppointmentType,
			ReasonForVisit:  req.ReasonForVisit,
			UrgencyLevel:    req.UrgencyLevel,
			RedFlag:         req.RedFlag,
			ConversationID:  conversationID(r, req.ConversationID),
		}
		if req.Patient != nil {
			in.Patient = req.Patient.payload()
		}

		slot, err := svc.BookSlot(r.Context(), in)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, slot)
	}
}

func cancelHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if !decode(w, r, &req) {
			return
		}
		slot, err := svc.CancelAppointment(r.Context(), booking.CancelInput{
			Identifier:     chi.URLParam(r, "id"),
			Reason:         req.Reason,
			ConversationID: conversationID(r, req.ConversationID),
			Credentials:    req.Credentials,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func rescheduleHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}
		if req.NewRowID == "" {
			writeError(w, http.StatusBadRequest, "missing_new_row_id", "new_row_id is required")
			return
		}
		res, err := svc.RescheduleAppointment(r.Context(), booking.RescheduleInput{
			Identifier:     chi.URLParam(r, "id"),
			NewRowID:       req.NewRowID,
			Reason:         req.Reason,
			ConversationID: conversationID(r, req.ConversationID),
			Credentials:    req.Credentials,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RescheduleResponse{Old: res.Old, New: res.New})
	}
}

func holdHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HoldRequest
		if !decode(w, r, &req) {
			return
		}
		slot, err := svc.HoldSlot(r.Context(), chi.URLParam(r, "rowID"), conversationID(r, req.ConversationID))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func dayViewHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slots, err := svc.GetDayView(r.Context(), chi.URLParam(r, "date"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{Slots: nonNil(slots)})
	}
}

// patientAppointmentsHandler takes Level 1 credentials in the body because
// they identify the caller, not the resource.
func patientAppointmentsHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LookupRequest
		if !decode(w, r, &req) {
			return
		}
		slots, err := svc.FindPatientAppointments(r.Context(),
			chi.URLParam(r, "phone"),
			r.URL.Query().Get("date"),
			conversationID(r, req.ConversationID),
			req.Credentials,
		)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotsResponse{Slots: nonNil(slots)})
	}
}

func verifyHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.Verify(r.Context(), conversationID(r, req.SessionID), req.Action, req.Credentials)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func requestOTPHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OTPRequest
		if !decode(w, r, &req) {
			return
		}
		if err := svc.RequestOTP(r.Context(), req.Phone); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	}
}

func submitOTPHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OTPSubmitRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.SubmitOTP(r.Context(), conversationID(r, req.SessionID), req.Action, req.Phone, req.Code)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func createOpeningHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpeningRequest
		if !decode(w, r, &req) {
			return
		}
		slot, err := svc.CreateOpening(r.Context(), ledger.OpeningRequest{
			Date:            req.Date,
			StartTime:       req.StartTime,
			EndTime:         req.EndTime,
			AppointmentType: req.AppointmentType,
			DurationMinutes: req.DurationMinutes,
			ProviderName:    req.ProviderName,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, slot)
	}
}

func recordOutcomeHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OutcomeRequest
		if !decode(w, r, &req) {
			return
		}
		slot, err := svc.RecordOutcome(r.Context(), chi.URLParam(r, "rowID"), req.Status, req.Note)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func reconciliationHandler(svc *booking.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		events, err := svc.Reconciliation(r.Context(), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if events == nil {
			events = []ledger.Event{}
		}
		writeJSON(w, http.StatusOK, ReconciliationResponse{Events: events})
	}
}

// conversationID prefers the body value and falls back to the
// X-Conversation-ID header.
func conversationID(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("X-Conversation-ID")
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func nonNil(slots []ledger.Slot) []ledger.Slot {
	if slots == nil {
		return []ledger.Slot{}
	}
	return slots
}
