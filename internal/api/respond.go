package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-slot-ledger/internal/booking"
	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
	"github.com/hackgods/clinic-slot-ledger/internal/verification"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *verification.Error
	if errors.As(err, &verr) {
		status, code := http.StatusUnauthorized, "verification_failed"
		if verr.Result.RequiresEscalation {
			status, code = http.StatusLocked, "escalate_to_human"
		}
		res := verr.Result
		writeJSON(w, status, ErrorResponse{Error: code, Details: res.ErrorMessage, Verification: &res})
		return
	}

	var pf *booking.PartialRescheduleFailure
	if errors.As(err, &pf) {
		resp := PartialRescheduleResponse{
			Error:      "reschedule_partial_failure",
			Details:    err.Error(),
			NewSlot:    pf.NewSlot,
			OldSlot:    pf.OldSlot,
			RolledBack: pf.RolledBack,
		}
		if pf.RollbackErr != nil {
			resp.RollbackErr = pf.RollbackErr.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	switch {
	case errors.Is(err, booking.ErrPartialReschedule):
		writeError(w, http.StatusInternalServerError, "reschedule_partial_failure", err.Error())
	case errors.Is(err, booking.ErrNotOwner):
		writeError(w, http.StatusUnauthorized, "verification_failed", err.Error())
	case errors.Is(err, verification.ErrEscalateToHuman):
		writeError(w, http.StatusLocked, "escalate_to_human", err.Error())
	case errors.Is(err, verification.ErrNotificationFailure):
		writeError(w, http.StatusBadGateway, "notification_failure", err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, patient.ErrNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, ledger.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, ledger.ErrSlotNotBookable):
		writeError(w, http.StatusConflict, "slot_not_bookable", err.Error())
	case errors.Is(err, ledger.ErrDuplicateSlot):
		writeError(w, http.StatusConflict, "duplicate_slot", err.Error())
	case errors.Is(err, idgen.ErrIDTaken):
		writeError(w, http.StatusConflict, "id_contention", "identifier allocation contended, please retry")
	case errors.Is(err, ledger.ErrInvalidSlot),
		errors.Is(err, ledger.ErrInvalidOutcome),
		errors.Is(err, ledger.ErrHoldRequiresID),
		errors.Is(err, patient.ErrPhoneRequired):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
