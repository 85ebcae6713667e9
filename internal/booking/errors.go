package booking

import (
	"errors"
	"fmt"

	"github.com/hackgods/clinic-slot-ledger/internal/ledger"
)

var (
	ErrPartialReschedule = errors.New("reschedule left both slots booked")
	ErrNotOwner          = errors.New("appointment does not belong to the verified patient")
)

// PartialRescheduleFailure reports a reschedule whose new slot was booked but
// whose old slot could not be cancelled. RolledBack tells whether the new
// booking was undone. It is always recorded for manual reconciliation.
type PartialRescheduleFailure struct {
	NewSlot     ledger.Slot
	OldSlot     ledger.Slot
	RolledBack  bool
	Cause       error
	RollbackErr error
}

func (e *PartialRescheduleFailure) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("reschedule of %s failed after booking %s (new booking rolled back): %v",
			e.OldSlot.RowID, e.NewSlot.RowID, e.Cause)
	}
	return fmt.Sprintf("reschedule of %s failed after booking %s, rollback failed: %v; rollback: %v",
		e.OldSlot.RowID, e.NewSlot.RowID, e.Cause, e.RollbackErr)
}

func (e *PartialRescheduleFailure) Is(target error) bool { return target == ErrPartialReschedule }

func (e *PartialRescheduleFailure) Unwrap() error { return e.Cause }
