package ledger

import (
	"fmt"
	"strings"
)

// DisplayCard renders the one-line summary stored on each row. First and last
// name are optional and only used for BOOKED rows.
func DisplayCard(s Slot, firstName, lastName string) string {
	switch s.Status {
	case StatusOpen:
		return fmt.Sprintf("[OPEN] %s (%dm)", s.AppointmentType, s.DurationMinutes)
	case StatusHeld:
		return fmt.Sprintf("[HELD] %s (%dm)", s.AppointmentType, s.DurationMinutes)
	case StatusBooked:
		first, last := strings.TrimSpace(firstName), strings.TrimSpace(lastName)
		if first != "" || last != "" {
			return fmt.Sprintf("[BOOKED] %s | %s | %s. %s", s.PatientID, s.AppointmentType, initial(first), last)
		}
		return fmt.Sprintf("[BOOKED] %s | %s", s.PatientID, s.AppointmentType)
	case StatusCancelled:
		return fmt.Sprintf("[CANCELLED] %s | %s", s.AppointmentType, s.PatientID)
	case StatusNoShow:
		return fmt.Sprintf("[NO_SHOW] %s | %s", s.AppointmentType, s.PatientID)
	case StatusCompleted:
		return fmt.Sprintf("[DONE] %s | %s", s.AppointmentType, s.PatientID)
	default:
		return fmt.Sprintf("[%s] %s", s.Status, s.AppointmentType)
	}
}

func initial(name string) string {
	for _, r := range name {
		return string(r)
	}
	return ""
}
