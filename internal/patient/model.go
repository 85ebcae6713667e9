package patient

import "time"

type PatientType string

const (
	TypeNew      PatientType = "NEW"
	TypeExisting PatientType = "EXISTING"
)

type Patient struct {
	ID                     string
	FirstName              string
	LastName               string
	PhoneE164              string
	Email                  string
	DateOfBirth            string // YYYY-MM-DD
	PatientType            PatientType
	ConsentToText          bool
	PreferredContactMethod string // SMS, CALL, EMAIL
	InsuranceProvider      string
	InsuranceMemberID      string
	Notes                  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Payload carries the fields supplied to an upsert. Empty strings and nil
// pointers mean "not provided" and never overwrite stored values.
type Payload struct {
	FirstName              string
	LastName               string
	PhoneE164              string
	Email                  string
	DateOfBirth            string
	PatientType            PatientType
	ConsentToText          *bool
	PreferredContactMethod string
	InsuranceProvider      string
	InsuranceMemberID      string
	Notes                  string
}

// merge copies every provided field of p onto dst.
func (p Payload) merge(dst *Patient) {
	setIf(&dst.FirstName, p.FirstName)
	setIf(&dst.LastName, p.LastName)
	setIf(&dst.Email, p.Email)
	setIf(&dst.DateOfBirth, p.DateOfBirth)
	setIf(&dst.PreferredContactMethod, p.PreferredContactMethod)
	setIf(&dst.InsuranceProvider, p.InsuranceProvider)
	setIf(&dst.InsuranceMemberID, p.InsuranceMemberID)
	setIf(&dst.Notes, p.Notes)
	if p.PatientType != "" {
		dst.PatientType = p.PatientType
	}
	if p.ConsentToText != nil {
		dst.ConsentToText = *p.ConsentToText
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
