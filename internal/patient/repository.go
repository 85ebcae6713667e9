package patient

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("patient not found")
	ErrPhoneRequired  = errors.New("phone_e164 is required")
	ErrDuplicatePhone = errors.New("phone already registered")
)

// Repository is the row store for patient records. It offers plain reads
// and unconditional writes only.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Patient, error)
	FindByPhone(ctx context.Context, phoneE164 string) (*Patient, error)
	ListIDs(ctx context.Context) ([]string, error)

	// Insert appends a new row. It returns idgen.ErrIDTaken when the id is
	// already used and ErrDuplicatePhone when the phone is.
	Insert(ctx context.Context, p Patient) error
	Update(ctx context.Context, p Patient) error
}
