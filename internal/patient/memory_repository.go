package patient

import (
	"context"
	"sort"
	"sync"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
)

// MemoryRepository keeps patient rows in process, for development and tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]Patient
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Patient)}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) FindByPhone(_ context.Context, phoneE164 string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.rows {
		if SamePhone(p.PhoneE164, phoneE164) {
			found := p
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) Insert(_ context.Context, p Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[p.ID]; ok {
		return idgen.ErrIDTaken
	}
	for _, existing := range r.rows {
		if SamePhone(existing.PhoneE164, p.PhoneE164) {
			return ErrDuplicatePhone
		}
	}
	r.rows[p.ID] = p
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, p Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[p.ID]; !ok {
		return ErrNotFound
	}
	r.rows[p.ID] = p
	return nil
}

// Len reports how many patient rows exist.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
