package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/idgen"
)

// MemoryRepository keeps ledger rows in process.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]Slot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Slot)}
}

func (r *MemoryRepository) Get(_ context.Context, rowID string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rows[rowID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) FindByAppointmentID(_ context.Context, appointmentID string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.rows {
		if s.AppointmentID == appointmentID {
			found := s
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Slot
	for _, s := range r.rows {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *MemoryRepository) Put(_ context.Context, s Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[s.RowID]; !ok {
		return ErrNotFound
	}
	r.rows[s.RowID] = s
	return nil
}

func (r *MemoryRepository) Append(_ context.Context, s Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[s.RowID]; ok {
		return idgen.ErrIDTaken
	}
	if s.Status != StatusCancelled {
		for _, existing := range r.rows {
			if existing.SlotKey == s.SlotKey && existing.Status != StatusCancelled {
				return ErrDuplicateSlot
			}
		}
	}
	r.rows[s.RowID] = s
	return nil
}

func (r *MemoryRepository) RowIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRepository) AppointmentIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, s := range r.rows {
		if s.AppointmentID != "" {
			ids = append(ids, s.AppointmentID)
		}
	}
	return ids, nil
}

// sortSlots orders rows by date, start time, then lane.
func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.Lane < b.Lane
	})
}

// MemoryEventLog keeps audit events in process.
type MemoryEventLog struct {
	mu     sync.Mutex
	nextID int64
	events []Event
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (l *MemoryEventLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	ev.ID = l.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	l.events = append(l.events, ev)
	return nil
}

// List returns the newest events first. An empty eventType matches all.
func (l *MemoryEventLog) List(_ context.Context, eventType string, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryEventLog) AppointmentIDs(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for _, ev := range l.events {
		if ev.AppointmentID != "" {
			ids = append(ids, ev.AppointmentID)
		}
	}
	return ids, nil
}
