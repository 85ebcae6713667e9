package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ledger *Ledger
	repo   *MemoryRepository
	events *MemoryEventLog
	clock  *fakeClock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	repo := NewMemoryRepository()
	events := NewMemoryEventLog()
	clock := &fakeClock{now: time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)}
	l := New(repo, events, nil, nil, Config{ProviderName: "Dr. Chen"}, nil, WithClock(clock.Now))
	return harness{ledger: l, repo: repo, events: events, clock: clock}
}

func (h harness) opening(t *testing.T, date, start, apptType string, minutes int) Slot {
	t.Helper()
	s, err := h.ledger.CreateOpening(context.Background(), OpeningRequest{
		Date:            date,
		StartTime:       start,
		AppointmentType: apptType,
		DurationMinutes: minutes,
	})
	require.NoError(t, err)
	return *s
}

func (h harness) book(t *testing.T, rowID, patientID string) Slot {
	t.Helper()
	s, err := h.ledger.BookSlot(context.Background(), BookRequest{RowID: rowID, PatientID: patientID})
	require.NoError(t, err)
	return *s
}

func (h harness) eventTypes(t *testing.T) []string {
	t.Helper()
	evs, err := h.events.List(context.Background(), "", 0)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[len(evs)-1-i] = ev.Type
	}
	return out
}

func TestCreateOpening(t *testing.T) {
	h := newHarness(t)

	s := h.opening(t, "2026-02-10", "9:00", "Cleaning", 30)
	assert.Equal(t, "IDX-000001", s.RowID)
	assert.Equal(t, "2026-02-10|09:00|Dr-Chair", s.SlotKey)
	assert.Equal(t, "09:30", s.EndTime)
	assert.Equal(t, "Dr. Chen", s.ProviderName)
	assert.Equal(t, "[OPEN] Cleaning (30m)", s.DisplayCard)

	_, err := h.ledger.CreateOpening(context.Background(), OpeningRequest{
		Date: "2026-02-10", StartTime: "09:00", AppointmentType: "Exam", DurationMinutes: 30,
	})
	assert.ErrorIs(t, err, ErrDuplicateSlot)

	s2, err := h.ledger.CreateOpening(context.Background(), OpeningRequest{
		Date: "2026-02-10", StartTime: "10:00", EndTime: "11:00", AppointmentType: "Exam",
	})
	require.NoError(t, err)
	assert.Equal(t, "IDX-000002", s2.RowID)
	assert.Equal(t, 60, s2.DurationMinutes)
}

func TestCreateOpeningValidation(t *testing.T) {
	h := newHarness(t)
	bad := []OpeningRequest{
		{Date: "10/02/2026", StartTime: "09:00", AppointmentType: "Cleaning", DurationMinutes: 30},
		{Date: "2026-02-10", StartTime: "nine", AppointmentType: "Cleaning", DurationMinutes: 30},
		{Date: "2026-02-10", StartTime: "09:00", DurationMinutes: 30},
		{Date: "2026-02-10", StartTime: "09:00", AppointmentType: "Cleaning"},
		{Date: "2026-02-10", StartTime: "09:00", EndTime: "08:00", AppointmentType: "Cleaning"},
		{Date: "2026-02-10", StartTime: "23:45", AppointmentType: "Cleaning", DurationMinutes: 30},
	}
	for _, req := range bad {
		_, err := h.ledger.CreateOpening(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidSlot, "%+v", req)
	}
}

func TestCreateOpeningReusesKeyOfCancelledRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	h.book(t, s.RowID, "P-000001")
	_, err := h.ledger.RecordOutcome(ctx, s.RowID, StatusCancelled, "clinic closed")
	require.NoError(t, err)

	again := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	assert.NotEqual(t, s.RowID, again.RowID)
}

func TestFindOpeningsScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	booked := h.opening(t, "2026-02-10", "10:00", "Cleaning", 30)
	h.book(t, booked.RowID, "P-000001")
	h.opening(t, "2026-02-11", "09:00", "Cleaning", 30)
	h.opening(t, "2026-02-10", "11:00", "Exam", 30)
	h.opening(t, "2026-02-10", "12:00", "Cleaning", 60)
	require.NoError(t, h.repo.Append(ctx, Slot{
		RowID: "IDX-000900", SlotKey: SlotKey("2026-02-10", "08:00", "Hygiene-Room"), Date: "2026-02-10",
		StartTime: "08:00", EndTime: "08:30", Lane: "Hygiene-Room", AppointmentType: "Cleaning",
		DurationMinutes: 30, Status: StatusOpen,
	}))

	got, err := h.ledger.FindOpenings(ctx, OpeningQuery{
		From: "2026-02-10", To: "2026-02-10", AppointmentType: "Cleaning", DurationMinutes: 30, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.RowID, got[0].RowID)
}

func TestFindOpeningsOrdersAndLimits(t *testing.T) {
	h := newHarness(t)
	h.opening(t, "2026-02-11", "08:00", "Cleaning", 30)
	h.opening(t, "2026-02-10", "14:00", "Cleaning", 30)
	h.opening(t, "2026-02-10", "09:30", "Cleaning", 30)

	got, err := h.ledger.FindOpenings(context.Background(), OpeningQuery{From: "2026-02-10", To: "2026-02-11", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "09:30", got[0].StartTime)
	assert.Equal(t, "14:00", got[1].StartTime)
}

func TestBookSlot(t *testing.T) {
	h := newHarness(t)
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	got, err := h.ledger.BookSlot(context.Background(), BookRequest{
		RowID:            s.RowID,
		PatientID:        "P-000007",
		ReasonForVisit:   "routine cleaning",
		UrgencyLevel:     "LOW",
		PatientFirstName: "Maria",
		PatientLastName:  "Lopez",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, got.Status)
	assert.Equal(t, "A-000001", got.AppointmentID)
	assert.Equal(t, "P-000007", got.PatientID)
	assert.Equal(t, "AI", got.BookedBy)
	assert.Equal(t, "[BOOKED] P-000007 | Cleaning | M. Lopez", got.DisplayCard)
	assert.Equal(t, []string{EventSlotCreated, EventSlotBooked}, h.eventTypes(t))
}

func TestBookSlotFailsOnStaleOpenRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	seen, err := h.ledger.Lookup(ctx, s.RowID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, seen.Status)

	h.book(t, s.RowID, "P-000001")

	_, err = h.ledger.BookSlot(ctx, BookRequest{RowID: seen.RowID, PatientID: "P-000002"})
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestBookSlotMissingRow(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.BookSlot(context.Background(), BookRequest{RowID: "IDX-000404", PatientID: "P-000001"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBookingExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []Slot
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := h.ledger.BookSlot(context.Background(), BookRequest{
				RowID:     s.RowID,
				PatientID: fmt.Sprintf("P-%06d", i+1),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, *got)
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, conflicts)
	assert.Regexp(t, `^A-\d{6}$`, winners[0].AppointmentID)

	stored, err := h.repo.Get(context.Background(), s.RowID)
	require.NoError(t, err)
	assert.Equal(t, winners[0].AppointmentID, stored.AppointmentID)
}

func TestBookSlotReplaysSameConversation(t *testing.T) {
	h := newHarness(t)
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	req := BookRequest{RowID: s.RowID, PatientID: "P-000001", ConversationID: "conv-42"}

	first, err := h.ledger.BookSlot(context.Background(), req)
	require.NoError(t, err)
	second, err := h.ledger.BookSlot(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.AppointmentID, second.AppointmentID)

	req.PatientID = "P-000002"
	_, err = h.ledger.BookSlot(context.Background(), req)
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestCancelSlotFlipsBackToOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	booked, err := h.ledger.BookSlot(ctx, BookRequest{
		RowID: s.RowID, PatientID: "P-000003", ReasonForVisit: "tooth pain", UrgencyLevel: "HIGH", RedFlag: true,
		ConversationID: "conv-1",
	})
	require.NoError(t, err)

	got, err := h.ledger.CancelSlot(ctx, booked.AppointmentID, "patient request", "conv-2")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Empty(t, got.AppointmentID)
	assert.Empty(t, got.PatientID)
	assert.Empty(t, got.ReasonForVisit)
	assert.Empty(t, got.UrgencyLevel)
	assert.False(t, got.RedFlag)
	assert.Empty(t, got.ConversationID)
	assert.Equal(t, "patient request", got.CancelOrReschedReason)
	assert.Equal(t, "[OPEN] Cleaning (30m)", got.DisplayCard)

	_, err = h.ledger.CancelSlot(ctx, s.RowID, "again", "")
	assert.ErrorIs(t, err, ErrSlotNotBookable)

	_, err = h.ledger.CancelSlot(ctx, booked.AppointmentID, "again", "")
	assert.ErrorIs(t, err, ErrNotFound)

	evs, err := h.events.List(ctx, EventSlotCancelled, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, booked.AppointmentID, evs[0].AppointmentID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Payload, &payload))
	assert.Equal(t, "P-000003", payload["patient_id"])
}

func TestAppointmentIDsAreNotReusedAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	first := h.book(t, s.RowID, "P-000001")
	_, err := h.ledger.CancelSlot(ctx, first.AppointmentID, "moved", "")
	require.NoError(t, err)

	// a fresh ledger over the same store must not hand out the freed id
	fresh := New(h.repo, h.events, nil, nil, Config{}, nil, WithClock(h.clock.Now))
	second, err := fresh.BookSlot(ctx, BookRequest{RowID: s.RowID, PatientID: "P-000002"})
	require.NoError(t, err)
	assert.Equal(t, "A-000001", first.AppointmentID)
	assert.Equal(t, "A-000002", second.AppointmentID)
}

func TestHoldSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	held, err := h.ledger.HoldSlot(ctx, s.RowID, "conv-a", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, held.Status)
	assert.Equal(t, "[HELD] Cleaning (30m)", held.DisplayCard)

	_, err = h.ledger.HoldSlot(ctx, s.RowID, "conv-b", 0)
	assert.ErrorIs(t, err, ErrSlotConflict)
	_, err = h.ledger.BookSlot(ctx, BookRequest{RowID: s.RowID, PatientID: "P-000002", ConversationID: "conv-b"})
	assert.ErrorIs(t, err, ErrSlotConflict)

	openings, err := h.ledger.FindOpenings(ctx, OpeningQuery{From: "2026-02-10", To: "2026-02-10"})
	require.NoError(t, err)
	assert.Empty(t, openings)

	got, err := h.ledger.BookSlot(ctx, BookRequest{RowID: s.RowID, PatientID: "P-000001", ConversationID: "conv-a"})
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, got.Status)
	assert.Nil(t, got.HeldUntil)

	_, err = h.ledger.HoldSlot(ctx, s.RowID, "", 0)
	assert.ErrorIs(t, err, ErrHoldRequiresID)
}

func TestReleaseExpiredHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expiring := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	live := h.opening(t, "2026-02-10", "10:00", "Cleaning", 30)

	_, err := h.ledger.HoldSlot(ctx, expiring.RowID, "conv-a", time.Minute)
	require.NoError(t, err)
	_, err = h.ledger.HoldSlot(ctx, live.RowID, "conv-b", time.Hour)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	n, err := h.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.repo.Get(ctx, expiring.RowID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, stored.Status)
	assert.Nil(t, stored.HeldUntil)
	assert.Empty(t, stored.ConversationID)

	stored, err = h.repo.Get(ctx, live.RowID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, stored.Status)

	n, err = h.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, h.eventTypes(t), EventHoldExpired)
}

func TestExpiredHoldReadsAsOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	_, err := h.ledger.HoldSlot(ctx, s.RowID, "conv-a", time.Minute)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	openings, err := h.ledger.FindOpenings(ctx, OpeningQuery{From: "2026-02-10", To: "2026-02-10"})
	require.NoError(t, err)
	require.Len(t, openings, 1)
	assert.Equal(t, StatusOpen, openings[0].Status)

	got, err := h.ledger.BookSlot(ctx, BookRequest{RowID: s.RowID, PatientID: "P-000009", ConversationID: "conv-b"})
	require.NoError(t, err)
	assert.Equal(t, "conv-b", got.ConversationID)
}

func TestRecordOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)
	booked := h.book(t, s.RowID, "P-000004")

	_, err := h.ledger.RecordOutcome(ctx, booked.AppointmentID, StatusOpen, "")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	got, err := h.ledger.RecordOutcome(ctx, booked.AppointmentID, StatusNoShow, "did not arrive")
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, got.Status)
	assert.Equal(t, "P-000004", got.PatientID)
	assert.Equal(t, "[NO_SHOW] Cleaning | P-000004", got.DisplayCard)

	_, err = h.ledger.RecordOutcome(ctx, s.RowID, StatusCompleted, "")
	assert.ErrorIs(t, err, ErrSlotNotBookable)
	_, err = h.ledger.CancelSlot(ctx, s.RowID, "late", "")
	assert.ErrorIs(t, err, ErrSlotNotBookable)
}

func TestGetDayViewAndPatientAppointments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	late := h.opening(t, "2026-02-10", "15:00", "Exam", 45)
	early := h.opening(t, "2026-02-10", "08:00", "Cleaning", 30)
	h.opening(t, "2026-02-11", "08:00", "Cleaning", 30)
	h.book(t, late.RowID, "P-000001")
	other := h.opening(t, "2026-02-11", "10:00", "Cleaning", 30)
	h.book(t, other.RowID, "P-000001")

	day, err := h.ledger.GetDayView(ctx, "2026-02-10")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, early.RowID, day[0].RowID)
	assert.Equal(t, late.RowID, day[1].RowID)

	_, err = h.ledger.GetDayView(ctx, "tomorrow")
	assert.ErrorIs(t, err, ErrInvalidSlot)

	mine, err := h.ledger.FindPatientAppointments(ctx, "P-000001", "")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "2026-02-10", mine[0].Date)

	mine, err = h.ledger.FindPatientAppointments(ctx, "P-000001", "2026-02-11")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, other.RowID, mine[0].RowID)
}

// racingRepo lets another writer overwrite a row right after our write lands.
type racingRepo struct {
	*MemoryRepository
	once  sync.Once
	steal func(s Slot) Slot
}

func (r *racingRepo) Put(ctx context.Context, s Slot) error {
	if err := r.MemoryRepository.Put(ctx, s); err != nil {
		return err
	}
	r.once.Do(func() {
		_ = r.MemoryRepository.Put(ctx, r.steal(s))
	})
	return nil
}

func TestWriteAnomalyIsDetectedAndRecorded(t *testing.T) {
	repo := &racingRepo{
		MemoryRepository: NewMemoryRepository(),
		steal: func(s Slot) Slot {
			s.AppointmentID = "A-999999"
			s.PatientID = "P-999999"
			return s
		},
	}
	events := NewMemoryEventLog()
	l := New(repo, events, nil, nil, Config{}, nil)
	ctx := context.Background()

	s, err := l.CreateOpening(ctx, OpeningRequest{Date: "2026-02-10", StartTime: "09:00", AppointmentType: "Cleaning", DurationMinutes: 30})
	require.NoError(t, err)

	_, err = l.BookSlot(ctx, BookRequest{RowID: s.RowID, PatientID: "P-000001"})
	require.ErrorIs(t, err, ErrSlotConflict)

	anomalies, err := events.List(ctx, EventSlotWriteAnomaly, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "A-999999", anomalies[0].AppointmentID)
}

func TestCompareStatusAndWriteReportsConflictWithoutWriting(t *testing.T) {
	h := newHarness(t)
	s := h.opening(t, "2026-02-10", "09:00", "Cleaning", 30)

	called := false
	res, err := h.ledger.CompareStatusAndWrite(context.Background(), s.RowID, []Status{StatusBooked}, func(*Slot) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.False(t, res.Anomaly)
	assert.Equal(t, StatusOpen, res.Observed)
	assert.False(t, called)
}
