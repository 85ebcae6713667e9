package verification

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-ledger/internal/otp"
	"github.com/hackgods/clinic-slot-ledger/internal/patient"
)

type captureNotifier struct {
	mu       sync.Mutex
	err      error
	messages map[string]string
}

func (n *captureNotifier) Send(_ context.Context, destination, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.messages == nil {
		n.messages = make(map[string]string)
	}
	n.messages[destination] = message
	return nil
}

var codePattern = regexp.MustCompile(`\d{6}`)

func (n *captureNotifier) code(t *testing.T, phone string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	code := codePattern.FindString(n.messages[phone])
	require.NotEmpty(t, code, "no code delivered to %s", phone)
	return code
}

type fixture struct {
	gate     *Gate
	notifier *captureNotifier
	store    *otp.MemoryStore
}

func newFixture(t *testing.T, sessions SessionStore) fixture {
	t.Helper()
	ctx := context.Background()

	dir := patient.NewDirectory(patient.NewMemoryRepository(), nil, nil, nil)
	_, err := dir.Upsert(ctx, patient.Payload{
		FirstName:   "Maria",
		LastName:    "Lopez",
		PhoneE164:   "+15550100001",
		Email:       "maria.lopez@example.com",
		DateOfBirth: "1988-04-12",
	})
	require.NoError(t, err)

	store := otp.NewMemoryStore()
	challenges := otp.NewService(store, nil, otp.Config{}, nil)
	notifier := &captureNotifier{}
	return fixture{
		gate:     NewGate(dir, challenges, notifier, sessions, 3, nil),
		notifier: notifier,
		store:    store,
	}
}

func TestRequiredLevel(t *testing.T) {
	cases := map[Action]Level{
		ActionBookNew:    LevelNone,
		ActionLookup:     Level1,
		ActionCancel:     Level2,
		ActionReschedule: Level2,
		Action("wipe"):   Level2,
	}
	for action, want := range cases {
		assert.Equal(t, want, RequiredLevel(action), action)
	}
}

func TestVerifyBookNewNeedsNothing(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.gate.Verify(context.Background(), "conv-1", ActionBookNew, Credentials{})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, LevelNone, res.Level)
}

func TestVerifyLevel1(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("name and dob ignoring case and whitespace", func(t *testing.T) {
		res, err := f.gate.Verify(ctx, "l1-a", ActionLookup, Credentials{
			FirstName: " maria ", LastName: "LOPEZ", Phone: "(555) 010-0001", DateOfBirth: "1988-04-12",
		})
		require.NoError(t, err)
		assert.True(t, res.Verified)
	})

	t.Run("missing fields are reported, not counted", func(t *testing.T) {
		res, err := f.gate.Verify(ctx, "l1-b", ActionLookup, Credentials{FirstName: "Maria"})
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Equal(t, []string{"last name", "date of birth or phone number"}, res.MissingFields)

		n, err := f.gate.sessions.Failures(ctx, "l1-b", ActionLookup)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("wrong last name fails", func(t *testing.T) {
		res, err := f.gate.Verify(ctx, "l1-c", ActionLookup, Credentials{
			FirstName: "Maria", LastName: "Lopes", Phone: "+15550100001",
		})
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.ErrorIs(t, res.Err(), ErrVerificationFailed)
	})
}

func TestVerifyLevel2CredentialPairs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.gate.Verify(ctx, "s1", ActionCancel, Credentials{Phone: "+15550100001", DateOfBirth: "1988-04-12"})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, Level2, res.Level)

	res, err = f.gate.Verify(ctx, "s2", ActionReschedule, Credentials{Phone: "5550100001", Email: " Maria.Lopez@Example.com"})
	require.NoError(t, err)
	assert.True(t, res.Verified)

	res, err = f.gate.Verify(ctx, "s3", ActionCancel, Credentials{
		Phone: "+15550100001", DateOfBirth: "1988-04-12", Email: "someone@else.com",
	})
	require.NoError(t, err)
	assert.False(t, res.Verified, "a single mismatch fails the whole check")
	assert.True(t, res.RequiresOTP)

	res, err = f.gate.Verify(ctx, "s4", ActionCancel, Credentials{Phone: "+15550100001"})
	require.NoError(t, err)
	assert.Equal(t, []string{"date of birth or email"}, res.MissingFields)
}

func TestVerifyEscalatesOnAttemptAfterThirdFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bad := Credentials{Phone: "+15550100001", DateOfBirth: "1990-01-01"}

	for i := 0; i < 3; i++ {
		res, err := f.gate.Verify(ctx, "conv-esc", ActionCancel, bad)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), ErrVerificationFailed)
	}

	res, err := f.gate.Verify(ctx, "conv-esc", ActionCancel, bad)
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
	assert.ErrorIs(t, res.Err(), ErrEscalateToHuman)

	good := Credentials{Phone: "+15550100001", DateOfBirth: "1988-04-12"}
	res, err = f.gate.Verify(ctx, "conv-esc", ActionCancel, good)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrEscalateToHuman)

	res, err = f.gate.Verify(ctx, "conv-other", ActionCancel, good)
	require.NoError(t, err)
	assert.True(t, res.Verified, "budgets are per session")
}

func TestOTPFailuresShareBudgetWithCredentials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	phone := "+15550100001"

	res, err := f.gate.Verify(ctx, "conv-mix", ActionReschedule, Credentials{Phone: phone, Email: "nope@example.com"})
	require.NoError(t, err)
	require.False(t, res.Verified)

	require.NoError(t, f.gate.RequestOTP(ctx, phone))
	code := f.notifier.code(t, phone)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	res, err = f.gate.SubmitOTP(ctx, "conv-mix", ActionReschedule, phone, wrong)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrVerificationFailed)

	res, err = f.gate.SubmitOTP(ctx, "conv-mix", ActionReschedule, phone, wrong)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrVerificationFailed, "third failure still reports the mismatch")

	res, err = f.gate.SubmitOTP(ctx, "conv-mix", ActionReschedule, phone, code)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.ErrorIs(t, res.Err(), ErrEscalateToHuman)
}

func TestSubmitOTPGrantsLevel2ForSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	phone := "+15550100001"

	require.NoError(t, f.gate.RequestOTP(ctx, phone))
	res, err := f.gate.SubmitOTP(ctx, "conv-otp", ActionCancel, phone, f.notifier.code(t, phone))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, Level2, res.Level)

	res, err = f.gate.Verify(ctx, "conv-otp", ActionCancel, Credentials{Phone: phone})
	require.NoError(t, err)
	assert.True(t, res.Verified)

	res, err = f.gate.Verify(ctx, "conv-elsewhere", ActionCancel, Credentials{Phone: phone})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestRequestOTPRevokesOnDeliveryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("carrier rejected")

	err := f.gate.RequestOTP(context.Background(), "+15550100001")
	require.ErrorIs(t, err, ErrNotificationFailure)
	assert.Zero(t, f.store.Len())
}

func TestRedisSessionStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisSessionStore(client, time.Minute)
	ctx := context.Background()

	n, err := store.RecordFailure(ctx, "conv-r", ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.RecordFailure(ctx, "conv-r", ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.Failures(ctx, "conv-r", ActionReschedule)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Grant(ctx, "conv-r", "+15550100001"))
	ok, err := store.HasGrant(ctx, "conv-r", "+15550100001")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	n, err = store.Failures(ctx, "conv-r", ActionCancel)
	require.NoError(t, err)
	assert.Zero(t, n)
	ok, err = store.HasGrant(ctx, "conv-r", "+15550100001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateWithRedisSessions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t, NewRedisSessionStore(client, time.Minute))
	bad := Credentials{Phone: "+15550100001", DateOfBirth: "2000-01-01"}
	for i := 0; i < 3; i++ {
		_, err := f.gate.Verify(context.Background(), "conv-redis", ActionCancel, bad)
		require.NoError(t, err)
	}
	assert.Equal(t, "3", mustGet(t, mr, "verify:failures:conv-redis:cancel_appointment"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
