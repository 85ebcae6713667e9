package otp

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phone = "+15550100199"

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

func newTestService(t *testing.T, store Store) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	svc := NewService(store, nil, Config{TTL: 10 * time.Minute, MaxAttempts: 3}, nil, WithClock(clock.Now))
	return svc, clock
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestIssueProducesSixDigitCode(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	code, err := svc.Issue(context.Background(), phone)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
}

func TestVerifyCorrectCodeOnceThenReplayFails(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NoError(t, res.Err())

	replay, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.False(t, replay.Valid)
	assert.ErrorIs(t, replay.Err(), ErrNoChallenge)
}

func TestReissueInvalidatesPreviousCode(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, phone)
	require.NoError(t, err)

	if first != second {
		res, err := svc.Verify(ctx, phone, first)
		require.NoError(t, err)
		assert.Equal(t, ReasonMismatch, res.Reason)
	}

	res, err := svc.Verify(ctx, phone, second)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestThreeMismatchesExhaustChallenge(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	bad := wrongCode(code)

	for want := 2; want >= 0; want-- {
		res, err := svc.Verify(ctx, phone, bad)
		require.NoError(t, err)
		assert.Equal(t, ReasonMismatch, res.Reason)
		assert.Equal(t, want, res.RemainingAttempts)
	}

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err(), ErrTooManyAttempts)

	res, err = svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoChallenge, res.Reason)
}

func TestExpiredChallengeRejectsCorrectCode(t *testing.T) {
	store := NewMemoryStore()
	svc, clock := newTestService(t, store)
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	clock.Advance(10*time.Minute + time.Second)

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), ErrExpired)
	assert.Zero(t, store.Len())
}

func TestRevokeRemovesChallenge(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, phone))

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoChallenge, res.Reason)
}

func TestConcurrentWrongSubmissionsCountEveryAttempt(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	bad := wrongCode(code)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(ctx, phone, bad)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonTooManyAttempts, res.Reason)
}

func TestRedisStoreRoundTripsChallenge(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc, clock := newTestService(t, NewRedisStore(client))
	ctx := context.Background()

	code, err := svc.Issue(ctx, phone)
	require.NoError(t, err)
	assert.True(t, mr.Exists("otp:challenge:"+phone))

	res, err := svc.Verify(ctx, phone, wrongCode(code))
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingAttempts)

	res, err = svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, mr.Exists("otp:challenge:"+phone))

	_, err = svc.Issue(ctx, phone)
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)
	res, err = svc.Verify(ctx, phone, code)
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)
}
