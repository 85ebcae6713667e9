package idgen

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParse(t *testing.T) {
	assert.Equal(t, "P-000001", Format(Patient, 1))
	assert.Equal(t, "A-000042", Format(Appointment, 42))
	assert.Equal(t, "IDX-001234", Format(Row, 1234))

	cases := []struct {
		kind Kind
		id   string
		n    int
		ok   bool
	}{
		{Patient, "P-000007", 7, true},
		{Patient, "A-000007", 0, false},
		{Row, "IDX-", 0, false},
		{Row, "IDX-12a", 0, false},
		{Appointment, "A-1000000", 1000000, true},
	}
	for _, tt := range cases {
		n, ok := Parse(tt.kind, tt.id)
		if n != tt.n || ok != tt.ok {
			t.Fatalf("Parse(%q, %q)=(%d,%v), want (%d,%v)", tt.kind, tt.id, n, ok, tt.n, tt.ok)
		}
	}
}

func TestMaxSequenceIgnoresForeignIDs(t *testing.T) {
	ids := []string{"P-000003", "", "A-000009", "P-000011", "garbage"}
	assert.Equal(t, 11, MaxSequence(Patient, ids))
	assert.Equal(t, 9, MaxSequence(Appointment, ids))
	assert.Equal(t, 0, MaxSequence(Row, ids))
}

func staticScan(ids ...string) Scanner {
	return func(context.Context) ([]string, error) { return ids, nil }
}

func TestGeneratorNextContinuesFromStore(t *testing.T) {
	g := NewGenerator(nil)
	id, err := g.Next(context.Background(), Appointment, staticScan("A-000005", "A-000002"))
	require.NoError(t, err)
	assert.Equal(t, "A-000006", id)

	// the store has not caught up yet but the counter remembers
	id, err = g.Next(context.Background(), Appointment, staticScan("A-000005"))
	require.NoError(t, err)
	assert.Equal(t, "A-000007", id)
}

func TestGeneratorConcurrentCallersGetDistinctIDs(t *testing.T) {
	g := NewGenerator(NewLocalCounter())
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.Next(context.Background(), Patient, staticScan())
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestClaimRetriesOnCollision(t *testing.T) {
	g := NewGenerator(nil)
	taken := map[string]bool{"P-000001": true}
	var attempts []string

	id, err := g.Claim(context.Background(), Patient, staticScan(), func(ctx context.Context, id string) error {
		attempts = append(attempts, id)
		if taken[id] {
			return ErrIDTaken
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "P-000002", id)
	assert.Equal(t, []string{"P-000001", "P-000002"}, attempts)
}

func TestClaimStopsOnOtherErrors(t *testing.T) {
	g := NewGenerator(nil)
	boom := errors.New("store down")
	_, err := g.Claim(context.Background(), Row, staticScan(), func(ctx context.Context, id string) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestClaimGivesUp(t *testing.T) {
	g := NewGenerator(nil)
	_, err := g.Claim(context.Background(), Row, staticScan(), func(ctx context.Context, id string) error {
		return ErrIDTaken
	})
	assert.ErrorIs(t, err, ErrIDTaken)
}

func TestRedisCounterRespectsFloor(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCounter(client)
	ctx := context.Background()

	n, err := c.Next(ctx, Appointment, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	n, err = c.Next(ctx, Appointment, 3)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = c.Next(ctx, Patient, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
