// Package idgen produces the human-readable sequential identifiers used by
// the patient directory and the slot ledger (P-000001, A-000001, IDX-000001).
package idgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type Kind string

const (
	Patient     Kind = "P-"
	Appointment Kind = "A-"
	Row         Kind = "IDX-"
)

const defaultMaxAttempts = 5

var ErrIDTaken = errors.New("identifier already taken")

// Format renders n with the kind prefix and a six digit zero-padded sequence.
func Format(kind Kind, n int) string {
	return fmt.Sprintf("%s%06d", kind, n)
}

// Parse extracts the sequence number of id, reporting false when id does not
// belong to kind.
func Parse(kind Kind, id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, string(kind))
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MaxSequence returns the largest sequence among ids of the given kind.
func MaxSequence(kind Kind, ids []string) int {
	high := 0
	for _, id := range ids {
		if n, ok := Parse(kind, id); ok && n > high {
			high = n
		}
	}
	return high
}

// Counter hands out sequence numbers strictly greater than floor and greater
// than anything it handed out before for the same kind.
type Counter interface {
	Next(ctx context.Context, kind Kind, floor int) (int, error)
}

// LocalCounter coordinates sequence numbers within one process.
type LocalCounter struct {
	mu   sync.Mutex
	high map[Kind]int
}

func NewLocalCounter() *LocalCounter {
	return &LocalCounter{high: make(map[Kind]int)}
}

func (c *LocalCounter) Next(_ context.Context, kind Kind, floor int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.high[kind]
	if floor > n {
		n = floor
	}
	n++
	c.high[kind] = n
	return n, nil
}

// Scanner lists identifiers already present in the backing store.
type Scanner func(ctx context.Context) ([]string, error)

// Generator combines a scan of existing records with a counter so that ids
// stay sequential across restarts and unique across concurrent callers.
type Generator struct {
	counter     Counter
	maxAttempts int
}

func NewGenerator(counter Counter) *Generator {
	if counter == nil {
		counter = NewLocalCounter()
	}
	return &Generator{counter: counter, maxAttempts: defaultMaxAttempts}
}

// Next returns a fresh identifier of kind without reserving it in the store.
func (g *Generator) Next(ctx context.Context, kind Kind, scan Scanner) (string, error) {
	ids, err := scan(ctx)
	if err != nil {
		return "", fmt.Errorf("scan existing %s ids: %w", kind, err)
	}
	n, err := g.counter.Next(ctx, kind, MaxSequence(kind, ids))
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", kind, err)
	}
	return Format(kind, n), nil
}

// Claim generates an identifier and passes it to insert. When insert reports
// ErrIDTaken the store is rescanned and a new identifier is tried.
func (g *Generator) Claim(ctx context.Context, kind Kind, scan Scanner, insert func(ctx context.Context, id string) error) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		id, err := g.Next(ctx, kind, scan)
		if err != nil {
			return "", err
		}
		err = insert(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrIDTaken) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("claim %s id after %d attempts: %w", kind, g.maxAttempts, lastErr)
}
