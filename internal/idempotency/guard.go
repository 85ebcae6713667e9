package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hackgods/clinic-slot-ledger/internal/lock"
	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

// Guard serializes callers sharing a key and replays the first successful
// result. Failures are not stored, so a caller may retry with the same key.
type Guard struct {
	store  Store
	locker lock.Locker
	ttl    time.Duration
	logger *logging.Logger
}

func NewGuard(store Store, locker lock.Locker, ttl time.Duration, logger *logging.Logger) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Guard{store: store, locker: locker, ttl: ttl, logger: logger}
}

// Key joins the parts of an idempotency key. It returns "" when the
// conversation id is empty, which disables replay.
func Key(operation, conversationID string, parts ...string) string {
	if conversationID == "" {
		return ""
	}
	return strings.Join(append([]string{operation, conversationID}, parts...), ":")
}

// Do runs fn at most once successfully per key. The boolean reports whether
// the result was replayed from an earlier call.
func Do[T any](ctx context.Context, g *Guard, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	if key == "" {
		v, err := fn(ctx)
		return v, false, err
	}

	var (
		out      T
		replayed bool
	)
	err := g.locker.WithLock(ctx, "idem:"+key, func(ctx context.Context) error {
		rec, err := g.store.Get(ctx, key)
		switch {
		case err == nil:
			if err := json.Unmarshal(rec.Response, &out); err != nil {
				return err
			}
			replayed = true
			return nil
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		out, err = fn(ctx)
		if err != nil {
			return err
		}

		data, err := json.Marshal(out)
		if err != nil {
			g.logger.Warn("failed to encode idempotent result", "key", key, "error", err)
			return nil
		}
		rec = &Record{Key: key, Response: data, CreatedAt: time.Now()}
		if err := g.store.Put(context.WithoutCancel(ctx), *rec, g.ttl); err != nil {
			g.logger.Warn("failed to store idempotent result", "key", key, "error", err)
		}
		return nil
	})
	return out, replayed, err
}
