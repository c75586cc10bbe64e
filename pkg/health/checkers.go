package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is a dependency with a round-trip check, such as *pgxpool.Pool or
// the kitchen ticket publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails while target does not answer a ping.
func PingCheck(target string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrapf(err, "%s unreachable", target)
		}
		return nil
	}
}

// BacklogFunc reports the number of undelivered kitchen tickets and the
// creation time of the oldest one (zero when none are pending).
type BacklogFunc func(ctx context.Context) (pending int, oldest time.Time, err error)

// BacklogLimits bound the outbox before the instance stops taking orders.
// A zero limit is not enforced.
type BacklogLimits struct {
	MaxPending int           `default:"500" usage:"Max undelivered kitchen tickets before not ready"`
	MaxAge     time.Duration `default:"5m"  usage:"Max age of the oldest undelivered kitchen ticket"`
}

// OutboxBacklogCheck fails when kitchen tickets pile up in the outbox, which
// means the relay or the broker behind it is stuck and new orders would not
// reach the kitchen.
func OutboxBacklogCheck(read BacklogFunc, limits BacklogLimits, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		pending, oldest, err := read(ctx)
		if err != nil {
			return errors.Wrap(err, "read outbox backlog")
		}
		if limits.MaxPending > 0 && pending > limits.MaxPending {
			return errors.Errorf("%d kitchen tickets pending, limit %d", pending, limits.MaxPending)
		}
		if limits.MaxAge > 0 && pending > 0 && !oldest.IsZero() {
			if age := now().Sub(oldest); age > limits.MaxAge {
				return errors.Errorf("oldest kitchen ticket waiting %s, limit %s", age.Round(time.Second), limits.MaxAge)
			}
		}
		return nil
	}
}

// GoroutineLimitCheck fails when the process runs more than limit goroutines,
// which for this service points at leaked request or relay goroutines.
func GoroutineLimitCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines running, limit %d", n, limit)
		}
		return nil
	}
}
