package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RelayConfig tunes the polling relay.
type RelayConfig struct {
	PollInterval time.Duration `default:"2s"`
	BatchSize    int           `default:"50"`
	// RetryBase is the delay after the first failed publish; it doubles on
	// every further failure up to RetryMax.
	RetryBase time.Duration `default:"5s"`
	RetryMax  time.Duration `default:"10m"`
}

func (c *RelayConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 10 * time.Minute
	}
}

// Relay moves pending outbox entries to a Publisher.
type Relay struct {
	store Store
	pub   Publisher
	cfg   RelayConfig
	now   func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(store Store, pub Publisher, cfg RelayConfig) *Relay {
	cfg.setDefaults()
	return &Relay{store: store, pub: pub, cfg: cfg, now: time.Now}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Outbox relay started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("Outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch of due messages and returns how many were
// delivered. Failed messages are rescheduled with exponential backoff.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	lg := zctx.From(ctx)

	msgs, err := r.store.Pending(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "pending messages")
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.pub.Publish(ctx, msg.Topic, msg.Payload); err != nil {
			retries := msg.RetryCount + 1
			next := r.now().Add(r.backoff(retries))
			lg.Warn("Publish failed, rescheduling",
				zap.Int64("outbox_id", msg.ID),
				zap.Int("retry_count", retries),
				zap.Time("next_retry_at", next),
				zap.Error(err),
			)
			if err := r.store.Retry(ctx, msg.ID, retries, err.Error(), next); err != nil {
				return delivered, errors.Wrapf(err, "reschedule %d", msg.ID)
			}
			continue
		}

		if err := r.store.Delete(ctx, msg.ID); err != nil {
			// The message is redelivered on the next poll; consumers dedupe
			// by order id.
			return delivered, errors.Wrapf(err, "delete %d", msg.ID)
		}
		delivered++
	}

	if delivered > 0 {
		lg.Debug("Outbox flushed", zap.Int("delivered", delivered), zap.Int("pending", len(msgs)))
	}
	return delivered, nil
}

func (r *Relay) backoff(retries int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= r.cfg.RetryMax {
			return r.cfg.RetryMax
		}
	}
	return d
}
