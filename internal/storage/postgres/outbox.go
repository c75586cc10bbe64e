package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-pos/internal/outbox"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Store backed by PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func insertOutbox(ctx context.Context, q querier, topic string, payload []byte, at time.Time) error {
	query, args, err := psql.Insert("outbox").
		Columns("topic", "payload", "created_at", "next_retry_at").
		Values(topic, payload, at, at).
		ToSql()
	if err != nil {
		return fmt.Errorf("building outbox insert: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting outbox message: %w", err)
	}
	return nil
}

// Pending returns messages due at now, oldest first.
func (r *OutboxRepository) Pending(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	query, args, err := psql.Select(
		"id", "topic", "payload", "retry_count", "max_retries", "created_at", "next_retry_at",
	).
		From("outbox").
		Where(sq.LtOrEq{"next_retry_at": now}).
		Where(sq.Expr("retry_count < max_retries")).
		OrderBy("next_retry_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building outbox select: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Message, error) {
		var m outbox.Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.RetryCount, &m.MaxRetries, &m.CreatedAt, &m.NextRetryAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning outbox: %w", err)
	}
	return msgs, nil
}

// Backlog counts messages that still have delivery attempts left, including
// those waiting for a retry.
func (r *OutboxRepository) Backlog(ctx context.Context) (outbox.Backlog, error) {
	query, args, err := psql.Select("count(*)", "min(created_at)").
		From("outbox").
		Where(sq.Expr("retry_count < max_retries")).
		ToSql()
	if err != nil {
		return outbox.Backlog{}, fmt.Errorf("building outbox backlog: %w", err)
	}

	var (
		b      outbox.Backlog
		oldest *time.Time
	)
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&b.Pending, &oldest); err != nil {
		return outbox.Backlog{}, fmt.Errorf("querying outbox backlog: %w", err)
	}
	if oldest != nil {
		b.Oldest = *oldest
	}
	return b, nil
}

// Delete removes a delivered message.
func (r *OutboxRepository) Delete(ctx context.Context, id int64) error {
	query, args, err := psql.Delete("outbox").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building outbox delete: %w", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting outbox message %d: %w", id, err)
	}
	return nil
}

// Retry records a failed delivery and schedules the next attempt.
func (r *OutboxRepository) Retry(ctx context.Context, id int64, retryCount int, lastErr string, next time.Time) error {
	query, args, err := psql.Update("outbox").
		Set("retry_count", retryCount).
		Set("last_error", lastErr).
		Set("next_retry_at", next).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building outbox update: %w", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating outbox message %d: %w", id, err)
	}
	return nil
}
