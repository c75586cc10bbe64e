package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/oolio-pos/internal/domain/session"
)

// ArchiveFilter selects completed orders for export.
type ArchiveFilter struct {
	Since      time.Time
	Until      time.Time
	OperatorID string
	Limit      uint64
}

// CompletedOrders lists completed orders in completion order, items included.
func (r *OrderRepository) CompletedOrders(ctx context.Context, f ArchiveFilter) ([]session.FinalizedOrder, error) {
	b := psql.Select(
		"id", "operator_id", "customer_id", "table_id",
		"discount_kind", "discount_value", "discount_reason", "discount_code",
		"discount_amount", "discount_applied_by", "discount_applied_at",
		"subtotal", "total", "completed_at",
	).
		From("orders").
		Where(sq.Eq{"status": "completed"}).
		Where(sq.GtOrEq{"completed_at": f.Since}).
		OrderBy("completed_at", "id")

	if !f.Until.IsZero() {
		b = b.Where(sq.Lt{"completed_at": f.Until})
	}
	if f.OperatorID != "" {
		b = b.Where(sq.Eq{"operator_id": f.OperatorID})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building archive query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying completed orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanFinalizedOrder)
	if err != nil {
		return nil, fmt.Errorf("scanning completed orders: %w", err)
	}

	ptrs := make([]*session.FinalizedOrder, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := attachFinalizedItems(ctx, r.pool, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}
