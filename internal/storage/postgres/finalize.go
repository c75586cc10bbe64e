package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/session"
	"github.com/xenking/oolio-pos/internal/outbox"
)

const (
	// completeOrderSQL recomputes totals the same way the item trigger does
	// and therefore also clears the discount amount.
	completeOrderSQL = `UPDATE orders o SET
			status = 'completed',
			on_hold = FALSE,
			completed_at = $2,
			updated_at = $2,
			subtotal = t.items_total,
			total = t.items_total,
			discount_amount = 0,
			discount_applied_by = NULL,
			discount_applied_at = NULL
		FROM (
			SELECT COALESCE(SUM(ROUND(quantity * unit_price, 2)), 0) AS items_total
			FROM order_items
			WHERE order_id = $1 AND quantity IS NOT NULL AND unit_price IS NOT NULL
		) t
		WHERE o.id = $1 AND o.status = 'open'
		RETURNING o.subtotal`

	dropItemsSQL = `DELETE FROM order_items WHERE order_id = $1 AND id = ANY($2)`

	countPresetUseSQL = `UPDATE discount_presets SET uses = uses + 1
		WHERE code = $1 AND active AND (max_uses = 0 OR uses < max_uses)`

	presetActiveSQL = `SELECT active FROM discount_presets WHERE code = $1`

	writeDiscountSQL = `UPDATE orders SET
			discount_kind = $2,
			discount_value = $3,
			discount_reason = $4,
			discount_code = $5,
			discount_amount = $6,
			discount_applied_by = $7,
			discount_applied_at = $8,
			total = $9
		WHERE id = $1 AND status = 'completed'`
)

// RunFinalize runs fn in a single transaction and commits when it returns nil.
func (r *OrderRepository) RunFinalize(ctx context.Context, fn func(ctx context.Context, tx session.FinalizeTx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &finalizeTx{tx: tx})
	})
}

type finalizeTx struct {
	tx pgx.Tx
}

var _ session.FinalizeTx = (*finalizeTx)(nil)

func (f *finalizeTx) LockOrder(ctx context.Context, orderID string) (*session.OpenOrder, error) {
	rows, err := f.tx.Query(ctx, lockOpenOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("locking order %q: %w", orderID, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOpenOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrOrderNotFound
		}
		return nil, fmt.Errorf("locking order %q: %w", orderID, err)
	}

	orders := []session.OpenOrder{o}
	if err := attachItems(ctx, f.tx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (f *finalizeTx) DropItems(ctx context.Context, orderID string, itemIDs []string) error {
	if _, err := f.tx.Exec(ctx, dropItemsSQL, orderID, itemIDs); err != nil {
		return fmt.Errorf("dropping items of order %q: %w", orderID, err)
	}
	return nil
}

func (f *finalizeTx) CompleteOrder(ctx context.Context, orderID string, at time.Time) (decimal.Decimal, error) {
	var subtotal decimal.Decimal
	if err := f.tx.QueryRow(ctx, completeOrderSQL, orderID, at).Scan(&subtotal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, session.ErrOrderNotFound
		}
		return decimal.Zero, fmt.Errorf("completing order %q: %w", orderID, err)
	}
	return subtotal, nil
}

func (f *finalizeTx) EnqueueTicket(ctx context.Context, ticket session.Ticket) error {
	return insertOutbox(ctx, f.tx, outbox.TopicKitchenTicket, outbox.EncodeTicket(ticket), ticket.CreatedAt)
}

func (f *finalizeTx) CountPresetUse(ctx context.Context, code string) error {
	tag, err := f.tx.Exec(ctx, countPresetUseSQL, code)
	if err != nil {
		return fmt.Errorf("counting preset use %q: %w", code, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing counted. Tell a withdrawn preset apart from an exhausted one.
	var active bool
	if err := f.tx.QueryRow(ctx, presetActiveSQL, code).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("preset %q deleted: %w", code, discount.ErrUnknownCode)
		}
		return fmt.Errorf("checking preset %q: %w", code, err)
	}
	if !active {
		return fmt.Errorf("preset %q deactivated: %w", code, discount.ErrUnknownCode)
	}
	return fmt.Errorf("preset %q: %w", code, discount.ErrUsageLimitReached)
}

func (f *finalizeTx) WriteDiscount(ctx context.Context, orderID string, applied *discount.Applied, total decimal.Decimal) error {
	var (
		kind, reason, code, appliedBy *string
		value                         *decimal.Decimal
		appliedAt                     *time.Time
	)
	amount := decimal.Zero
	if applied != nil {
		k := string(applied.Spec.Kind)
		kind = &k
		value = &applied.Spec.Value
		reason = nullString(applied.Spec.Reason)
		code = nullString(applied.Spec.Code)
		amount = applied.Amount
		appliedBy = nullString(applied.AppliedBy)
		appliedAt = &applied.AppliedAt
	}

	tag, err := f.tx.Exec(ctx, writeDiscountSQL,
		orderID, kind, value, reason, code, amount, appliedBy, appliedAt, total)
	if err != nil {
		return fmt.Errorf("writing discount on order %q: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("writing discount on order %q: %w", orderID, session.ErrOrderNotFound)
	}
	return nil
}
