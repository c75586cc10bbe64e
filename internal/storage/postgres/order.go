package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/session"
)

const (
	openOrderColumns = `id, customer_id, table_id, on_hold,
		discount_kind, discount_value, discount_reason, discount_code`

	listOpenOrdersSQL = `SELECT ` + openOrderColumns + `
		FROM orders WHERE operator_id = $1 AND status = 'open'
		ORDER BY created_at, id`

	lockOpenOrderSQL = `SELECT ` + openOrderColumns + `
		FROM orders WHERE id = $1 AND status = 'open'
		FOR UPDATE`

	listItemsSQL = `SELECT order_id, id, product_id, name, quantity, unit_price, subtotal, note
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY seq`

	insertOrderSQL = `INSERT INTO orders (id, operator_id) VALUES ($1, $2)`

	saveItemSQL = `INSERT INTO order_items (id, order_id, product_id, name, quantity, unit_price, subtotal, note)
		SELECT $1, o.id, $3, $4, $5, $6, $7, $8
		FROM orders o WHERE o.id = $2 AND o.status = 'open'
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			name = EXCLUDED.name,
			quantity = EXCLUDED.quantity,
			unit_price = EXCLUDED.unit_price,
			subtotal = EXCLUDED.subtotal,
			note = EXCLUDED.note
		WHERE order_items.order_id = EXCLUDED.order_id`

	deleteItemSQL = `DELETE FROM order_items i USING orders o
		WHERE i.id = $2 AND i.order_id = $1 AND o.id = i.order_id AND o.status = 'open'`

	setCustomerSQL = `UPDATE orders SET customer_id = NULLIF($2, ''), updated_at = now()
		WHERE id = $1 AND status = 'open'`

	setTableSQL = `UPDATE orders SET table_id = NULLIF($2, ''), updated_at = now()
		WHERE id = $1 AND status = 'open'`

	setDiscountSQL = `UPDATE orders SET
			discount_kind = $2, discount_value = $3, discount_reason = $4, discount_code = $5,
			updated_at = now()
		WHERE id = $1 AND status = 'open'`

	setHoldSQL = `UPDATE orders SET on_hold = $2, updated_at = now()
		WHERE id = $1 AND status = 'open'`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1 AND status = 'open'`

	finalizedOrderSQL = `SELECT id, operator_id, customer_id, table_id,
			discount_kind, discount_value, discount_reason, discount_code,
			discount_amount, discount_applied_by, discount_applied_at,
			subtotal, total, completed_at
		FROM orders WHERE id = $1 AND status = 'completed'`
)

var _ session.Repository = (*OrderRepository)(nil)

// OrderRepository implements session.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// OpenOrders returns all open orders of the operator, held ones included,
// oldest first.
func (r *OrderRepository) OpenOrders(ctx context.Context, operatorID string) ([]session.OpenOrder, error) {
	rows, err := r.pool.Query(ctx, listOpenOrdersSQL, operatorID)
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOpenOrder)
	if err != nil {
		return nil, fmt.Errorf("scanning open orders: %w", err)
	}
	if err := attachItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenOrder creates an empty open order.
func (r *OrderRepository) OpenOrder(ctx context.Context, operatorID string) (string, error) {
	id := uuid.NewString()
	if _, err := r.pool.Exec(ctx, insertOrderSQL, id, operatorID); err != nil {
		return "", fmt.Errorf("creating order: %w", err)
	}
	return id, nil
}

// SaveItem inserts or replaces a line item of an open order.
func (r *OrderRepository) SaveItem(ctx context.Context, orderID string, item session.LineItem) error {
	tag, err := r.pool.Exec(ctx, saveItemSQL,
		item.ID, orderID, item.ProductID, item.Name,
		item.Quantity, item.UnitPrice, item.Subtotal, nullString(item.Note),
	)
	if err != nil {
		return fmt.Errorf("saving item %q: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saving item %q: %w", item.ID, session.ErrOrderNotFound)
	}
	return nil
}

// DeleteItem removes a line item. Deleting an item that is already gone
// succeeds.
func (r *OrderRepository) DeleteItem(ctx context.Context, orderID, itemID string) error {
	if _, err := r.pool.Exec(ctx, deleteItemSQL, orderID, itemID); err != nil {
		return fmt.Errorf("deleting item %q: %w", itemID, err)
	}
	return nil
}

func (r *OrderRepository) SetCustomer(ctx context.Context, orderID, customerID string) error {
	return r.updateOpen(ctx, "setting customer", setCustomerSQL, orderID, customerID)
}

func (r *OrderRepository) SetTable(ctx context.Context, orderID, tableID string) error {
	return r.updateOpen(ctx, "setting table", setTableSQL, orderID, tableID)
}

// SetDiscount stores the pending discount spec; the amount is only written
// when the order is finalized.
func (r *OrderRepository) SetDiscount(ctx context.Context, orderID string, spec *discount.Spec) error {
	var (
		kind, reason, code *string
		value              *decimal.Decimal
	)
	if spec != nil {
		k := string(spec.Kind)
		kind = &k
		value = &spec.Value
		reason = nullString(spec.Reason)
		code = nullString(spec.Code)
	}
	return r.updateOpen(ctx, "setting discount", setDiscountSQL, orderID, kind, value, reason, code)
}

func (r *OrderRepository) SetHold(ctx context.Context, orderID string, onHold bool) error {
	return r.updateOpen(ctx, "setting hold", setHoldSQL, orderID, onHold)
}

// DeleteOrder removes an open order and its items.
func (r *OrderRepository) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := r.pool.Exec(ctx, deleteOrderSQL, orderID); err != nil {
		return fmt.Errorf("deleting order %q: %w", orderID, err)
	}
	return nil
}

func (r *OrderRepository) updateOpen(ctx context.Context, what, sql, orderID string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, append([]any{orderID}, args...)...)
	if err != nil {
		return fmt.Errorf("%s on order %q: %w", what, orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s on order %q: %w", what, orderID, session.ErrOrderNotFound)
	}
	return nil
}

// FinalizedOrder returns a completed order with its items.
func (r *OrderRepository) FinalizedOrder(ctx context.Context, orderID string) (*session.FinalizedOrder, error) {
	rows, err := r.pool.Query(ctx, finalizedOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", orderID, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanFinalizedOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", orderID, err)
	}

	if err := attachFinalizedItems(ctx, r.pool, []*session.FinalizedOrder{&o}); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOpenOrder(row pgx.CollectableRow) (session.OpenOrder, error) {
	var (
		o                   session.OpenOrder
		customerID, tableID *string
		kind, reason, code  *string
		value               *decimal.Decimal
	)
	if err := row.Scan(&o.ID, &customerID, &tableID, &o.OnHold, &kind, &value, &reason, &code); err != nil {
		return o, err
	}
	o.CustomerID = deref(customerID)
	o.TableID = deref(tableID)
	o.Discount = specFromColumns(kind, value, reason, code)
	return o, nil
}

func scanFinalizedOrder(row pgx.CollectableRow) (session.FinalizedOrder, error) {
	var (
		o                   session.FinalizedOrder
		customerID, tableID *string
		kind, reason, code  *string
		value               *decimal.Decimal
		appliedBy           *string
		appliedAt           *time.Time
	)
	err := row.Scan(
		&o.ID, &o.OperatorID, &customerID, &tableID,
		&kind, &value, &reason, &code,
		&o.DiscountAmount, &appliedBy, &appliedAt,
		&o.Subtotal, &o.Total, &o.CompletedAt,
	)
	if err != nil {
		return o, err
	}
	o.CustomerID = deref(customerID)
	o.TableID = deref(tableID)
	if spec := specFromColumns(kind, value, reason, code); spec != nil {
		applied := &discount.Applied{Spec: *spec, Amount: o.DiscountAmount, AppliedBy: deref(appliedBy)}
		if appliedAt != nil {
			applied.AppliedAt = *appliedAt
		}
		o.Discount = applied
	}
	return o, nil
}

func specFromColumns(kind *string, value *decimal.Decimal, reason, code *string) *discount.Spec {
	if kind == nil || value == nil {
		return nil
	}
	return &discount.Spec{
		Kind:   discount.Kind(*kind),
		Value:  *value,
		Reason: deref(reason),
		Code:   deref(code),
	}
}

type itemRow struct {
	orderID string
	rec     session.ItemRecord
}

func queryItems(ctx context.Context, q querier, orderIDs []string) ([]itemRow, error) {
	rows, err := q.Query(ctx, listItemsSQL, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (itemRow, error) {
		var (
			it  itemRow
			qty *int32
		)
		err := row.Scan(&it.orderID, &it.rec.ID, &it.rec.ProductID, &it.rec.Name,
			&qty, &it.rec.UnitPrice, &it.rec.Subtotal, &it.rec.Note)
		if qty != nil {
			n := int(*qty)
			it.rec.Quantity = &n
		}
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning order items: %w", err)
	}
	return items, nil
}

func attachItems(ctx context.Context, q querier, orders []session.OpenOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	items, err := queryItems(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, it := range items {
		i := index[it.orderID]
		orders[i].Items = append(orders[i].Items, it.rec)
	}
	return nil
}

// attachFinalizedItems loads items of completed orders. Records that no
// longer normalize are dropped and logged.
func attachFinalizedItems(ctx context.Context, q querier, orders []*session.FinalizedOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]*session.FinalizedOrder, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = o
	}

	items, err := queryItems(ctx, q, ids)
	if err != nil {
		return err
	}
	records := make(map[string][]session.ItemRecord, len(orders))
	for _, it := range items {
		records[it.orderID] = append(records[it.orderID], it.rec)
	}
	for id, recs := range records {
		index[id].Items = normalizeFinalized(ctx, id, recs)
	}
	return nil
}

func normalizeFinalized(ctx context.Context, orderID string, recs []session.ItemRecord) []session.LineItem {
	items, malformed := session.Normalize(recs)
	if len(malformed) > 0 {
		lg := zctx.From(ctx).With(zap.String("order_id", orderID))
		for _, m := range malformed {
			lg.Warn("Dropping malformed item of completed order",
				zap.String("item_id", m.ItemID),
				zap.Int("index", m.Index),
				zap.String("reason", m.Reason),
			)
		}
	}
	return items
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
