package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/discount"
)

// OpenOrder is a persisted, not yet completed order as returned by the
// fetch collaborator.
type OpenOrder struct {
	ID         string
	Items      []ItemRecord
	CustomerID string
	TableID    string
	Discount   *discount.Spec
	OnHold     bool
}

// FinalizedOrder is a completed order re-read from storage.
type FinalizedOrder struct {
	ID             string
	OperatorID     string
	Items          []LineItem
	CustomerID     string
	TableID        string
	Subtotal       decimal.Decimal
	Discount       *discount.Applied
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	CompletedAt    time.Time
}

// Ticket is the kitchen-facing copy of a finalized order.
type Ticket struct {
	OrderID    string
	OperatorID string
	TableID    string
	Items      []LineItem
	CreatedAt  time.Time
}

// Fetcher reads an operator's open orders.
type Fetcher interface {
	OpenOrders(ctx context.Context, operatorID string) ([]OpenOrder, error)
}

// Writer applies single durable session changes. Every call returns only
// once the change is confirmed.
type Writer interface {
	// OpenOrder creates an empty open order for the operator and returns its id.
	OpenOrder(ctx context.Context, operatorID string) (string, error)
	// SaveItem inserts or replaces a line item.
	SaveItem(ctx context.Context, orderID string, item LineItem) error
	DeleteItem(ctx context.Context, orderID, itemID string) error
	// SetCustomer assigns a customer. An empty id clears it.
	SetCustomer(ctx context.Context, orderID, customerID string) error
	// SetTable assigns a table. An empty id clears it.
	SetTable(ctx context.Context, orderID, tableID string) error
	// SetDiscount stores the pending discount spec. A nil spec clears it.
	SetDiscount(ctx context.Context, orderID string, spec *discount.Spec) error
	DeleteOrder(ctx context.Context, orderID string) error
	SetHold(ctx context.Context, orderID string, onHold bool) error
}

// FinalizeTx is the set of writes a finalize runs inside one transaction.
// The caller decides their order.
type FinalizeTx interface {
	// LockOrder locks the open order row and returns its current content.
	LockOrder(ctx context.Context, orderID string) (*OpenOrder, error)
	// DropItems deletes the given item rows of the order.
	DropItems(ctx context.Context, orderID string, itemIDs []string) error
	// CompleteOrder marks the order completed and recomputes its derived
	// totals from the persisted items, resetting any discount fields. It
	// returns the recomputed subtotal.
	CompleteOrder(ctx context.Context, orderID string, at time.Time) (decimal.Decimal, error)
	EnqueueTicket(ctx context.Context, ticket Ticket) error
	// CountPresetUse increments the usage counter of a discount preset.
	CountPresetUse(ctx context.Context, code string) error
	// WriteDiscount stores the applied discount and the final total.
	WriteDiscount(ctx context.Context, orderID string, applied *discount.Applied, total decimal.Decimal) error
}

// Finalizer runs fn inside a single transaction, committing only when fn
// returns nil.
type Finalizer interface {
	RunFinalize(ctx context.Context, fn func(ctx context.Context, tx FinalizeTx) error) error
}

// Repository is the full storage contract used by the Service.
type Repository interface {
	Fetcher
	Writer
	Finalizer
	// FinalizedOrder returns a completed order or ErrOrderNotFound.
	FinalizedOrder(ctx context.Context, orderID string) (*FinalizedOrder, error)
}
