package session

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Sentinel errors for session operations.
var (
	// ErrFetch wraps failures of the open-order read. The session stays
	// uninitialized and the caller may retry.
	ErrFetch = errors.New("fetch open orders")
	// ErrPersistence wraps a durable write that did not confirm. The
	// in-memory session is left as it was before the mutation.
	ErrPersistence = errors.New("persist session change")
	// ErrNotFound is returned when a mutation references something the
	// session does not hold.
	ErrNotFound = errors.New("not found in session")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	// ErrFinalizeConflict is returned when the persisted order no longer
	// matches the session. The session is reset and must be restored again.
	ErrFinalizeConflict = errors.New("session does not match persisted order")
	// ErrNothingToFinalize is returned when finalizing an empty session.
	ErrNothingToFinalize = errors.New("nothing to finalize")
	// ErrFinalizing is returned when the discount is changed while the
	// session is being finalized.
	ErrFinalizing = errors.New("session is being finalized")
	// ErrMultipleOpenOrders is returned when an operator owns more than one
	// open, non-held order.
	ErrMultipleOpenOrders = errors.New("multiple open orders for operator")
	// ErrSessionNotEmpty is returned when resuming a held order on top of a
	// session that still has items.
	ErrSessionNotEmpty = errors.New("current session is not empty")
	// ErrOrderNotFound is returned when an order id does not name an order
	// the caller may read or resume.
	ErrOrderNotFound = errors.New("order not found")

	ErrCustomerNotSet = errors.Wrap(ErrNotFound, "customer")
	ErrTableNotSet    = errors.Wrap(ErrNotFound, "table")
)

// ItemNotFoundError indicates a line item identity absent from the session.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("line item %s not found in session", e.ItemID)
}

// Is reports ErrNotFound equivalence.
func (e *ItemNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidQuantityError indicates a line item quantity outside the allowed range.
type InvalidQuantityError struct {
	ItemID   string
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("quantity must be greater than 0, got %d", e.Quantity)
	}
	return fmt.Sprintf("quantity must be greater than 0 for item %s, got %d", e.ItemID, e.Quantity)
}

// Is reports ErrInvalidQuantity equivalence.
func (e *InvalidQuantityError) Is(target error) bool {
	return target == ErrInvalidQuantity
}

// MalformedRecordError describes a persisted order item that could not be
// turned into a line item.
type MalformedRecordError struct {
	Index  int
	ItemID string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed order item #%d (%s): %s", e.Index, e.ItemID, e.Reason)
}

// MultipleOpenOrdersError lists the conflicting open orders.
type MultipleOpenOrdersError struct {
	OperatorID string
	OrderIDs   []string
}

func (e *MultipleOpenOrdersError) Error() string {
	return fmt.Sprintf("operator %s has %d open orders: %s",
		e.OperatorID, len(e.OrderIDs), strings.Join(e.OrderIDs, ", "))
}

// Is reports ErrMultipleOpenOrders equivalence.
func (e *MultipleOpenOrdersError) Is(target error) bool {
	return target == ErrMultipleOpenOrders
}
