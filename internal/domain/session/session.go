package session

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/discount"
)

// Session is an operator's single active, not yet finalized order.
type Session struct {
	OperatorID string
	// OrderID is empty until the first durable write opens the order.
	OrderID    string
	Items      []LineItem
	CustomerID string
	TableID    string
	Discount   *discount.Spec
}

func newSession(operatorID string) *Session {
	return &Session{OperatorID: operatorID}
}

func (s *Session) clone() *Session {
	c := *s
	c.Items = slices.Clone(s.Items)
	if s.Discount != nil {
		spec := *s.Discount
		c.Discount = &spec
	}
	return &c
}

// IsEmpty reports whether the session is equivalent to "no session".
func (s *Session) IsEmpty() bool {
	return len(s.Items) == 0 && s.OrderID == ""
}

// Subtotal sums line subtotals.
func (s *Session) Subtotal() decimal.Decimal {
	return ItemsSubtotal(s.Items)
}

func (s *Session) indexOf(itemID string) int {
	return slices.IndexFunc(s.Items, func(li LineItem) bool { return li.ID == itemID })
}

// mergeTarget returns the line a new addition of productID with note should
// be folded into, or -1.
func (s *Session) mergeTarget(productID, note string, unitPrice decimal.Decimal) int {
	return slices.IndexFunc(s.Items, func(li LineItem) bool {
		return li.ProductID == productID && li.Note == note && li.UnitPrice.Equal(unitPrice)
	})
}

func (s *Session) put(li LineItem) {
	if i := s.indexOf(li.ID); i >= 0 {
		s.Items[i] = li
		return
	}
	s.Items = append(s.Items, li)
}

func (s *Session) remove(itemID string) bool {
	i := s.indexOf(itemID)
	if i < 0 {
		return false
	}
	s.Items = slices.Delete(s.Items, i, i+1)
	return true
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	OperatorID     string
	OrderID        string
	State          State
	Items          []LineItem
	CustomerID     string
	TableID        string
	Discount       *discount.Spec
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
}

func (s *Session) snapshot(state State) Snapshot {
	c := s.clone()
	subtotal := c.Subtotal()
	amount := decimal.Zero
	if c.Discount != nil {
		// Specs are validated before they reach the session.
		amount, _ = discount.Compute(subtotal, *c.Discount)
	}
	return Snapshot{
		OperatorID:     c.OperatorID,
		OrderID:        c.OrderID,
		State:          state,
		Items:          c.Items,
		CustomerID:     c.CustomerID,
		TableID:        c.TableID,
		Discount:       c.Discount,
		Subtotal:       subtotal,
		DiscountAmount: amount,
		Total:          subtotal.Sub(amount),
	}
}
