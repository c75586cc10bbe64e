package session

import (
	"github.com/shopspring/decimal"
)

// LineItem is one product entry in a session. Subtotal is derived from
// Quantity and UnitPrice and is only ever set by recompute.
type LineItem struct {
	ID        string
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
	Note      string
}

func newLineItem(id, productID, name string, qty int, unitPrice decimal.Decimal, note string) LineItem {
	li := LineItem{
		ID:        id,
		ProductID: productID,
		Name:      name,
		Quantity:  qty,
		UnitPrice: unitPrice,
		Note:      note,
	}
	li.recompute()
	return li
}

func (li *LineItem) recompute() {
	li.Subtotal = li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))).Round(2)
}

func (li LineItem) withQuantity(qty int) LineItem {
	li.Quantity = qty
	li.recompute()
	return li
}

// ItemsSubtotal sums line subtotals.
func ItemsSubtotal(items []LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Subtotal)
	}
	return sum
}
