package session

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ItemRecord is an order item as persisted. Numeric fields are optional
// because denormalized rows may be incomplete.
type ItemRecord struct {
	ID        string
	ProductID string
	Name      string
	Quantity  *int
	UnitPrice *decimal.Decimal
	Subtotal  *decimal.Decimal
	Note      *string
}

// Normalize converts persisted item records into line items. Malformed
// records are skipped and reported one by one so the rest can still be
// restored. The persisted subtotal is not trusted; it is recomputed.
func Normalize(records []ItemRecord) ([]LineItem, []*MalformedRecordError) {
	items := make([]LineItem, 0, len(records))
	var malformed []*MalformedRecordError

	for i, rec := range records {
		if reason := checkRecord(rec); reason != "" {
			malformed = append(malformed, &MalformedRecordError{
				Index:  i,
				ItemID: rec.ID,
				Reason: reason,
			})
			continue
		}

		note := ""
		if rec.Note != nil {
			note = *rec.Note
		}
		items = append(items, newLineItem(rec.ID, rec.ProductID, rec.Name, *rec.Quantity, *rec.UnitPrice, note))
	}

	return items, malformed
}

func checkRecord(rec ItemRecord) string {
	switch {
	case strings.TrimSpace(rec.ID) == "":
		return "missing item id"
	case strings.TrimSpace(rec.ProductID) == "":
		return "missing product id"
	case rec.Quantity == nil:
		return "missing quantity"
	case *rec.Quantity <= 0:
		return "non-positive quantity"
	case rec.UnitPrice == nil:
		return "missing unit price"
	case rec.UnitPrice.IsNegative():
		return "negative unit price"
	}
	return ""
}
