package outbox

import (
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/oolio-pos/internal/domain/session"
)

// EncodeTicket renders a kitchen ticket as JSON. Prices are left out; the
// kitchen only needs what to prepare.
func EncodeTicket(t session.Ticket) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(t.OrderID) })
		e.Field("operator_id", func(e *jx.Encoder) { e.Str(t.OperatorID) })
		if t.TableID != "" {
			e.Field("table_id", func(e *jx.Encoder) { e.Str(t.TableID) })
		}
		e.Field("created_at", func(e *jx.Encoder) { e.Str(t.CreatedAt.UTC().Format(time.RFC3339)) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, li := range t.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("id", func(e *jx.Encoder) { e.Str(li.ID) })
						e.Field("product_id", func(e *jx.Encoder) { e.Str(li.ProductID) })
						e.Field("name", func(e *jx.Encoder) { e.Str(li.Name) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(li.Quantity) })
						if li.Note != "" {
							e.Field("note", func(e *jx.Encoder) { e.Str(li.Note) })
						}
					})
				}
			})
		})
	})
	return e.Bytes()
}
