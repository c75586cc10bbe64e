package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
	"github.com/xenking/oolio-pos/internal/domain/session"
)

const maxBodyBytes = 64 << 10

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

// readObject decodes a JSON object body field by field. An empty body or a
// literal null is treated as an empty object.
func readObject(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrapf(errBadRequest, "read body: %v", err)
	}
	if len(body) == 0 {
		return nil
	}

	d := jx.DecodeBytes(body)
	if d.Next() == jx.Null {
		return nil
	}
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

// decodeMoney accepts amounts as JSON strings or numbers.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("expected amount, got %v", d.Next())
	}
}

// decodeOptStr reads a string that may be null.
func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func optStrField(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) {
		if v == "" {
			e.Null()
			return
		}
		e.Str(v)
	})
}

func encodeItems(e *jx.Encoder, items []session.LineItem) {
	e.Arr(func(e *jx.Encoder) {
		for _, li := range items {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(li.ID) })
				e.Field("product_id", func(e *jx.Encoder) { e.Str(li.ProductID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(li.Name) })
				e.Field("quantity", func(e *jx.Encoder) { e.Int(li.Quantity) })
				e.Field("unit_price", func(e *jx.Encoder) { encodeMoney(e, li.UnitPrice) })
				e.Field("subtotal", func(e *jx.Encoder) { encodeMoney(e, li.Subtotal) })
				if li.Note != "" {
					e.Field("note", func(e *jx.Encoder) { e.Str(li.Note) })
				}
			})
		}
	})
}

func encodeSpec(e *jx.Encoder, spec discount.Spec) {
	e.Field("kind", func(e *jx.Encoder) { e.Str(string(spec.Kind)) })
	e.Field("value", func(e *jx.Encoder) { e.Str(spec.Value.String()) })
	if spec.Reason != "" {
		e.Field("reason", func(e *jx.Encoder) { e.Str(spec.Reason) })
	}
	if spec.Code != "" {
		e.Field("code", func(e *jx.Encoder) { e.Str(spec.Code) })
	}
}

func encodeSnapshot(e *jx.Encoder, s session.Snapshot) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("operator_id", func(e *jx.Encoder) { e.Str(s.OperatorID) })
		optStrField(e, "order_id", s.OrderID)
		e.Field("state", func(e *jx.Encoder) { e.Str(s.State.String()) })
		e.Field("items", func(e *jx.Encoder) { encodeItems(e, s.Items) })
		optStrField(e, "customer_id", s.CustomerID)
		optStrField(e, "table_id", s.TableID)
		e.Field("discount", func(e *jx.Encoder) {
			if s.Discount == nil {
				e.Null()
				return
			}
			e.Obj(func(e *jx.Encoder) { encodeSpec(e, *s.Discount) })
		})
		e.Field("subtotal", func(e *jx.Encoder) { encodeMoney(e, s.Subtotal) })
		e.Field("discount_amount", func(e *jx.Encoder) { encodeMoney(e, s.DiscountAmount) })
		e.Field("total", func(e *jx.Encoder) { encodeMoney(e, s.Total) })
	})
}

func encodeRestore(e *jx.Encoder, res *session.RestoreResult) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("session", func(e *jx.Encoder) { encodeSnapshot(e, res.Snapshot) })
		e.Field("fetched", func(e *jx.Encoder) { e.Bool(res.Fetched) })
		e.Field("skipped", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, m := range res.Skipped {
					e.Obj(func(e *jx.Encoder) {
						e.Field("index", func(e *jx.Encoder) { e.Int(m.Index) })
						e.Field("item_id", func(e *jx.Encoder) { e.Str(m.ItemID) })
						e.Field("reason", func(e *jx.Encoder) { e.Str(m.Reason) })
					})
				}
			})
		})
	})
}

func encodeFinalized(e *jx.Encoder, o *session.FinalizedOrder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("operator_id", func(e *jx.Encoder) { e.Str(o.OperatorID) })
		e.Field("items", func(e *jx.Encoder) { encodeItems(e, o.Items) })
		optStrField(e, "customer_id", o.CustomerID)
		optStrField(e, "table_id", o.TableID)
		e.Field("subtotal", func(e *jx.Encoder) { encodeMoney(e, o.Subtotal) })
		e.Field("discount", func(e *jx.Encoder) {
			if o.Discount == nil {
				e.Null()
				return
			}
			e.Obj(func(e *jx.Encoder) {
				encodeSpec(e, o.Discount.Spec)
				e.Field("amount", func(e *jx.Encoder) { encodeMoney(e, o.Discount.Amount) })
				e.Field("applied_by", func(e *jx.Encoder) { e.Str(o.Discount.AppliedBy) })
				e.Field("applied_at", func(e *jx.Encoder) { e.Str(o.Discount.AppliedAt.UTC().Format(time.RFC3339)) })
			})
		})
		e.Field("discount_amount", func(e *jx.Encoder) { encodeMoney(e, o.DiscountAmount) })
		e.Field("total", func(e *jx.Encoder) { encodeMoney(e, o.Total) })
		e.Field("completed_at", func(e *jx.Encoder) { e.Str(o.CompletedAt.UTC().Format(time.RFC3339)) })
	})
}

func encodeProducts(e *jx.Encoder, products []product.Product) {
	e.Arr(func(e *jx.Encoder) {
		for _, p := range products {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
				e.Field("price", func(e *jx.Encoder) { encodeMoney(e, p.Price) })
				e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
				if p.Station != "" {
					e.Field("station", func(e *jx.Encoder) { e.Str(p.Station) })
				}
				e.Field("available", func(e *jx.Encoder) { e.Bool(p.Available) })
			})
		}
	})
}
