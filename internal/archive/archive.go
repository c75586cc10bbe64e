// Package archive writes completed orders to gzip-compressed JSON-lines
// files and indexes existing archives so orders are exported once.
package archive

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/oolio-pos/internal/domain/session"
)

// FileSuffix is the extension of archive files.
const FileSuffix = ".jsonl.gz"

// maxLine bounds a single archived order.
const maxLine = 1 << 20

// EncodeOrder renders one archive record.
func EncodeOrder(e *jx.Encoder, o session.FinalizedOrder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("operator_id", func(e *jx.Encoder) { e.Str(o.OperatorID) })
		if o.CustomerID != "" {
			e.Field("customer_id", func(e *jx.Encoder) { e.Str(o.CustomerID) })
		}
		if o.TableID != "" {
			e.Field("table_id", func(e *jx.Encoder) { e.Str(o.TableID) })
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, li := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("id", func(e *jx.Encoder) { e.Str(li.ID) })
						e.Field("product_id", func(e *jx.Encoder) { e.Str(li.ProductID) })
						e.Field("name", func(e *jx.Encoder) { e.Str(li.Name) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(li.Quantity) })
						e.Field("unit_price", func(e *jx.Encoder) { e.Str(li.UnitPrice.StringFixed(2)) })
						e.Field("subtotal", func(e *jx.Encoder) { e.Str(li.Subtotal.StringFixed(2)) })
						if li.Note != "" {
							e.Field("note", func(e *jx.Encoder) { e.Str(li.Note) })
						}
					})
				}
			})
		})
		e.Field("subtotal", func(e *jx.Encoder) { e.Str(o.Subtotal.StringFixed(2)) })
		if d := o.Discount; d != nil {
			e.Field("discount", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("kind", func(e *jx.Encoder) { e.Str(string(d.Spec.Kind)) })
					e.Field("value", func(e *jx.Encoder) { e.Str(d.Spec.Value.String()) })
					if d.Spec.Code != "" {
						e.Field("code", func(e *jx.Encoder) { e.Str(d.Spec.Code) })
					}
					if d.Spec.Reason != "" {
						e.Field("reason", func(e *jx.Encoder) { e.Str(d.Spec.Reason) })
					}
					e.Field("applied_by", func(e *jx.Encoder) { e.Str(d.AppliedBy) })
					e.Field("applied_at", func(e *jx.Encoder) { e.Str(d.AppliedAt.UTC().Format(time.RFC3339)) })
				})
			})
		}
		e.Field("discount_amount", func(e *jx.Encoder) { e.Str(o.DiscountAmount.StringFixed(2)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total.StringFixed(2)) })
		e.Field("completed_at", func(e *jx.Encoder) { e.Str(o.CompletedAt.UTC().Format(time.RFC3339)) })
	})
}

// Write compresses orders as JSON lines into w.
func Write(w io.Writer, orders []session.FinalizedOrder) error {
	gz := pgzip.NewWriter(w)
	bw := bufio.NewWriter(gz)

	var e jx.Encoder
	for i := range orders {
		e.Reset()
		EncodeOrder(&e, orders[i])
		if _, err := bw.Write(e.Bytes()); err != nil {
			return errors.Wrapf(err, "write order %s", orders[i].ID)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "write newline")
		}
	}

	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip")
	}
	return nil
}

// WriteFile writes orders to path atomically: a partial file never carries
// the archive suffix.
func WriteFile(path string, orders []session.FinalizedOrder) (err error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := Write(f, orders); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename")
}

// scanIDs streams an archive file and calls fn with each record's order id.
func scanIDs(ctx context.Context, path string, fn func(id string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := recordID(scanner.Bytes())
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		fn(id)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func recordID(line []byte) (string, error) {
	var id string
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) (err error) {
		if string(key) != "id" {
			return d.Skip()
		}
		id, err = d.Str()
		return err
	})
	if err == nil && id == "" {
		err = errors.New("record without id")
	}
	return id, err
}
