package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/session"
)

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, snap session.Snapshot, err error) {
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSnapshot(e, snap) })
}

func (h *Handler) restoreSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Restore(r.Context(), operatorID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRestore(e, res) })
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Snapshot(r.Context(), operatorID(r))
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) clearSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Clear(r.Context(), operatorID(r))
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req session.AddItemRequest
	err := readObject(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "product_id":
			req.ProductID, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int()
		case "note":
			req.Note, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && strings.TrimSpace(req.ProductID) == "" {
		err = errors.Wrap(errBadRequest, "product_id is required")
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	snap, err := h.sessions.AddItem(r.Context(), operatorID(r), req)
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var (
		qty    int
		hasQty bool
	)
	err := readObject(w, r, func(d *jx.Decoder, key string) (err error) {
		if key != "quantity" {
			return d.Skip()
		}
		hasQty = true
		qty, err = d.Int()
		return err
	})
	if err == nil && !hasQty {
		err = errors.Wrap(errBadRequest, "quantity is required")
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	snap, err := h.sessions.UpdateQuantity(r.Context(), operatorID(r), chi.URLParam(r, "itemID"), qty)
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.RemoveItem(r.Context(), operatorID(r), chi.URLParam(r, "itemID"))
	h.writeSnapshot(w, r, snap, err)
}

// readRef reads a single nullable string field. Null or absent clears.
func readRef(w http.ResponseWriter, r *http.Request, name string) (string, error) {
	var v string
	err := readObject(w, r, func(d *jx.Decoder, key string) (err error) {
		if key != name {
			return d.Skip()
		}
		v, err = decodeOptStr(d)
		return err
	})
	return v, err
}

func (h *Handler) setCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := readRef(w, r, "customer_id")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	snap, err := h.sessions.SetCustomer(r.Context(), operatorID(r), id)
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) setTable(w http.ResponseWriter, r *http.Request) {
	id, err := readRef(w, r, "table_id")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	snap, err := h.sessions.SetTable(r.Context(), operatorID(r), id)
	h.writeSnapshot(w, r, snap, err)
}

// setDiscount accepts either {"code": "..."} or {"kind", "value", "reason"}.
// A body with neither removes the discount.
func (h *Handler) setDiscount(w http.ResponseWriter, r *http.Request) {
	var (
		spec     discount.Spec
		code     string
		hasValue bool
	)
	err := readObject(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "code":
			code, err = decodeOptStr(d)
		case "kind":
			var k string
			k, err = decodeOptStr(d)
			spec.Kind = discount.Kind(strings.ToLower(k))
		case "value":
			hasValue = true
			spec.Value, err = decodeMoney(d)
		case "reason":
			spec.Reason, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	ctx, op := r.Context(), operatorID(r)
	var snap session.Snapshot
	switch {
	case code != "" && spec.Kind != "":
		err = errors.Wrap(errBadRequest, "code and kind are mutually exclusive")
	case code != "":
		snap, err = h.sessions.ApplyPreset(ctx, op, code)
	case spec.Kind != "":
		if !hasValue {
			err = errors.Wrap(errBadRequest, "value is required")
			break
		}
		snap, err = h.sessions.SetDiscount(ctx, op, &spec)
	default:
		snap, err = h.sessions.SetDiscount(ctx, op, nil)
	}
	h.writeSnapshot(w, r, snap, err)
}

func (h *Handler) clearDiscount(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.SetDiscount(r.Context(), operatorID(r), nil)
	h.writeSnapshot(w, r, snap, err)
}
