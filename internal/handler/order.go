package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// finalize closes the operator's session into a completed order.
func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	order, err := h.sessions.Finalize(r.Context(), operatorID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeFinalized(e, order) })
}

// hold parks the open order so the operator can start another one.
func (h *Handler) hold(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.Hold(r.Context(), operatorID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order_id", func(e *jx.Encoder) { e.Str(id) })
		})
	})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Resume(r.Context(), operatorID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRestore(e, res) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.sessions.FinalizedOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeFinalized(e, order) })
}
