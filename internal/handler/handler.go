// Package handler exposes cart sessions over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/auth"
	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
	"github.com/xenking/oolio-pos/internal/domain/session"
)

// Sessions is the subset of session.Service the handlers call.
type Sessions interface {
	Restore(ctx context.Context, operatorID string) (*session.RestoreResult, error)
	Snapshot(ctx context.Context, operatorID string) (session.Snapshot, error)
	AddItem(ctx context.Context, operatorID string, req session.AddItemRequest) (session.Snapshot, error)
	UpdateQuantity(ctx context.Context, operatorID, itemID string, qty int) (session.Snapshot, error)
	RemoveItem(ctx context.Context, operatorID, itemID string) (session.Snapshot, error)
	SetCustomer(ctx context.Context, operatorID, customerID string) (session.Snapshot, error)
	SetTable(ctx context.Context, operatorID, tableID string) (session.Snapshot, error)
	SetDiscount(ctx context.Context, operatorID string, spec *discount.Spec) (session.Snapshot, error)
	ApplyPreset(ctx context.Context, operatorID, code string) (session.Snapshot, error)
	Clear(ctx context.Context, operatorID string) (session.Snapshot, error)
	Finalize(ctx context.Context, operatorID string) (*session.FinalizedOrder, error)
	Hold(ctx context.Context, operatorID string) (string, error)
	Resume(ctx context.Context, operatorID, orderID string) (*session.RestoreResult, error)
	FinalizedOrder(ctx context.Context, orderID string) (*session.FinalizedOrder, error)
}

var _ Sessions = (*session.Service)(nil)

// Handler serves the POS API, delegating to the session service and the
// product repository.
type Handler struct {
	sessions Sessions
	products product.Repository
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(sessions Sessions, products product.Repository) *Handler {
	return &Handler{
		sessions: sessions,
		products: products,
	}
}

// Register mounts the API under /api. Session and order routes require an
// operator key; the menu is public.
func (h *Handler) Register(r chi.Router, sec *SecurityHandler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.listProducts)

		r.Group(func(r chi.Router) {
			r.Use(sec.Middleware)

			r.Route("/session", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Delete("/", h.clearSession)
				r.Post("/restore", h.restoreSession)

				r.Post("/items", h.addItem)
				r.Patch("/items/{itemID}", h.updateItem)
				r.Delete("/items/{itemID}", h.removeItem)

				r.Put("/customer", h.setCustomer)
				r.Put("/table", h.setTable)
				r.Put("/discount", h.setDiscount)
				r.Delete("/discount", h.clearDiscount)

				r.Post("/finalize", h.finalize)
				r.Post("/hold", h.hold)
				r.Post("/resume/{orderID}", h.resume)
			})

			r.Get("/orders/{orderID}", h.getOrder)
		})
	})
}

func operatorID(r *http.Request) string {
	if info, ok := auth.OperatorFromContext(r.Context()); ok {
		return info.OperatorID
	}
	return ""
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrFinalizeConflict),
		errors.Is(err, session.ErrMultipleOpenOrders),
		errors.Is(err, session.ErrFinalizing),
		errors.Is(err, session.ErrSessionNotEmpty):
		return http.StatusConflict
	case errors.Is(err, session.ErrFetch),
		errors.Is(err, session.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrOrderNotFound),
		errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidQuantity),
		errors.Is(err, session.ErrNothingToFinalize),
		errors.Is(err, discount.ErrInvalidValue),
		errors.Is(err, discount.ErrUnknownCode),
		errors.Is(err, discount.ErrExpired),
		errors.Is(err, discount.ErrUsageLimitReached):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		// Client closed request.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
