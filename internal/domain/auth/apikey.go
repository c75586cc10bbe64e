package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnauthorized is returned when a request carries no valid operator key.
var ErrUnauthorized = errors.New("unauthorized")

// APIKeyInfo holds the identity bound to a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	// OperatorID identifies the cashier/waiter who owns the cart session.
	OperatorID string
	Name       string
	Scopes     []string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

type operatorKey struct{}

// WithOperator returns a context carrying the authenticated key info.
func WithOperator(ctx context.Context, info *APIKeyInfo) context.Context {
	return context.WithValue(ctx, operatorKey{}, info)
}

// OperatorFromContext returns the authenticated key info, if any.
func OperatorFromContext(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(operatorKey{}).(*APIKeyInfo)
	return info, ok && info != nil
}
