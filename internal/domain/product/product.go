package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested menu item does not exist or is
// not available for sale.
var ErrNotFound = errors.New("product not found")

// Product is a menu item (dish, drink or package) an operator can ring up.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	// Station is the kitchen/bar station that prepares the item.
	Station   string
	Available bool
}

// Repository defines read operations for the menu.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
}
