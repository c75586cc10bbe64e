package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
)

var _ Repository = (*fakeRepo)(nil)

type fakeOrder struct {
	id         string
	operatorID string
	items      []ItemRecord
	customerID string
	tableID    string
	spec       *discount.Spec
	onHold     bool

	completed   bool
	completedAt time.Time
	subtotal    decimal.Decimal
	applied     *discount.Applied
	discountAmt decimal.Decimal
	total       decimal.Decimal
}

func (o *fakeOrder) clone() *fakeOrder {
	c := *o
	c.items = slices.Clone(o.items)
	return &c
}

func (o *fakeOrder) view() OpenOrder {
	return OpenOrder{
		ID:         o.id,
		Items:      slices.Clone(o.items),
		CustomerID: o.customerID,
		TableID:    o.tableID,
		Discount:   o.spec,
		OnHold:     o.onHold,
	}
}

// fakeRepo is an in-memory order store. CompleteOrder mimics a database
// trigger that recomputes totals and zeroes the discount fields.
type fakeRepo struct {
	mu     sync.Mutex
	orders map[string]*fakeOrder
	seq    []string
	nextID int

	fetchCalls int
	fetchErr   error
	onFetch    func(ctx context.Context)
	writeErr   error
	txErrAt    string
	presetErr  error
	onFinalize func()

	txLog      []string
	tickets    []Ticket
	presetUses map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:     make(map[string]*fakeOrder),
		presetUses: make(map[string]int),
	}
}

func (r *fakeRepo) seed(o *fakeOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.id] = o
	r.seq = append(r.seq, o.id)
}

func (r *fakeRepo) order(id string) *fakeOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil
	}
	return o.clone()
}

func (r *fakeRepo) OpenOrders(ctx context.Context, operatorID string) ([]OpenOrder, error) {
	r.mu.Lock()
	r.fetchCalls++
	hook := r.onFetch
	err := r.fetchErr
	var out []OpenOrder
	for _, id := range r.seq {
		o := r.orders[id]
		if o.operatorID == operatorID && !o.completed {
			out = append(out, o.view())
		}
	}
	r.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fakeRepo) write(orderID string, fn func(o *fakeOrder)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	fn(o)
	return nil
}

func (r *fakeRepo) OpenOrder(_ context.Context, operatorID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return "", r.writeErr
	}
	r.nextID++
	id := fmt.Sprintf("order-%d", r.nextID)
	r.orders[id] = &fakeOrder{id: id, operatorID: operatorID}
	r.seq = append(r.seq, id)
	return id, nil
}

func toRecord(li LineItem) ItemRecord {
	qty := li.Quantity
	price := li.UnitPrice
	sub := li.Subtotal
	note := li.Note
	return ItemRecord{
		ID:        li.ID,
		ProductID: li.ProductID,
		Name:      li.Name,
		Quantity:  &qty,
		UnitPrice: &price,
		Subtotal:  &sub,
		Note:      &note,
	}
}

func (r *fakeRepo) SaveItem(_ context.Context, orderID string, item LineItem) error {
	return r.write(orderID, func(o *fakeOrder) {
		rec := toRecord(item)
		if i := slices.IndexFunc(o.items, func(x ItemRecord) bool { return x.ID == item.ID }); i >= 0 {
			o.items[i] = rec
			return
		}
		o.items = append(o.items, rec)
	})
}

func (r *fakeRepo) DeleteItem(_ context.Context, orderID, itemID string) error {
	return r.write(orderID, func(o *fakeOrder) {
		o.items = slices.DeleteFunc(o.items, func(x ItemRecord) bool { return x.ID == itemID })
	})
}

func (r *fakeRepo) SetCustomer(_ context.Context, orderID, customerID string) error {
	return r.write(orderID, func(o *fakeOrder) { o.customerID = customerID })
}

func (r *fakeRepo) SetTable(_ context.Context, orderID, tableID string) error {
	return r.write(orderID, func(o *fakeOrder) { o.tableID = tableID })
}

func (r *fakeRepo) SetDiscount(_ context.Context, orderID string, spec *discount.Spec) error {
	return r.write(orderID, func(o *fakeOrder) { o.spec = spec })
}

func (r *fakeRepo) DeleteOrder(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	delete(r.orders, orderID)
	r.seq = slices.DeleteFunc(r.seq, func(id string) bool { return id == orderID })
	return nil
}

func (r *fakeRepo) SetHold(_ context.Context, orderID string, onHold bool) error {
	return r.write(orderID, func(o *fakeOrder) { o.onHold = onHold })
}

func (r *fakeRepo) RunFinalize(ctx context.Context, fn func(ctx context.Context, tx FinalizeTx) error) error {
	r.mu.Lock()
	hook := r.onFinalize
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	tx := &fakeTx{repo: r, staged: make(map[string]*fakeOrder)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range tx.staged {
		r.orders[id] = o
	}
	r.tickets = append(r.tickets, tx.tickets...)
	for code, n := range tx.uses {
		r.presetUses[code] += n
	}
	r.txLog = append(r.txLog, tx.log...)
	return nil
}

func (r *fakeRepo) FinalizedOrder(_ context.Context, orderID string) (*FinalizedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || !o.completed {
		return nil, ErrOrderNotFound
	}
	items, _ := Normalize(o.items)
	return &FinalizedOrder{
		ID:             o.id,
		OperatorID:     o.operatorID,
		Items:          items,
		CustomerID:     o.customerID,
		TableID:        o.tableID,
		Subtotal:       o.subtotal,
		Discount:       o.applied,
		DiscountAmount: o.discountAmt,
		Total:          o.total,
		CompletedAt:    o.completedAt,
	}, nil
}

type fakeTx struct {
	repo    *fakeRepo
	staged  map[string]*fakeOrder
	tickets []Ticket
	uses    map[string]int
	log     []string
}

func (tx *fakeTx) step(name string) error {
	tx.log = append(tx.log, name)
	if tx.repo.txErrAt == name {
		return errors.New("injected " + name + " failure")
	}
	return nil
}

func (tx *fakeTx) get(orderID string) (*fakeOrder, error) {
	if o, ok := tx.staged[orderID]; ok {
		return o, nil
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	o, ok := tx.repo.orders[orderID]
	if !ok || o.completed {
		return nil, ErrOrderNotFound
	}
	c := o.clone()
	tx.staged[orderID] = c
	return c, nil
}

func (tx *fakeTx) LockOrder(_ context.Context, orderID string) (*OpenOrder, error) {
	if err := tx.step("lock"); err != nil {
		return nil, err
	}
	o, err := tx.get(orderID)
	if err != nil {
		return nil, err
	}
	v := o.view()
	return &v, nil
}

func (tx *fakeTx) DropItems(_ context.Context, orderID string, itemIDs []string) error {
	if err := tx.step("drop"); err != nil {
		return err
	}
	o, err := tx.get(orderID)
	if err != nil {
		return err
	}
	o.items = slices.DeleteFunc(o.items, func(x ItemRecord) bool { return slices.Contains(itemIDs, x.ID) })
	return nil
}

func (tx *fakeTx) CompleteOrder(_ context.Context, orderID string, at time.Time) (decimal.Decimal, error) {
	if err := tx.step("complete"); err != nil {
		return decimal.Zero, err
	}
	o, err := tx.get(orderID)
	if err != nil {
		return decimal.Zero, err
	}
	items, _ := Normalize(o.items)
	o.completed = true
	o.completedAt = at
	o.subtotal = ItemsSubtotal(items)
	o.applied = nil
	o.discountAmt = decimal.Zero
	o.total = o.subtotal
	return o.subtotal, nil
}

func (tx *fakeTx) EnqueueTicket(_ context.Context, ticket Ticket) error {
	if err := tx.step("ticket"); err != nil {
		return err
	}
	tx.tickets = append(tx.tickets, ticket)
	return nil
}

func (tx *fakeTx) CountPresetUse(_ context.Context, code string) error {
	if err := tx.step("preset"); err != nil {
		return err
	}
	if tx.repo.presetErr != nil {
		return tx.repo.presetErr
	}
	if tx.uses == nil {
		tx.uses = make(map[string]int)
	}
	tx.uses[code]++
	return nil
}

func (tx *fakeTx) WriteDiscount(_ context.Context, orderID string, applied *discount.Applied, total decimal.Decimal) error {
	if err := tx.step("discount"); err != nil {
		return err
	}
	o, ok := tx.staged[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.applied = applied
	if applied != nil {
		o.discountAmt = applied.Amount
	}
	o.total = total
	return nil
}

type fakeProducts map[string]product.Product

func (f fakeProducts) List(context.Context) ([]product.Product, error) {
	out := make([]product.Product, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	return out, nil
}

func (f fakeProducts) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := f[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

type fakeResolver map[string]discount.Spec

func (f fakeResolver) Resolve(_ context.Context, code string) (discount.Spec, error) {
	spec, ok := f[code]
	if !ok {
		return discount.Spec{}, discount.ErrUnknownCode
	}
	return spec, nil
}
