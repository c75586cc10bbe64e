// Package session keeps each operator's in-progress order in memory and in
// write-through sync with durable storage.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
)

// PresetResolver resolves promo codes into discount specs.
type PresetResolver interface {
	Resolve(ctx context.Context, code string) (discount.Spec, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides line item id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider used for session counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// Service coordinates restoration, mutation and finalization of sessions.
type Service struct {
	repo     Repository
	products product.Repository
	presets  PresetResolver
	store    *store

	now   func() time.Time
	newID func() string

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer

	restores        metric.Int64Counter
	finalizes       metric.Int64Counter
	writeFailures   metric.Int64Counter
	malformedRecord metric.Int64Counter
}

// NewService creates a Service. presets may be nil, in which case
// ApplyPreset always fails with discount.ErrUnknownCode.
func NewService(repo Repository, products product.Repository, presets PresetResolver, opts ...Option) (*Service, error) {
	s := &Service{
		repo:           repo,
		products:       products,
		presets:        presets,
		store:          newStore(),
		now:            time.Now,
		newID:          uuid.NewString,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tracer = s.tracerProvider.Tracer("pos/session")
	meter := s.meterProvider.Meter("pos/session")

	var err error
	if s.restores, err = meter.Int64Counter("pos.session.restores",
		metric.WithDescription("Session restorations by outcome")); err != nil {
		return nil, errors.Wrap(err, "restores counter")
	}
	if s.finalizes, err = meter.Int64Counter("pos.session.finalizes",
		metric.WithDescription("Finalize attempts by outcome")); err != nil {
		return nil, errors.Wrap(err, "finalizes counter")
	}
	if s.writeFailures, err = meter.Int64Counter("pos.session.write_failures",
		metric.WithDescription("Durable writes that did not confirm")); err != nil {
		return nil, errors.Wrap(err, "write failures counter")
	}
	if s.malformedRecord, err = meter.Int64Counter("pos.session.malformed_records",
		metric.WithDescription("Persisted order items skipped during restore")); err != nil {
		return nil, errors.Wrap(err, "malformed records counter")
	}

	return s, nil
}

// RestoreResult reports the outcome of Restore.
type RestoreResult struct {
	Snapshot Snapshot
	// Fetched is false when the session was already loaded and no fetch ran.
	Fetched bool
	// Skipped lists persisted items that could not be restored.
	Skipped []*MalformedRecordError
}

// Restore loads the operator's open order into memory. It runs at most one
// successful fetch per session lifetime; later calls return the cached
// session.
func (s *Service) Restore(ctx context.Context, operatorID string) (*RestoreResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.Restore",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	res := &RestoreResult{}
	if !sl.loaded {
		skipped, err := s.load(ctx, sl, operatorID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		res.Fetched = true
		res.Skipped = skipped
	}
	res.Snapshot = sl.sess.snapshot(sl.State())
	return res, nil
}

// ensureLoaded restores the slot if needed. The caller holds sl.mu.
func (s *Service) ensureLoaded(ctx context.Context, sl *slot, operatorID string) error {
	if sl.loaded {
		return nil
	}
	_, err := s.load(ctx, sl, operatorID)
	return err
}

// load fetches and applies the operator's open order. Nothing is applied
// unless the fetch succeeds and ctx is still live. The caller holds sl.mu.
func (s *Service) load(ctx context.Context, sl *slot, operatorID string) ([]*MalformedRecordError, error) {
	lg := zctx.From(ctx).With(zap.String("operator_id", operatorID))

	sl.setState(StateLoading)
	orders, err := s.repo.OpenOrders(ctx, operatorID)
	if err != nil {
		sl.setState(StateUninitialized)
		s.restores.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "fetch_error")))
		lg.Warn("Fetch open orders failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	active, err := selectActive(operatorID, orders)
	if err != nil {
		sl.setState(StateUninitialized)
		s.restores.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "conflict")))
		lg.Error("Operator has conflicting open orders", zap.Error(err))
		return nil, err
	}

	sess := newSession(operatorID)
	var skipped []*MalformedRecordError
	if active != nil {
		sess.OrderID = active.ID
		sess.CustomerID = active.CustomerID
		sess.TableID = active.TableID
		sess.Items, skipped = Normalize(active.Items)
		if active.Discount != nil {
			if err := discount.Validate(*active.Discount); err != nil {
				lg.Warn("Dropping invalid persisted discount",
					zap.String("order_id", active.ID), zap.Error(err))
			} else {
				spec := *active.Discount
				sess.Discount = &spec
			}
		}
	}

	if err := ctx.Err(); err != nil {
		sl.setState(StateUninitialized)
		return nil, errors.Wrap(err, "restore cancelled")
	}

	for _, m := range skipped {
		lg.Warn("Skipping malformed order item", zap.Error(m))
	}
	if len(skipped) > 0 {
		s.malformedRecord.Add(ctx, int64(len(skipped)))
	}

	sl.sess = sess
	sl.loaded = true
	state := StateEmpty
	if len(sess.Items) > 0 {
		state = StateRestored
	}
	sl.setState(state)
	s.restores.Add(ctx, 1, metric.WithAttributes(attribute.String("result", state.String())))
	lg.Debug("Session restored",
		zap.String("order_id", sess.OrderID),
		zap.Int("items", len(sess.Items)),
		zap.Int("skipped", len(skipped)),
	)

	return skipped, nil
}

// selectActive picks the single non-held open order, or nil if there is none.
func selectActive(operatorID string, orders []OpenOrder) (*OpenOrder, error) {
	var active []int
	for i := range orders {
		if !orders[i].OnHold {
			active = append(active, i)
		}
	}
	switch len(active) {
	case 0:
		return nil, nil
	case 1:
		return &orders[active[0]], nil
	}

	ids := make([]string, len(active))
	for i, idx := range active {
		ids[i] = orders[idx].ID
	}
	return nil, &MultipleOpenOrdersError{OperatorID: operatorID, OrderIDs: ids}
}

// mutate runs fn against a copy of the operator's session. The copy replaces
// the cached session only when fn succeeds, so a failed write leaves memory
// as it was.
func (s *Service) mutate(ctx context.Context, operatorID, op string, fn func(ctx context.Context, sl *slot, next *Session) error) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "session."+op,
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}

	next := sl.sess.clone()
	if err := fn(ctx, sl, next); err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}

	sl.sess = next
	sl.setState(StateActive)
	return sl.sess.snapshot(StateActive), nil
}

// ensureOrder opens the persisted order on first use. The order id is
// committed to the cached session at once so a later failure in the same
// mutation does not open a second order.
func (s *Service) ensureOrder(ctx context.Context, sl *slot, next *Session) error {
	if next.OrderID != "" {
		return nil
	}
	id, err := s.repo.OpenOrder(ctx, next.OperatorID)
	if err != nil {
		return s.persistErr(ctx, "open order", err)
	}
	next.OrderID = id
	sl.sess.OrderID = id
	return nil
}

func (s *Service) persistErr(ctx context.Context, op string, err error) error {
	s.writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	zctx.From(ctx).Warn("Durable write failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// AddItemRequest describes a product addition.
type AddItemRequest struct {
	ProductID string
	Quantity  int
	Note      string
}

// AddItem adds a product to the operator's session. An existing line for the
// same product, price and note absorbs the quantity.
func (s *Service) AddItem(ctx context.Context, operatorID string, req AddItemRequest) (Snapshot, error) {
	if req.Quantity <= 0 {
		return Snapshot{}, &InvalidQuantityError{Quantity: req.Quantity}
	}
	note := strings.TrimSpace(req.Note)

	return s.mutate(ctx, operatorID, "AddItem", func(ctx context.Context, sl *slot, next *Session) error {
		p, err := s.products.GetByID(ctx, req.ProductID)
		if err != nil {
			return errors.Wrapf(err, "product %s", req.ProductID)
		}
		if !p.Available {
			return errors.Wrapf(product.ErrNotFound, "product %s unavailable", req.ProductID)
		}

		var li LineItem
		if i := next.mergeTarget(p.ID, note, p.Price); i >= 0 {
			li = next.Items[i].withQuantity(next.Items[i].Quantity + req.Quantity)
		} else {
			li = newLineItem(s.newID(), p.ID, p.Name, req.Quantity, p.Price, note)
		}

		if err := s.ensureOrder(ctx, sl, next); err != nil {
			return err
		}
		if err := s.repo.SaveItem(ctx, next.OrderID, li); err != nil {
			return s.persistErr(ctx, "save item", err)
		}
		next.put(li)
		return nil
	})
}

// UpdateQuantity sets the quantity of an existing line item.
func (s *Service) UpdateQuantity(ctx context.Context, operatorID, itemID string, qty int) (Snapshot, error) {
	if qty <= 0 {
		return Snapshot{}, &InvalidQuantityError{ItemID: itemID, Quantity: qty}
	}

	return s.mutate(ctx, operatorID, "UpdateQuantity", func(ctx context.Context, _ *slot, next *Session) error {
		i := next.indexOf(itemID)
		if i < 0 {
			return &ItemNotFoundError{ItemID: itemID}
		}
		li := next.Items[i].withQuantity(qty)
		if err := s.repo.SaveItem(ctx, next.OrderID, li); err != nil {
			return s.persistErr(ctx, "save item", err)
		}
		next.put(li)
		return nil
	})
}

// RemoveItem deletes a line item from the session.
func (s *Service) RemoveItem(ctx context.Context, operatorID, itemID string) (Snapshot, error) {
	return s.mutate(ctx, operatorID, "RemoveItem", func(ctx context.Context, _ *slot, next *Session) error {
		if next.indexOf(itemID) < 0 {
			return &ItemNotFoundError{ItemID: itemID}
		}
		if err := s.repo.DeleteItem(ctx, next.OrderID, itemID); err != nil {
			return s.persistErr(ctx, "delete item", err)
		}
		next.remove(itemID)
		return nil
	})
}

// SetCustomer assigns a customer reference. An empty id removes the current
// one and fails with ErrCustomerNotSet if there is none.
func (s *Service) SetCustomer(ctx context.Context, operatorID, customerID string) (Snapshot, error) {
	customerID = strings.TrimSpace(customerID)
	return s.mutate(ctx, operatorID, "SetCustomer", func(ctx context.Context, sl *slot, next *Session) error {
		if customerID == "" {
			if next.CustomerID == "" {
				return ErrCustomerNotSet
			}
		} else if err := s.ensureOrder(ctx, sl, next); err != nil {
			return err
		}
		if err := s.repo.SetCustomer(ctx, next.OrderID, customerID); err != nil {
			return s.persistErr(ctx, "set customer", err)
		}
		next.CustomerID = customerID
		return nil
	})
}

// SetTable assigns a table reference. An empty id removes the current one
// and fails with ErrTableNotSet if there is none.
func (s *Service) SetTable(ctx context.Context, operatorID, tableID string) (Snapshot, error) {
	tableID = strings.TrimSpace(tableID)
	return s.mutate(ctx, operatorID, "SetTable", func(ctx context.Context, sl *slot, next *Session) error {
		if tableID == "" {
			if next.TableID == "" {
				return ErrTableNotSet
			}
		} else if err := s.ensureOrder(ctx, sl, next); err != nil {
			return err
		}
		if err := s.repo.SetTable(ctx, next.OrderID, tableID); err != nil {
			return s.persistErr(ctx, "set table", err)
		}
		next.TableID = tableID
		return nil
	})
}

// SetDiscount stores the discount spec applied at finalize. A nil spec
// removes the current discount. Changes are rejected once finalize has begun.
func (s *Service) SetDiscount(ctx context.Context, operatorID string, spec *discount.Spec) (Snapshot, error) {
	if spec != nil {
		if err := discount.Validate(*spec); err != nil {
			return Snapshot{}, err
		}
		c := *spec
		spec = &c
	}
	if sl, ok := s.store.peek(operatorID); ok && sl.State() == StateFinalizing {
		return Snapshot{}, ErrFinalizing
	}

	return s.mutate(ctx, operatorID, "SetDiscount", func(ctx context.Context, sl *slot, next *Session) error {
		if sl.State() == StateFinalizing {
			return ErrFinalizing
		}
		if spec == nil {
			if next.Discount == nil {
				return errors.Wrap(ErrNotFound, "discount")
			}
		} else if err := s.ensureOrder(ctx, sl, next); err != nil {
			return err
		}
		if err := s.repo.SetDiscount(ctx, next.OrderID, spec); err != nil {
			return s.persistErr(ctx, "set discount", err)
		}
		next.Discount = spec
		return nil
	})
}

// ApplyPreset resolves a promo code and sets it as the session discount.
func (s *Service) ApplyPreset(ctx context.Context, operatorID, code string) (Snapshot, error) {
	if s.presets == nil {
		return Snapshot{}, discount.ErrUnknownCode
	}
	spec, err := s.presets.Resolve(ctx, code)
	if err != nil {
		return Snapshot{}, err
	}
	return s.SetDiscount(ctx, operatorID, &spec)
}

// Clear discards the session and deletes its persisted order.
func (s *Service) Clear(ctx context.Context, operatorID string) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "session.Clear",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		return Snapshot{}, err
	}
	if id := sl.sess.OrderID; id != "" {
		if err := s.repo.DeleteOrder(ctx, id); err != nil {
			return Snapshot{}, s.persistErr(ctx, "delete order", err)
		}
	}

	sl.sess = newSession(operatorID)
	sl.setState(StateEmpty)
	return sl.sess.snapshot(StateEmpty), nil
}

// Snapshot returns the operator's session, restoring it first if needed.
func (s *Service) Snapshot(ctx context.Context, operatorID string) (Snapshot, error) {
	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		return Snapshot{}, err
	}
	return sl.sess.snapshot(sl.State()), nil
}

// State reports the controller state for an operator without blocking.
func (s *Service) State(operatorID string) State {
	sl, ok := s.store.peek(operatorID)
	if !ok {
		return StateUninitialized
	}
	return sl.State()
}
