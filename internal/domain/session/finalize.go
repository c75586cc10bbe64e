package session

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/discount"
)

// Finalize completes the operator's order. Within one transaction it
//
//  1. locks the persisted order and checks it still matches the session,
//  2. completes it, letting storage recompute derived totals from items,
//  3. queues the kitchen ticket and counts preset usage,
//  4. writes the discount and final total.
//
// The discount write comes last so no total recomputation can overwrite it.
// On a mismatch the cached session is dropped and ErrFinalizeConflict is
// returned; the next call reloads from storage.
func (s *Service) Finalize(ctx context.Context, operatorID string) (*FinalizedOrder, error) {
	ctx, span := s.tracer.Start(ctx, "session.Finalize",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	lg := zctx.From(ctx).With(zap.String("operator_id", operatorID))

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		return nil, err
	}
	if len(sl.sess.Items) == 0 {
		return nil, ErrNothingToFinalize
	}

	prev := sl.State()
	sl.setState(StateFinalizing)
	snap := sl.sess.clone()
	now := s.now()

	var out *FinalizedOrder
	err := s.repo.RunFinalize(ctx, func(ctx context.Context, tx FinalizeTx) error {
		persisted, err := tx.LockOrder(ctx, snap.OrderID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return fmt.Errorf("%w: %w", ErrFinalizeConflict, err)
			}
			return errors.Wrap(err, "lock order")
		}
		stale, err := matchPersisted(snap, persisted)
		if err != nil {
			return err
		}
		// Rows skipped at restore never reached the session; drop them so
		// the completed order holds exactly what was sold.
		if len(stale) > 0 {
			if err := tx.DropItems(ctx, snap.OrderID, stale); err != nil {
				return errors.Wrap(err, "drop malformed items")
			}
			lg.Warn("Dropped malformed order items",
				zap.String("order_id", snap.OrderID),
				zap.Strings("item_ids", stale),
			)
		}

		subtotal, err := tx.CompleteOrder(ctx, snap.OrderID, now)
		if err != nil {
			return errors.Wrap(err, "complete order")
		}
		if want := snap.Subtotal(); !subtotal.Equal(want) {
			return errors.Wrapf(ErrFinalizeConflict, "persisted subtotal %s, session subtotal %s", subtotal, want)
		}

		var applied *discount.Applied
		amount := decimal.Zero
		if snap.Discount != nil {
			applied, err = discount.Apply(subtotal, *snap.Discount, operatorID, now)
			if err != nil {
				return err
			}
			amount = applied.Amount
		}
		total := subtotal.Sub(amount)

		if err := tx.EnqueueTicket(ctx, Ticket{
			OrderID:    snap.OrderID,
			OperatorID: operatorID,
			TableID:    snap.TableID,
			Items:      snap.Items,
			CreatedAt:  now,
		}); err != nil {
			return errors.Wrap(err, "enqueue ticket")
		}
		if applied != nil && applied.Spec.Code != "" {
			if err := tx.CountPresetUse(ctx, applied.Spec.Code); err != nil {
				return errors.Wrap(err, "count preset use")
			}
		}

		if err := tx.WriteDiscount(ctx, snap.OrderID, applied, total); err != nil {
			return errors.Wrap(err, "write discount")
		}

		out = &FinalizedOrder{
			ID:             snap.OrderID,
			OperatorID:     operatorID,
			Items:          snap.Items,
			CustomerID:     snap.CustomerID,
			TableID:        snap.TableID,
			Subtotal:       subtotal,
			Discount:       applied,
			DiscountAmount: amount,
			Total:          total,
			CompletedAt:    now,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrFinalizeConflict):
			sl.reset(operatorID)
			s.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "conflict")))
			lg.Warn("Finalize conflict, session dropped", zap.String("order_id", snap.OrderID), zap.Error(err))
			return nil, err
		case errors.Is(err, discount.ErrUsageLimitReached),
			errors.Is(err, discount.ErrUnknownCode),
			errors.Is(err, discount.ErrInvalidValue):
			sl.setState(prev)
			s.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "rejected")))
			return nil, err
		default:
			sl.setState(prev)
			s.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			return nil, s.persistErr(ctx, "finalize", err)
		}
	}

	sl.sess = newSession(operatorID)
	sl.setState(StateFinalized)
	s.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	lg.Info("Order finalized",
		zap.String("order_id", out.ID),
		zap.Stringer("subtotal", out.Subtotal),
		zap.Stringer("discount", out.DiscountAmount),
		zap.Stringer("total", out.Total),
	)
	return out, nil
}

// matchPersisted reports ErrFinalizeConflict when the locked order differs
// from the session being finalized. Records and a discount that restore
// would reject are not compared; the ids of such records are returned.
func matchPersisted(snap *Session, persisted *OpenOrder) ([]string, error) {
	conflict := func(format string, args ...any) ([]string, error) {
		return nil, errors.Wrapf(ErrFinalizeConflict, format, args...)
	}

	if persisted.OnHold {
		return conflict("order %s is on hold", persisted.ID)
	}
	if persisted.CustomerID != snap.CustomerID {
		return conflict("customer changed")
	}
	if persisted.TableID != snap.TableID {
		return conflict("table changed")
	}
	if !sameSpec(restorableSpec(persisted.Discount), snap.Discount) {
		return conflict("discount changed")
	}

	items, malformed := Normalize(persisted.Items)
	if len(items) != len(snap.Items) {
		return conflict("persisted order has %d items, session has %d", len(items), len(snap.Items))
	}
	byID := make(map[string]LineItem, len(items))
	for _, li := range items {
		byID[li.ID] = li
	}
	for _, want := range snap.Items {
		got, ok := byID[want.ID]
		if !ok {
			return conflict("item %s missing from persisted order", want.ID)
		}
		if got.ProductID != want.ProductID ||
			got.Quantity != want.Quantity ||
			!got.UnitPrice.Equal(want.UnitPrice) ||
			got.Note != want.Note {
			return conflict("item %s changed", want.ID)
		}
	}

	stale := make([]string, 0, len(malformed))
	for _, m := range malformed {
		stale = append(stale, m.ItemID)
	}
	return stale, nil
}

// restorableSpec returns spec when restore would keep it, nil otherwise.
func restorableSpec(spec *discount.Spec) *discount.Spec {
	if spec == nil || discount.Validate(*spec) != nil {
		return nil
	}
	return spec
}

func sameSpec(a, b *discount.Spec) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Value.Equal(b.Value) && a.Code == b.Code
}

// Hold parks the operator's active order so it is skipped by restoration,
// and starts a fresh session. It returns the held order id.
func (s *Service) Hold(ctx context.Context, operatorID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "session.Hold",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		return "", err
	}
	id := sl.sess.OrderID
	if id == "" {
		return "", errors.Wrap(ErrOrderNotFound, "no active order to hold")
	}
	if err := s.repo.SetHold(ctx, id, true); err != nil {
		return "", s.persistErr(ctx, "hold order", err)
	}

	sl.sess = newSession(operatorID)
	sl.setState(StateEmpty)
	zctx.From(ctx).Info("Order held", zap.String("operator_id", operatorID), zap.String("order_id", id))
	return id, nil
}

// Resume un-parks a held order of the operator and loads it as the active
// session. The current session must be empty.
func (s *Service) Resume(ctx context.Context, operatorID, orderID string) (*RestoreResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.Resume",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	sl := s.store.get(operatorID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.ensureLoaded(ctx, sl, operatorID); err != nil {
		return nil, err
	}
	if !sl.sess.IsEmpty() {
		return nil, ErrSessionNotEmpty
	}

	orders, err := s.repo.OpenOrders(ctx, operatorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	held := false
	for _, o := range orders {
		if o.ID == orderID && o.OnHold {
			held = true
			break
		}
	}
	if !held {
		return nil, errors.Wrapf(ErrOrderNotFound, "held order %s", orderID)
	}
	if err := s.repo.SetHold(ctx, orderID, false); err != nil {
		return nil, s.persistErr(ctx, "resume order", err)
	}

	sl.reset(operatorID)
	skipped, err := s.load(ctx, sl, operatorID)
	if err != nil {
		return nil, err
	}
	return &RestoreResult{
		Snapshot: sl.sess.snapshot(sl.State()),
		Fetched:  true,
		Skipped:  skipped,
	}, nil
}

// FinalizedOrder re-reads a completed order from storage.
func (s *Service) FinalizedOrder(ctx context.Context, orderID string) (*FinalizedOrder, error) {
	ctx, span := s.tracer.Start(ctx, "session.FinalizedOrder")
	defer span.End()

	o, err := s.repo.FinalizedOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "order %s", orderID)
	}
	return o, nil
}
