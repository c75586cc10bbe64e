package postgres

import (
	"context"
	"testing"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/oolio-pos/internal/domain/session"
)

func TestNormalizeFinalized_LogsDroppedItems(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	qty := 2
	price := decimal.RequireFromString("25.00")
	recs := []session.ItemRecord{
		{ID: "ok", ProductID: "soda", Name: "Soda", Quantity: &qty, UnitPrice: &price},
		{ID: "no-qty", ProductID: "soda", Name: "Soda", UnitPrice: &price},
	}

	items := normalizeFinalized(ctx, "order-9", recs)
	require.Len(t, items, 1)
	assert.Equal(t, "ok", items[0].ID)

	entries := logs.FilterMessage("Dropping malformed item of completed order").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "order-9", fields["order_id"])
	assert.Equal(t, "no-qty", fields["item_id"])
	assert.Equal(t, "missing quantity", fields["reason"])
}

func TestNormalizeFinalized_CleanOrderLogsNothing(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	qty := 1
	price := decimal.RequireFromString("4.00")
	items := normalizeFinalized(ctx, "order-1", []session.ItemRecord{
		{ID: "a", ProductID: "fries", Quantity: &qty, UnitPrice: &price},
	})
	assert.Len(t, items, 1)
	assert.Zero(t, logs.Len())
}
