//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
	"github.com/xenking/oolio-pos/internal/domain/session"
	"github.com/xenking/oolio-pos/internal/outbox"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pos",
				"POSTGRES_PASSWORD": "pos",
				"POSTGRES_DB":       "pos",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://pos:pos@%s:%s/pos?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedMenu(t *testing.T) *ProductRepository {
	t.Helper()
	repo := NewProductRepository(testPool)
	require.NoError(t, repo.Upsert(context.Background(), []product.Product{
		{ID: "burger", Name: "Burger", Price: dec("75.00"), Category: "Mains", Station: "grill", Available: true},
		{ID: "fries", Name: "Fries", Price: dec("50.00"), Category: "Sides", Station: "fryer", Available: true},
		{ID: "soda", Name: "Soda", Price: dec("25.00"), Category: "Drinks", Station: "bar", Available: true},
	}))
	return repo
}

func newService(t *testing.T) (*session.Service, *OrderRepository) {
	t.Helper()
	orders := NewOrderRepository(testPool)
	svc, err := session.NewService(orders, seedMenu(t), discount.NewResolver(NewPresetRepository(testPool)))
	require.NoError(t, err)
	return svc, orders
}

func TestSession_FinalizeKeepsDiscount(t *testing.T) {
	ctx := context.Background()
	svc, orders := newService(t)
	op := "op-finalize"

	_, err := svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "burger", Quantity: 2})
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "fries", Quantity: 1})
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "soda", Quantity: 4})
	require.NoError(t, err)
	_, err = svc.SetTable(ctx, op, "t-12")
	require.NoError(t, err)

	snap, err := svc.SetDiscount(ctx, op, &discount.Spec{Kind: discount.KindPercentage, Value: dec("10"), Reason: "regular"})
	require.NoError(t, err)
	assert.True(t, dec("270").Equal(snap.Total))

	out, err := svc.Finalize(ctx, op)
	require.NoError(t, err)

	stored, err := orders.FinalizedOrder(ctx, out.ID)
	require.NoError(t, err)
	assert.True(t, dec("300").Equal(stored.Subtotal), "subtotal %s", stored.Subtotal)
	assert.True(t, dec("30").Equal(stored.DiscountAmount), "discount %s", stored.DiscountAmount)
	assert.True(t, dec("270").Equal(stored.Total), "total %s", stored.Total)
	require.NotNil(t, stored.Discount)
	assert.Equal(t, op, stored.Discount.AppliedBy)
	assert.Len(t, stored.Items, 3)

	open, err := orders.OpenOrders(ctx, op)
	require.NoError(t, err)
	assert.Empty(t, open)

	msgs, err := NewOutboxRepository(testPool).Pending(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Topic == outbox.TopicKitchenTicket && assert.Contains(t, string(m.Payload), out.ID) {
			found = true
		}
	}
	assert.True(t, found, "kitchen ticket queued")
}

func TestSession_RestoreFromStorage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	op := "op-restore"

	_, err := svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "soda", Quantity: 2, Note: "no ice"})
	require.NoError(t, err)
	want, err := svc.SetCustomer(ctx, op, "c-42")
	require.NoError(t, err)

	fresh, _ := newService(t)
	res, err := fresh.Restore(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, session.StateRestored, res.Snapshot.State)
	assert.Equal(t, want.OrderID, res.Snapshot.OrderID)
	assert.Equal(t, "c-42", res.Snapshot.CustomerID)
	require.Len(t, res.Snapshot.Items, 1)
	assert.Equal(t, "no ice", res.Snapshot.Items[0].Note)
	assert.True(t, dec("50").Equal(res.Snapshot.Items[0].Subtotal))
}

func TestSession_RestoreSkipsLegacyRows(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(testPool)
	op := "op-legacy"

	id, err := orders.OpenOrder(ctx, op)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `INSERT INTO order_items (id, order_id, product_id, name, quantity, unit_price)
		VALUES ('legacy-ok', $1, 'soda', 'Soda', 1, 25.00), ('legacy-bad', $1, 'soda', 'Soda', NULL, 25.00)`, id)
	require.NoError(t, err)

	svc, _ := newService(t)
	res, err := svc.Restore(ctx, op)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "legacy-bad", res.Skipped[0].ItemID)
	assert.Len(t, res.Snapshot.Items, 1)
}

func TestSession_FinalizeDropsLegacyRows(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(testPool)
	op := "op-legacy-finalize"

	id, err := orders.OpenOrder(ctx, op)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `INSERT INTO order_items (id, order_id, product_id, name, quantity, unit_price)
		VALUES ('lf-ok', $1, 'soda', 'Soda', 2, 25.00),
		       ('lf-no-qty', $1, 'soda', 'Soda', NULL, 25.00),
		       ('lf-negative', $1, 'fries', 'Fries', 1, -50.00)`, id)
	require.NoError(t, err)

	svc, _ := newService(t)
	res, err := svc.Restore(ctx, op)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 2)

	out, err := svc.Finalize(ctx, op)
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(out.Total), "total %s", out.Total)

	stored, err := orders.FinalizedOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(stored.Subtotal), "subtotal %s", stored.Subtotal)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, "lf-ok", stored.Items[0].ID)

	var rows int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT count(*) FROM order_items WHERE order_id = $1`, id).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSession_PresetWithdrawnBeforeFinalize(t *testing.T) {
	ctx := context.Background()
	presets := NewPresetRepository(testPool)

	for _, tt := range []struct {
		code     string
		withdraw string
	}{
		{code: "GONE", withdraw: `DELETE FROM discount_presets WHERE code = $1`},
		{code: "PAUSED", withdraw: `UPDATE discount_presets SET active = FALSE WHERE code = $1`},
	} {
		t.Run(tt.code, func(t *testing.T) {
			require.NoError(t, presets.Upsert(ctx, discount.Preset{Code: tt.code, Kind: discount.KindFixed, Value: dec("5")}))

			svc, _ := newService(t)
			op := "op-withdrawn-" + tt.code
			_, err := svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "soda", Quantity: 1})
			require.NoError(t, err)
			_, err = svc.ApplyPreset(ctx, op, tt.code)
			require.NoError(t, err)

			_, err = testPool.Exec(ctx, tt.withdraw, tt.code)
			require.NoError(t, err)

			_, err = svc.Finalize(ctx, op)
			require.ErrorIs(t, err, discount.ErrUnknownCode)
			require.NotErrorIs(t, err, discount.ErrUsageLimitReached)
		})
	}
}

func TestSession_PresetUsageLimit(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewPresetRepository(testPool).Upsert(ctx, discount.Preset{
		Code:    "ONCE",
		Kind:    discount.KindFixed,
		Value:   dec("5"),
		MaxUses: 1,
	}))

	svc, _ := newService(t)
	for i, op := range []string{"op-preset-a", "op-preset-b"} {
		_, err := svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "soda", Quantity: 1})
		require.NoError(t, err)
		_, err = svc.ApplyPreset(ctx, op, "once")
		require.NoError(t, err, "apply #%d", i)
	}

	_, err := svc.Finalize(ctx, "op-preset-a")
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, "op-preset-b")
	require.ErrorIs(t, err, discount.ErrUsageLimitReached)

	open, err := NewOrderRepository(testPool).OpenOrders(ctx, "op-preset-b")
	require.NoError(t, err)
	assert.Len(t, open, 1, "order stays open when finalize is rejected")
}

func TestOrderRepository_CompletedOrders(t *testing.T) {
	ctx := context.Background()
	svc, orders := newService(t)
	op := "op-archive"
	since := time.Now().Add(-time.Minute)

	for range 2 {
		_, err := svc.AddItem(ctx, op, session.AddItemRequest{ProductID: "fries", Quantity: 1})
		require.NoError(t, err)
		_, err = svc.Finalize(ctx, op)
		require.NoError(t, err)
	}

	got, err := orders.CompletedOrders(ctx, ArchiveFilter{Since: since, OperatorID: op})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Len(t, o.Items, 1)
		assert.True(t, dec("50").Equal(o.Total))
	}

	limited, err := orders.CompletedOrders(ctx, ArchiveFilter{Since: since, OperatorID: op, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOutboxRepository_Backlog(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	repo := NewOutboxRepository(testPool)

	before, err := repo.Backlog(ctx)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, "op-backlog", session.AddItemRequest{ProductID: "soda", Quantity: 1})
	require.NoError(t, err)
	out, err := svc.Finalize(ctx, "op-backlog")
	require.NoError(t, err)

	after, err := repo.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Pending+1, after.Pending)
	assert.False(t, after.Oldest.IsZero())
	assert.False(t, after.Oldest.After(time.Now()))

	msgs, err := repo.Pending(ctx, time.Now().Add(time.Minute), 1000)
	require.NoError(t, err)
	var id int64
	for _, m := range msgs {
		if strings.Contains(string(m.Payload), out.ID) {
			id = m.ID
		}
	}
	require.NotZero(t, id)

	// Exhausted messages no longer count.
	require.NoError(t, repo.Retry(ctx, id, 10, "broker down", time.Now()))
	settled, err := repo.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Pending, settled.Pending)
}
