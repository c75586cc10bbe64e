package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oolio-pos/internal/domain/session"
)

type retryCall struct {
	id      int64
	retries int
	next    time.Time
}

type mockStore struct {
	msgs    []Message
	deleted []int64
	retried []retryCall
	err     error
}

func (m *mockStore) Pending(_ context.Context, _ time.Time, limit int) ([]Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.msgs) > limit {
		return m.msgs[:limit], nil
	}
	return m.msgs, nil
}

func (m *mockStore) Delete(_ context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockStore) Retry(_ context.Context, id int64, retryCount int, _ string, next time.Time) error {
	m.retried = append(m.retried, retryCall{id: id, retries: retryCount, next: next})
	return nil
}

type mockPublisher struct {
	failTopic string
	published []string
}

func (m *mockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if topic == m.failTopic {
		return errors.New("broker unavailable")
	}
	m.published = append(m.published, string(payload))
	return nil
}

func TestRelay_Flush(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := &mockStore{msgs: []Message{
		{ID: 1, Topic: TopicKitchenTicket, Payload: []byte(`{"a":1}`)},
		{ID: 2, Topic: "broken", Payload: []byte(`{}`), RetryCount: 2},
		{ID: 3, Topic: TopicKitchenTicket, Payload: []byte(`{"b":2}`)},
	}}
	pub := &mockPublisher{failTopic: "broken"}

	r := NewRelay(store, pub, RelayConfig{RetryBase: time.Second, RetryMax: time.Minute})
	r.now = func() time.Time { return now }

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 3}, store.deleted)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, pub.published)

	require.Len(t, store.retried, 1)
	assert.Equal(t, int64(2), store.retried[0].id)
	assert.Equal(t, 3, store.retried[0].retries)
	assert.Equal(t, now.Add(4*time.Second), store.retried[0].next)
}

func TestRelay_FlushStoreError(t *testing.T) {
	r := NewRelay(&mockStore{err: errors.New("db down")}, &mockPublisher{}, RelayConfig{})

	_, err := r.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending messages")
}

func TestRelay_Backoff(t *testing.T) {
	r := NewRelay(&mockStore{}, &mockPublisher{}, RelayConfig{RetryBase: time.Second, RetryMax: 10 * time.Second})

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.backoff(tt.retries), "retries=%d", tt.retries)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRelay(&mockStore{}, &mockPublisher{}, RelayConfig{PollInterval: time.Millisecond})
	require.NoError(t, r.Run(ctx))
}

func TestEncodeTicket(t *testing.T) {
	ticket := session.Ticket{
		OrderID:    "o-1",
		OperatorID: "op-1",
		TableID:    "t-4",
		CreatedAt:  time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC),
		Items: []session.LineItem{
			{ID: "i1", ProductID: "burger", Name: "Burger", Quantity: 2, UnitPrice: decimal.NewFromInt(75), Note: "no onion"},
			{ID: "i2", ProductID: "soda", Name: "Soda", Quantity: 1, UnitPrice: decimal.NewFromInt(25)},
		},
	}

	payload := EncodeTicket(ticket)
	require.True(t, jx.Valid(payload))

	var (
		orderID, tableID, createdAt string
		names                       []string
		notes                       []string
	)
	err := jx.DecodeBytes(payload).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order_id":
			orderID, err = d.Str()
		case "table_id":
			tableID, err = d.Str()
		case "created_at":
			createdAt, err = d.Str()
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				return d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "name":
						s, err := d.Str()
						names = append(names, s)
						return err
					case "note":
						s, err := d.Str()
						notes = append(notes, s)
						return err
					case "price", "unit_price":
						t.Errorf("ticket must not carry prices")
					}
					return d.Skip()
				})
			})
		default:
			return d.Skip()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "o-1", orderID)
	assert.Equal(t, "t-4", tableID)
	assert.Equal(t, "2026-03-14T19:00:00Z", createdAt)
	assert.Equal(t, []string{"Burger", "Soda"}, names)
	assert.Equal(t, []string{"no onion"}, notes)
}
