//go:build integration

package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestPublisher(t *testing.T) {
	url := startBroker(t)
	cfg := Config{URL: url, Exchange: "pos.kitchen.test"}

	pub, err := Dial(cfg)
	require.NoError(t, err)
	require.NoError(t, pub.Ping(context.Background()))

	// Consumer side bound before publishing so the message is routed.
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "kitchen.#", cfg.Exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	payload := []byte(`{"order_id":"o-1"}`)
	require.NoError(t, pub.Publish(context.Background(), "kitchen.ticket", payload))

	select {
	case d := <-deliveries:
		assert.Equal(t, payload, d.Body)
		assert.Equal(t, "application/json", d.ContentType)
		assert.Equal(t, "kitchen.ticket", d.RoutingKey)
		assert.Equal(t, amqp.Persistent, d.DeliveryMode)
	case <-time.After(10 * time.Second):
		t.Fatal("message not delivered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pub.Publish(ctx, "kitchen.ticket", payload), context.Canceled)

	require.NoError(t, pub.Close())
	require.Error(t, pub.Ping(context.Background()))
}
