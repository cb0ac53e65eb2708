//go:build integration

package nats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bjaus/relay"
	"github.com/bjaus/relay/logger"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"--port", "4222"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_RoundTrip(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()
	cfg := Config{URL: url, Subject: "it"}

	server := relay.New()
	client := relay.New()
	for _, e := range []*relay.Engine{server, client} {
		_, err := e.Use(ctx, Plugin(cfg, WithLogger(logger.NopLogger{})))
		require.NoError(t, err)
		require.NoError(t, e.Connect(ctx))
	}
	t.Cleanup(func() {
		_ = server.Close(ctx)
		_ = server.Disconnect(ctx)
		_ = client.Disconnect(ctx)
	})

	require.NoError(t, server.AddFunc("role:greet", func(_ context.Context, msg relay.Message, _ *relay.Headers) (any, error) {
		return "hello " + msg["name"].(string), nil
	}))
	require.NoError(t, server.Listen(ctx))
	require.NoError(t, client.AddRemote("role:greet", "nats"))

	res, err := client.Act(ctx, "role:greet, name:nats, $timeout:2000")
	require.NoError(t, err)
	require.Equal(t, "hello nats", res)

	_, err = client.Act(ctx, "role:greet, lang:fr, $local")
	require.ErrorIs(t, err, relay.ErrNotFound)

	got := make(chan relay.Notification, 1)
	_, err = client.Follow(ctx, "role:greet", func(_ context.Context, n relay.Notification) error {
		got <- n
		return nil
	})
	require.NoError(t, err)
	// The subscription reaches the server asynchronously.
	time.Sleep(100 * time.Millisecond)

	_, err = server.Act(ctx, "role:greet, name:bob, $notify:nats")
	require.NoError(t, err)
	select {
	case n := <-got:
		require.Equal(t, "hello bob", n.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}
