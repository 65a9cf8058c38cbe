package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(context.Background(), "workbook-flushes")
	require.NoError(t, err)
	return client
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	client := newTestClient(t)
	pub, err := New(client, map[string]string{"crawl": "zoro"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	ctx := context.Background()
	sub, err := client.CreateSubscription(ctx, "flush-sub", pubsub.SubscriptionConfig{
		Topic: client.Topic("workbook-flushes"),
	})
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "workbook-flushes", map[string]any{"rows": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recvCtx, cancel := context.WithCancel(ctx)
	var got *pubsub.Message
	err = sub.Receive(recvCtx, func(_ context.Context, m *pubsub.Message) {
		m.Ack()
		got = m
		cancel()
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "zoro", got.Attributes["crawl"])

	var body map[string]int
	require.NoError(t, json.Unmarshal(got.Data, &body))
	assert.Equal(t, 3, body["rows"])
}

func TestPublishErrors(t *testing.T) {
	client := newTestClient(t)
	pub, err := New(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "workbook-flushes", func() {})
	require.Error(t, err)

	_, err = New(nil, nil)
	require.Error(t, err)
}
