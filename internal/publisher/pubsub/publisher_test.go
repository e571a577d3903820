package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

// TestPublisherPublishesJSON verifies payloads are marshaled and attributes forwarded.
func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()

	pub, err := Open(ctx, client, "rewrite-events")
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()

	id, err := pub.Publish(ctx, map[string]any{"stage": "REWRITE", "bytes": 42}, map[string]string{"filter": "cc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "cc", msgs[0].Attributes["filter"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "REWRITE", got["stage"])
	assert.InDelta(t, 42.0, got["bytes"], 1e-9)
}

// TestOpenReusesExistingTopic verifies an existing topic is not recreated.
func TestOpenReusesExistingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.CreateTopic(ctx, "existing")
	require.NoError(t, err)

	pub, err := Open(ctx, client, "existing")
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()
	assert.Equal(t, "existing", pub.topic.ID())
}

// TestPublisherRejectsUnconfiguredTopic verifies the nil topic guard.
func TestPublisherRejectsUnconfiguredTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "x", nil)
	require.Error(t, err)
	require.NoError(t, New(nil).Close())
}

// TestPublisherRejectsUnmarshalablePayload verifies marshal failures surface.
func TestPublisherRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub, err := Open(context.Background(), client, "bad-payload")
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()

	_, err = pub.Publish(context.Background(), make(chan int), nil)
	require.ErrorContains(t, err, "marshal payload")
}

// TestCarrierRoundTrip verifies the carrier satisfies the propagation contract.
func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	var carrier propagation.TextMapCarrier = &pubsubCarrier{attrs: map[string]string{}}
	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())
}
