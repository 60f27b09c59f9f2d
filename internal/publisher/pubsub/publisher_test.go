package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	_, err = client.CreateTopic(ctx, "lens-jobs")
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSONWithTraceContext(t *testing.T) {
	srv, client := newTestClient(t)
	pub := New(client, "lens-jobs")
	t.Cleanup(func() { _ = pub.Close() })

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "finish")
	defer span.End()

	id, err := pub.Publish(ctx, "", lens.JobCompletion{JobID: "job-1", Status: lens.JobStatusSucceeded, Matches: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got lens.JobCompletion
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, 3, got.Matches)
	require.Contains(t, msgs[0].Attributes, "traceparent")
}

func TestPublishWithoutTopic(t *testing.T) {
	_, client := newTestClient(t)
	pub := New(client, "")
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is not configured")

	var nilPub *Publisher
	_, err = nilPub.Publish(context.Background(), "lens-jobs", "x")
	require.Error(t, err)
	require.NoError(t, nilPub.Close())
}
