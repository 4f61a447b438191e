package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type event struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"trace_id": e.TraceID}
}

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "invest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesToMappedTopic(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "scrape-results")
	require.NoError(t, err)

	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "scrape:results", event{JobID: "job-1", TraceID: "tr-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "tr-1", msgs[0].Attributes["trace_id"])
	require.Equal(t, "scrape:results", msgs[0].Attributes["channel"])

	var got event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "job-1", got.JobID)
}

func TestPublisherExplicitTopicAndMissingTopic(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	_, err := client.CreateTopic(ctx, "results-prod")
	require.NoError(t, err)

	pub := New(client, map[string]string{"scrape:results": "results-prod"})
	t.Cleanup(func() { _ = pub.Close() })
	_, err = pub.Publish(ctx, "scrape:results", map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = pub.Publish(ctx, "scrape:unknown", "x")
	require.Error(t, err)
}

func TestPublisherRequiresClient(t *testing.T) {
	_, err := (&Publisher{}).Publish(context.Background(), "c", "x")
	require.Error(t, err)
	require.Equal(t, "a-b-c", TopicID("a:b/c"))
}
