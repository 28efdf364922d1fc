package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsNotifications(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "rank-runs", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "rank-alerts", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "rank-runs", msgs[0].Topic)
	require.JSONEq(t, `{"run_id":"r1"}`, string(msgs[0].Data))
	require.Equal(t, `"payload"`, string(msgs[1].Data))
	require.Equal(t, 1, pub.Count("rank-runs"))
	require.Zero(t, pub.Count("missing"))

	msgs[0].Topic = "modified"
	require.Equal(t, "rank-runs", pub.Messages()[0].Topic)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "rank-runs", make(chan int))
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
