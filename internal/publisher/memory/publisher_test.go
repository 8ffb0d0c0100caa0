package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonefield/mediad/internal/media"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "media.processed", media.ProcessedEvent{MediaID: "m1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "media.processed", media.ProcessedEvent{MediaID: "m2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].Payload.(media.ProcessedEvent).MediaID)

	msgs[0].Topic = "modified"
	require.Equal(t, "media.processed", pub.Messages()[0].Topic)
}
