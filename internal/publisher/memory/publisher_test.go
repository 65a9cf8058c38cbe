package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "flushes", map[string]int{"rows": 1})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "alerts", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(), 2)
	flushes := pub.Messages("flushes")
	require.Len(t, flushes, 1)
	assert.Equal(t, "memory-1", flushes[0].ID)

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	assert.Equal(t, "flushes", pub.Messages()[0].Topic)
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "", nil)
	require.Error(t, err)
}
