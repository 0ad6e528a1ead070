package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodecEncodeStampsID(t *testing.T) {
	c := JSONCodec{}
	frame, err := c.Encode(7, map[string]string{"method": "ping"})
	require.NoError(t, err)

	class, err := c.Classify(frame)
	require.NoError(t, err)
	require.Equal(t, CategoryReply, class.Category)
	require.True(t, class.HasID)
	require.Equal(t, uint64(7), class.ID)
}

func TestJSONCodecClassifiesUnsolicited(t *testing.T) {
	c := JSONCodec{}
	class, err := c.Classify([]byte(`{"method":"book.update"}`))
	require.NoError(t, err)
	require.Equal(t, CategoryUnsolicited, class.Category)
	require.False(t, class.HasID)
}

func TestJSONCodecClassifiesSubscriptionAndPing(t *testing.T) {
	c := JSONCodec{}

	class, err := c.Classify([]byte(`{"method":"subscription"}`))
	require.NoError(t, err)
	require.Equal(t, CategorySubscriptionEvent, class.Category)

	class, err = c.Classify([]byte(`{"method":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, CategoryServerPing, class.Category)
}

func TestCBORCodecRoundTrip(t *testing.T) {
	c := CBORCodec{}
	frame, err := c.Encode(42, map[string]string{"method": "ping"})
	require.NoError(t, err)

	class, err := c.Classify(frame)
	require.NoError(t, err)
	require.Equal(t, CategoryReply, class.Category)
	require.Equal(t, uint64(42), class.ID)
}
