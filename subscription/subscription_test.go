package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeUnsubscribeRoundTripLeavesRegistryUnchanged(t *testing.T) {
	r := New()

	id, err := r.Subscribe("book.BTC-PERP", "")
	require.NoError(t, err)
	r.Unsubscribe(id)

	require.Empty(t, r.ActiveSubscriptions())
	require.Empty(t, r.Replay())

	// The key is free again after the round trip.
	id2, err := r.Subscribe("book.BTC-PERP", "")
	require.NoError(t, err)
	require.NotZero(t, id2)
}

func TestDuplicateChannelParamsRejected(t *testing.T) {
	r := New()
	_, err := r.Subscribe("book.BTC-PERP", "")
	require.NoError(t, err)

	_, err = r.Subscribe("book.BTC-PERP", "")
	require.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestActiveSubscriptionsOnlyConfirmed(t *testing.T) {
	r := New()
	id, _ := r.Subscribe("book.BTC-PERP", "")
	require.Empty(t, r.ActiveSubscriptions())

	r.Confirm(id)
	active := r.ActiveSubscriptions()
	require.Len(t, active, 1)
	require.Equal(t, "book.BTC-PERP", active[0].Channel)
}

func TestPrepareForReconnectRevertsConfirmedToPending(t *testing.T) {
	r := New()
	id, _ := r.Subscribe("book.BTC-PERP", "")
	r.Confirm(id)

	toReplay := r.PrepareForReconnect()
	require.Len(t, toReplay, 1)
	require.Equal(t, StatusPending, toReplay[0].Status)

	sub, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, sub.Status)
}

func TestReplayOrderMatchesSubscriptionOrder(t *testing.T) {
	r := New()
	idA, _ := r.Subscribe("book.BTC-PERP", "")
	idB, _ := r.Subscribe("trades.ETH-PERP", "")
	idC, _ := r.Subscribe("book.SOL-PERP", "")

	replay := r.Replay()
	require.Len(t, replay, 3)
	require.Equal(t, []uint64{idA, idB, idC}, []uint64{replay[0].ID, replay[1].ID, replay[2].ID})
}
