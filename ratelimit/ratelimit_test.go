package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmitsWithinCapacityImmediately(t *testing.T) {
	l := New(Config{Capacity: 2, RefillPerInterval: 1, IntervalMs: 100, QueueCeiling: 1})
	ctx := context.Background()

	d1, err := l.Admit(ctx, "order")
	require.NoError(t, err)
	require.Equal(t, DecisionAdmit, d1)

	d2, err := l.Admit(ctx, "order")
	require.NoError(t, err)
	require.Equal(t, DecisionAdmit, d2)
}

func TestQueuesThenRejectsAtCeiling(t *testing.T) {
	l := New(Config{Capacity: 2, RefillPerInterval: 1, IntervalMs: 100, QueueCeiling: 1})
	ctx := context.Background()

	_, _ = l.Admit(ctx, "order")
	_, _ = l.Admit(ctx, "order")

	// Third request queues (capacity exhausted, queue has room).
	done := make(chan Decision, 1)
	go func() {
		d, _ := l.Admit(ctx, "order")
		done <- d
	}()

	// Give the goroutine time to register itself on the queue before we
	// attempt the 4th admission, which must be rejected (queue at ceiling).
	time.Sleep(20 * time.Millisecond)
	d4, err := l.Admit(ctx, "order")
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, DecisionRejected, d4)

	select {
	case d := <-done:
		require.Equal(t, DecisionQueued, d)
	case <-time.After(2 * time.Second):
		t.Fatal("queued admission never completed")
	}
}

func TestCostMapChargesDifferentAmounts(t *testing.T) {
	l := New(Config{
		Capacity:          10,
		RefillPerInterval: 10,
		IntervalMs:        1000,
		QueueCeiling:      1,
		CostMap:           map[string]int{"bulk": 10},
	})
	ctx := context.Background()

	d, err := l.Admit(ctx, "bulk")
	require.NoError(t, err)
	require.Equal(t, DecisionAdmit, d)

	// Bucket now exhausted; queue ceiling is 1, so this queues.
	done := make(chan Decision, 1)
	go func() {
		d, _ := l.Admit(ctx, "bulk")
		done <- d
	}()
	select {
	case d := <-done:
		require.Equal(t, DecisionQueued, d)
	case <-time.After(3 * time.Second):
		t.Fatal("never refilled")
	}
}

func TestContextCancelUnblocksQueuedAdmission(t *testing.T) {
	l := New(Config{Capacity: 1, RefillPerInterval: 1, IntervalMs: 10_000, QueueCeiling: 1})
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = l.Admit(context.Background(), "order")

	done := make(chan error, 1)
	go func() {
		_, err := l.Admit(ctx, "order")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation never unblocked Admit")
	}
}
