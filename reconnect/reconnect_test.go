package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialCapsAtConfiguredMax(t *testing.T) {
	p := New(Config{Strategy: StrategyExponential, Base: 50 * time.Millisecond, Cap: 200 * time.Millisecond})

	d1, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, d1)

	d2, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, d2)

	d3, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, 200*time.Millisecond, d3)

	d4, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, 200*time.Millisecond, d4) // capped
}

func TestMaxAttemptsExhausted(t *testing.T) {
	p := New(Config{Strategy: StrategyExponential, Base: time.Millisecond, Cap: time.Second, MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		_, err := p.Next()
		require.NoError(t, err)
	}
	_, err := p.Next()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMaxAttemptsZeroIsUnlimited(t *testing.T) {
	p := New(Config{Strategy: StrategyLinear, Base: time.Millisecond, Cap: time.Second, MaxAttempts: 0})
	for i := 0; i < 1000; i++ {
		_, err := p.Next()
		require.NoError(t, err)
	}
}

func TestResetZeroesAttemptCounter(t *testing.T) {
	p := New(Config{Strategy: StrategyExponential, Base: 10 * time.Millisecond, Cap: time.Second})
	_, _ = p.Next()
	_, _ = p.Next()
	require.Equal(t, 2, p.Attempt())
	p.Reset()
	require.Equal(t, 0, p.Attempt())

	d, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, d)
}

func TestJitteredExponentialStaysWithinBounds(t *testing.T) {
	p := New(Config{Strategy: StrategyJitteredExponential, Base: 100 * time.Millisecond, Cap: 1 * time.Second})
	for i := 0; i < 10; i++ {
		d, err := p.Next()
		require.NoError(t, err)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 1*time.Second)
	}
}
