package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDoublesToMax(t *testing.T) {
	b := New(10*time.Millisecond, 50*time.Millisecond).WithJitter(0)
	require.Equal(t, 10*time.Millisecond, b.Next())
	require.Equal(t, 20*time.Millisecond, b.Next())
	require.Equal(t, 40*time.Millisecond, b.Next())
	require.Equal(t, 50*time.Millisecond, b.Next())
	require.Equal(t, 50*time.Millisecond, b.Next())

	b.Reset()
	require.Equal(t, 10*time.Millisecond, b.Next())
}

func TestNextJitterBounds(t *testing.T) {
	b := New(100*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(time.Hour, time.Hour).Sleep(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
