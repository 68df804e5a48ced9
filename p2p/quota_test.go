package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuota_TryConsumeExhaustsBucket(t *testing.T) {
	q := NewQuota(5, time.Second)
	for i := 0; i < 5; i++ {
		require.True(t, q.TryConsume(1), "token %d should be available", i)
	}
	require.False(t, q.TryConsume(1), "bucket should be exhausted")
}

func TestQuota_AwaitWaitsForReplenish(t *testing.T) {
	q := NewQuota(1, 20*time.Millisecond)
	require.True(t, q.TryConsume(1))
	require.False(t, q.TryConsume(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Await(ctx, 1))
}

func TestThrottleCounters_IncrAndGet(t *testing.T) {
	c := newThrottleCounters()
	require.EqualValues(t, 0, c.get("p1"))
	c.incr("p1")
	c.incr("p1")
	c.incr("p2")
	require.EqualValues(t, 2, c.get("p1"))
	require.EqualValues(t, 1, c.get("p2"))
}

func TestConsumeOrAwait_FastPathSkipsThrottleCounter(t *testing.T) {
	q := NewQuota(5, time.Second)
	counters := newThrottleCounters()
	err := consumeOrAwait(context.Background(), q, counters, nil, "proto", 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, counters.get("proto"))
}

func TestConsumeOrAwait_SlowPathRecordsThrottleCounter(t *testing.T) {
	q := NewQuota(1, 10*time.Millisecond)
	counters := newThrottleCounters()
	require.True(t, q.TryConsume(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := consumeOrAwait(ctx, q, counters, nil, "proto", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, counters.get("proto"))
}
