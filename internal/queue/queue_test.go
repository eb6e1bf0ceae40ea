package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	q       Queue
	advance func(d time.Duration)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LeaseTTL = time.Minute
	return cfg
}

func newHarnesses(t *testing.T) map[string]*harness {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	memClock := start
	mq := NewMemoryQueue(testConfig(), zap.NewNop())
	mq.now = func() time.Time { return memClock }

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	redisClock := start
	rq := NewRedisQueue(rdb, testConfig(), zap.NewNop())
	rq.now = func() time.Time { return redisClock }

	return map[string]*harness{
		"memory": {q: mq, advance: func(d time.Duration) { memClock = memClock.Add(d) }},
		"redis": {q: rq, advance: func(d time.Duration) {
			redisClock = redisClock.Add(d)
			mr.FastForward(d)
		}},
	}
}

func forEachQueue(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, h := range newHarnesses(t) {
		h := h
		t.Run(name, func(t *testing.T) { fn(t, h) })
	}
}

func msg(job string, step int) StepMessage {
	return StepMessage{JobID: job, UserID: "u1", ThreadID: "t-" + job, StepIndex: step}
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		_, err := h.q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))
		// 同键去重
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))

		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "j1:1", d.Key)
		assert.Equal(t, "t-j1", d.Message.ThreadID)
		assert.Equal(t, 0, d.Attempt)

		// 已被租用，不会重复投递
		_, err = h.q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		stats, err := h.q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Processing)

		require.NoError(t, h.q.Ack(ctx, d))
		assert.ErrorIs(t, h.q.Ack(ctx, d), ErrLeaseLost)

		stats, err = h.q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, *stats)
	})
}

func TestQueue_DelayedScheduling(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 2), WithDelay(10*time.Second)))
		_, err := h.q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		stats, err := h.q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Delayed)

		h.advance(10 * time.Second)
		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, d.Message.StepIndex)
	})
}

func TestQueue_NackBackoffThenPark(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))

		delays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
		for i, delay := range delays {
			d, err := h.q.Dequeue(ctx)
			require.NoError(t, err, "attempt %d", i)
			assert.Equal(t, i, d.Attempt)
			assert.Equal(t, i, d.Message.RetryCount)
			require.NoError(t, h.q.Nack(ctx, d, errors.New("boom")))

			h.advance(delay - time.Millisecond)
			_, err = h.q.Dequeue(ctx)
			assert.ErrorIs(t, err, ErrEmpty, "backoff %d not honoured", i)
			h.advance(time.Millisecond)
		}

		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, d.Attempt)
		assert.Equal(t, "boom", d.LastError)
		require.NoError(t, h.q.Nack(ctx, d, errors.New("final")))

		_, err = h.q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		failed, err := h.q.Failed(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "j1:1", failed[0].Key)
		assert.Equal(t, 5, failed[0].Attempts)
		assert.Equal(t, "final", failed[0].Error)

		require.NoError(t, h.q.Retry(ctx, "j1:1"))
		assert.ErrorIs(t, h.q.Retry(ctx, "j1:1"), ErrNotFound)

		d, err = h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, d.Attempt)
	})
}

func TestQueue_Park(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))
		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, h.q.Park(ctx, d, errors.New("job record missing")))
		failed, err := h.q.Failed(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 1, failed[0].Attempts)
	})
}

func TestQueue_LeaseExpiryRedelivers(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 3)))

		first, err := h.q.Dequeue(ctx)
		require.NoError(t, err)

		h.advance(time.Minute + time.Second)
		second, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.Key, second.Key)

		assert.ErrorIs(t, h.q.Ack(ctx, first), ErrLeaseLost)
		require.NoError(t, h.q.Ack(ctx, second))
	})
}

func TestQueue_Remove(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 2), WithDelay(time.Hour)))
		require.NoError(t, h.q.Enqueue(ctx, msg("j10", 1)))

		n, err := h.q.Remove(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "j10", d.Message.JobID)
	})
}

func TestQueue_Pending(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("j1", 1)))
		require.NoError(t, h.q.Enqueue(ctx, msg("j10", 1), WithDelay(time.Hour)))

		for job, want := range map[string]bool{"j1": true, "j10": true, "j": false, "j2": false} {
			got, err := h.q.Pending(ctx, job)
			require.NoError(t, err)
			assert.Equal(t, want, got, job)
		}

		// 处理中的消息仍算未完成
		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "j1:1", d.Key)
		pending, err := h.q.Pending(ctx, "j1")
		require.NoError(t, err)
		assert.True(t, pending)

		require.NoError(t, h.q.Park(ctx, d, errors.New("boom")))
		pending, err = h.q.Pending(ctx, "j1")
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestQueue_Ordering(t *testing.T) {
	forEachQueue(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		require.NoError(t, h.q.Enqueue(ctx, msg("late", 1), WithDelay(time.Second)))
		require.NoError(t, h.q.Enqueue(ctx, msg("early", 1)))
		h.advance(2 * time.Second)

		d, err := h.q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "early", d.Message.JobID)
	})
}

func TestNew(t *testing.T) {
	q, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = New(Config{Backend: "redis"}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "kafka"}, nil, nil)
	assert.Error(t, err)
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	cfg.MaxBackoff = 5 * time.Second
	assert.Equal(t, 5*time.Second, cfg.Backoff(3))
}
