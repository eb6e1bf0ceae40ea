package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/agent/streaming"
)

type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recorder) handle(ev streaming.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []streaming.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]streaming.Event(nil), r.events...)
}

func forEachBus(t *testing.T, fn func(t *testing.T, bus Bus)) {
	t.Run("memory", func(t *testing.T) {
		bus := NewMemoryBus(64, zap.NewNop())
		defer bus.Close()
		fn(t, bus)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		bus := NewRedisBus(client, "test:", 64, zap.NewNop())
		defer bus.Close()
		fn(t, bus)
	})
}

func TestBus_OrderedPerJob(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus Bus) {
		ctx := context.Background()
		var a, b recorder
		subA, err := bus.Subscribe(ctx, "job-a", a.handle)
		require.NoError(t, err)
		defer subA.Unsubscribe()
		subB, err := bus.Subscribe(ctx, "job-b", b.handle)
		require.NoError(t, err)
		defer subB.Unsubscribe()

		for i := 1; i <= 20; i++ {
			bus.Publish(ctx, "job-a", streaming.Event{Type: streaming.EventTextDelta, Iteration: i})
		}
		bus.Publish(ctx, "job-b", streaming.Event{Type: streaming.EventJobComplete})

		require.Eventually(t, func() bool { return len(a.snapshot()) == 20 }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return len(b.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

		for i, ev := range a.snapshot() {
			assert.Equal(t, i+1, ev.Iteration)
			assert.Equal(t, "job-a", ev.JobID)
		}
		assert.Equal(t, streaming.EventJobComplete, b.snapshot()[0].Type)
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus Bus) {
		ctx := context.Background()
		var r recorder
		sub, err := bus.Subscribe(ctx, "job", r.handle)
		require.NoError(t, err)

		bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventStatusUpdate})
		require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

		sub.Unsubscribe()
		sub.Unsubscribe()
		bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventStatusUpdate})
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, r.snapshot(), 1)
	})
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus Bus) {
		assert.NotPanics(t, func() {
			bus.Publish(context.Background(), "nobody", streaming.Event{Type: streaming.EventTextDelta})
		})
	})
}

func TestBus_HandlerPanicRecovered(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus Bus) {
		ctx := context.Background()
		var r recorder
		calls := 0
		sub, err := bus.Subscribe(ctx, "job", func(ev streaming.Event) {
			calls++
			if calls == 1 {
				panic("boom")
			}
			r.handle(ev)
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta, Iteration: 1})
		bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta, Iteration: 2})
		require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, r.snapshot()[0].Iteration)
	})
}

func TestBus_ClosedRejectsSubscribe(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus Bus) {
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())
		_, err := bus.Subscribe(context.Background(), "job", func(streaming.Event) {})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestChannel_FeedsForward(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()
	ctx := context.Background()

	ch, sub, err := Channel(ctx, bus, "job", 8, zap.NewNop())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta})
	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventJobComplete})

	select {
	case ev := <-ch:
		assert.Equal(t, streaming.EventTextDelta, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case ev := <-ch:
		assert.True(t, ev.Terminal())
	case <-time.After(time.Second):
		t.Fatal("no terminal event")
	}
	assert.Equal(t, 1, bus.Subscribers("job"))
}

func TestMemoryBus_CountsDroppedEvents(t *testing.T) {
	bus := NewMemoryBus(1, zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sub, err := bus.Subscribe(ctx, "job", func(streaming.Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta})
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	// 处理器阻塞，缓冲只容得下一个
	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta})
	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventTextDelta})
	bus.Publish(ctx, "job", streaming.Event{Type: streaming.EventJobComplete})
	assert.Equal(t, int64(2), bus.Dropped())
	close(release)
}

func TestNew(t *testing.T) {
	bus, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)

	_, err = New(Config{Backend: BackendRedis}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "kafka"}, nil, nil)
	assert.Error(t, err)
}
