package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream 502")

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(cfg, zap.NewNop()).(*breaker)
	b.now = clock.Now
	return b, clock
}

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

// ---------------------------------------------------------------------------
// 配置
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: -1})
	assert.Equal(t, 5, b.cfg.Threshold)
	assert.Equal(t, 30*time.Second, b.cfg.ResetTimeout)
	assert.Equal(t, 1, b.cfg.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

// ---------------------------------------------------------------------------
// 状态转换
// ---------------------------------------------------------------------------

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, ok))
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(11 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrCircuitOpen)
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Execute(ctx, ok), ErrTooManyCallsInHalfOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

// ---------------------------------------------------------------------------
// 失败分类
// ---------------------------------------------------------------------------

func TestBreaker_IsFailureFilter(t *testing.T) {
	errBadRequest := errors.New("400 bad request")
	b, _ := newTestBreaker(Config{
		Threshold: 1,
		IsFailure: func(err error) bool { return !errors.Is(err, errBadRequest) },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errBadRequest })
	}
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancellationIsNotFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ResetAndStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	changed := make(chan struct{}, 4)

	b, _ := newTestBreaker(Config{
		Threshold: 1,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			changed <- struct{}{}
		},
	})

	_ = b.Execute(context.Background(), fail)
	<-changed
	b.Reset()
	<-changed

	assert.Equal(t, StateClosed, b.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestDo(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1})
	ctx := context.Background()

	v, err := Do(ctx, b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Do(ctx, b, func(context.Context) (int, error) { return 7, errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Zero(t, v)

	_, err = Do(ctx, b, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_ConcurrentSafety(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(ctx, fail)
			} else {
				_ = b.Execute(ctx, ok)
			}
			_ = b.State()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}
