// Package circuitbreaker 为上游 LLM 调用提供熔断保护。
//
// 连续失败达到阈值后进入 Open，ResetTimeout 之后放行少量试探请求
// (HalfOpen)，试探成功则恢复 Closed。
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值
	Threshold int
	// ResetTimeout Open -> HalfOpen 的等待时间
	ResetTimeout time.Duration
	// HalfOpenMaxCalls 半开状态下允许同时试探的请求数
	HalfOpenMaxCalls int
	// IsFailure 判断错误是否计入失败。为空时所有非 nil 错误都计入，
	// 调用方取消 (context.Canceled) 永远不计入。
	IsFailure func(err error) bool
	// OnStateChange 状态变更回调，在独立 goroutine 中执行
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Execute 在熔断器保护下执行 fn，熔断中直接返回 ErrCircuitOpen
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	State() State
	Reset()
}

type breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCalls int
}

// New 创建熔断器
func New(cfg Config, logger *zap.Logger) CircuitBreaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  StateClosed,
	}
}

func (b *breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

func (b *breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.countsAsFailure(err) {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit recovered", zap.Int("half_open_calls", b.halfOpenCalls))
			b.setState(StateClosed)
		}
		b.failures = 0
		b.halfOpenCalls = 0
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.cfg.Threshold),
				zap.Error(err))
			b.trip()
		}
	case StateHalfOpen:
		b.logger.Warn("half-open probe failed, reopening", zap.Error(err))
		b.trip()
	}
}

func (b *breaker) countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *breaker) trip() {
	b.setState(StateOpen)
	b.openedAt = b.now()
	b.halfOpenCalls = 0
}

// setState 调用方持有锁
func (b *breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Open 且已过 ResetTimeout 时对外报告 HalfOpen，下一次调用会真正切换
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.halfOpenCalls = 0
	b.logger.Info("circuit reset")
}
