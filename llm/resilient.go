package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/llm/circuitbreaker"
	"github.com/BaSui01/agentjobs/llm/retry"
)

// ResilientConfig 弹性 Provider 配置
type ResilientConfig struct {
	// MaxRetries 单次调用的重试次数，0 表示不重试
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Breaker 熔断配置，Threshold<=0 时使用默认值
	Breaker circuitbreaker.Config
}

// DefaultResilientConfig 返回默认配置
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Breaker:      circuitbreaker.DefaultConfig(),
	}
}

// ResilientProvider 为 Provider 增加重试与熔断。
// 流式调用只保护建立连接阶段，流中途的错误通过 StreamChunk.Err 交给调用方。
type ResilientProvider struct {
	inner   Provider
	retryer retry.Retryer
	breaker circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Provider = (*ResilientProvider)(nil)

// NewResilientProvider 包装 inner
func NewResilientProvider(inner Provider, cfg ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "resilient_provider"), zap.String("provider", inner.Name()))

	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = countsAgainstProvider
	}
	return &ResilientProvider{
		inner: inner,
		retryer: retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		}, logger),
		breaker: circuitbreaker.New(cfg.Breaker, logger),
		logger:  logger,
	}
}

func (p *ResilientProvider) Name() string { return p.inner.Name() }

func (p *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

// BreakerState 当前熔断状态
func (p *ResilientProvider) BreakerState() circuitbreaker.State { return p.breaker.State() }

func (p *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := retry.DoWithResultTyped(p.retryer, ctx, func() (*ChatResponse, error) {
		resp, err := circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*ChatResponse, error) {
			return p.inner.Completion(ctx, req)
		})
		return resp, p.classify(err)
	})
	if err != nil {
		return nil, unwrapAttempts(err)
	}
	return resp, nil
}

func (p *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch, err := retry.DoWithResultTyped(p.retryer, ctx, func() (<-chan StreamChunk, error) {
		ch, err := circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (<-chan StreamChunk, error) {
			return p.inner.Stream(ctx, req)
		})
		return ch, p.classify(err)
	})
	if err != nil {
		return nil, unwrapAttempts(err)
	}
	return ch, nil
}

// classify 把错误分成可重试与不可重试两类
func (p *ResilientProvider) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyCallsInHalfOpen) {
		p.logger.Warn("provider circuit open, rejecting call")
		return retry.Permanent(&Error{
			Code:       ErrProviderUnavailable,
			Message:    "provider circuit open: " + err.Error(),
			HTTPStatus: http.StatusServiceUnavailable,
			Retryable:  true,
			Provider:   p.inner.Name(),
		})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	var le *Error
	if errors.As(err, &le) && !le.Retryable {
		return retry.Permanent(err)
	}
	return err
}

// countsAgainstProvider 客户端错误 (4xx、上下文超限、内容过滤) 不计入熔断
func countsAgainstProvider(err error) bool {
	var le *Error
	if !errors.As(err, &le) {
		return true
	}
	switch le.Code {
	case ErrInvalidRequest, ErrUnauthorized, ErrForbidden, ErrQuotaExceeded,
		ErrContextTooLong, ErrContentFiltered:
		return false
	}
	return true
}

// unwrapAttempts 去掉重试器的包装，保留原始错误给上层做分类
func unwrapAttempts(err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) && ex.Err != nil {
		err = ex.Err
	}
	for {
		if !retry.IsPermanent(err) {
			return err
		}
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
