package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxRetries   int                                               // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration                                     // 第一次重试前的延迟
	MaxDelay     time.Duration                                     // 最大延迟时间
	Multiplier   float64                                           // 延迟时间倍增因子（指数退避）
	Jitter       bool                                              // 是否添加随机抖动
	OnRetry      func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ToolRetryPolicy 工具调用重试策略：失败两次后放弃，
// 第 n 次重试前等待 base * 2^n（base=1s 时依次为 2s、4s）。
func ToolRetryPolicy(base time.Duration) *RetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	return &RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 2 * base,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// ExhaustedError 重试次数耗尽后返回的错误
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// AttemptsOf 返回错误链中记录的尝试次数，没有记录时返回 1
func AttemptsOf(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 1
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := *policy
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}

	return &backoffRetryer{
		policy: &p,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	attempt := 0
	for ; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &ExhaustedError{Attempts: attempt, Err: fmt.Errorf("重试被取消: %w", ctx.Err())}
			case <-timer.C:
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if IsPermanent(lastErr) {
			r.logger.Debug("错误不可重试", zap.Error(lastErr))
			return nil, &ExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)

	return nil, &ExhaustedError{Attempts: attempt, Err: lastErr}
}

// calculateDelay 计算第 attempt 次重试前的延迟
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := BackoffDelay(r.policy.InitialDelay, r.policy.Multiplier, r.policy.MaxDelay, attempt)

	if r.policy.Jitter {
		jitter := float64(delay) * 0.25
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < r.policy.InitialDelay {
			delay = r.policy.InitialDelay
		}
	}
	return delay
}

// BackoffDelay 计算指数退避延迟: initial * multiplier^(attempt-1)，上限为 max。
// attempt 从 1 开始。
func BackoffDelay(initial time.Duration, multiplier float64, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// permanentError 标记不应重试的错误
type permanentError struct {
	Err error
}

func (e *permanentError) Error() string {
	return e.Err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.Err
}

// Permanent 将错误包装为不可重试错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{Err: err}
}

// IsPermanent 检查错误是否被 Permanent 包装
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
