package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentjobs/llm/retry"
	"github.com/BaSui01/agentjobs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToolExecutor defines tool executor interface.
type ToolExecutor interface {
	Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult
	ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult
}

// ExecutorConfig 工具执行配置
type ExecutorConfig struct {
	// MaxRetries 单次调用失败后的重试次数，默认 2（共 3 次尝试）
	MaxRetries int
	// BaseDelay 退避基数，第 n 次重试前等待 BaseDelay * 2^n
	BaseDelay time.Duration
	// MaxParallel 同一步内并发执行的调用数上限，0 表示不限制
	MaxParallel int
	// Timeout 单次调用超时上限，>0 时收紧工具自带的超时
	Timeout time.Duration
}

// DefaultExecutorConfig 返回默认配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Second,
	}
}

// DefaultExecutor 基于 Registry 的工具执行器，失败按指数退避重试
type DefaultExecutor struct {
	registry *Registry
	config   ExecutorConfig
	logger   *zap.Logger
}

// NewDefaultExecutor 创建默认的工具执行器。
func NewDefaultExecutor(registry *Registry, config ExecutorConfig, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &DefaultExecutor{
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("component", "tool_executor")),
	}
}

// Execute 并发执行同一步内的所有工具调用，结果顺序与 calls 一致
func (e *DefaultExecutor) Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	var g errgroup.Group
	if e.config.MaxParallel > 0 {
		g.SetLimit(e.config.MaxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExecuteOne 执行单个调用。未注册的工具与非法参数不重试。
func (e *DefaultExecutor) ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()
	log := e.callLogger(ctx, call)
	result := types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	capability, ok := e.registry.Get(call.Name)
	if !ok {
		result.Error = fmt.Sprintf("tool not found: %s", call.Name)
		result.Attempts = 1
		result.Exhausted = true
		result.Duration = time.Since(start)
		log.Error("tool not found")
		return result
	}

	if len(call.Arguments) > 0 && !json.Valid(call.Arguments) {
		result.Error = "invalid arguments: not valid JSON"
		result.Attempts = 1
		result.Exhausted = true
		result.Duration = time.Since(start)
		log.Error("invalid tool arguments")
		return result
	}

	policy := retry.ToolRetryPolicy(e.config.BaseDelay)
	policy.MaxRetries = e.config.MaxRetries
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("tool call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	retryer := retry.NewBackoffRetryer(policy, e.logger)

	attempts := 0
	out, err := retry.DoWithResultTyped[json.RawMessage](retryer, ctx, func() (json.RawMessage, error) {
		attempts++
		return e.invoke(ctx, capability, call.Arguments)
	})
	result.Attempts = attempts
	result.Duration = time.Since(start)

	if err != nil {
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			err = ex.Err
		}
		result.Error = err.Error()
		result.Exhausted = true
		log.Error("tool execution failed",
			zap.Int("attempts", attempts),
			zap.Error(err),
			zap.Duration("duration", result.Duration))
		return result
	}

	result.Result = out
	log.Debug("tool executed",
		zap.Int("attempts", attempts),
		zap.Duration("duration", result.Duration))
	return result
}

func (e *DefaultExecutor) callLogger(ctx context.Context, call types.ToolCall) *zap.Logger {
	log := e.logger.With(zap.String("name", call.Name), zap.String("call_id", call.ID))
	if jobID, ok := types.JobID(ctx); ok {
		log = log.With(zap.String("job_id", jobID))
	}
	return log
}

// invoke 执行一次调用，带限流与超时
func (e *DefaultExecutor) invoke(ctx context.Context, c Capability, args json.RawMessage) (json.RawMessage, error) {
	if lim := e.registry.limiter(c.Name); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, retry.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if e.config.Timeout > 0 && e.config.Timeout < timeout {
		timeout = e.config.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 带缓冲的 channel，超时后 goroutine 仍能退出
	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Invoke(execCtx, args)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("execution timeout after %s", timeout)
		}
		return o.res, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("execution timeout after %s", timeout)
	}
}
