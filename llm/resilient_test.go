package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/llm/circuitbreaker"
)

// flakyProvider 前 failures 次调用返回 err
type flakyProvider struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) HealthCheck(context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (p *flakyProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.calls.Add(1) <= p.failures {
		return nil, p.err
	}
	return &ChatResponse{Model: req.Model, Choices: []ChatChoice{{Message: Message{Role: RoleAssistant, Content: "ok"}}}}, nil
}

func (p *flakyProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if p.calls.Add(1) <= p.failures {
		return nil, p.err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Delta: Message{Content: "ok"}, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func fastConfig(retries int) ResilientConfig {
	return ResilientConfig{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Breaker:      circuitbreaker.Config{Threshold: 10, ResetTimeout: time.Hour},
	}
}

var errBadGateway = &Error{Code: ErrUpstreamError, Message: "bad gateway", HTTPStatus: 502, Retryable: true}

func TestResilientProvider_RetriesTransientErrors(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: errBadGateway}
	p := NewResilientProvider(inner, fastConfig(2), zap.NewNop())

	resp, err := p.Completion(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.FirstText())
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilientProvider_NonRetryableReturnsImmediately(t *testing.T) {
	tooLong := &Error{Code: ErrContextTooLong, Message: "context_length_exceeded", HTTPStatus: 400}
	inner := &flakyProvider{failures: 5, err: tooLong}
	p := NewResilientProvider(inner, fastConfig(3), zap.NewNop())

	_, err := p.Completion(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, IsContextLengthError(err))

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Same(t, tooLong, le)
	assert.Equal(t, circuitbreaker.StateClosed, p.BreakerState())
}

func TestResilientProvider_ExhaustedReturnsLastError(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: errBadGateway}
	p := NewResilientProvider(inner, fastConfig(1), zap.NewNop())

	_, err := p.Completion(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, errBadGateway)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientProvider_OpenCircuitFailsFast(t *testing.T) {
	inner := &flakyProvider{failures: 100, err: errBadGateway}
	cfg := fastConfig(0)
	cfg.Breaker.Threshold = 2
	p := NewResilientProvider(inner, cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Completion(ctx, &ChatRequest{})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, p.BreakerState())

	_, err := p.Stream(ctx, &ChatRequest{})
	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrProviderUnavailable, le.Code)
	assert.True(t, le.Retryable)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestResilientProvider_StreamRetriesConnect(t *testing.T) {
	inner := &flakyProvider{failures: 1, err: errBadGateway}
	p := NewResilientProvider(inner, fastConfig(1), zap.NewNop())

	ch, err := p.Stream(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	chunk := <-ch
	assert.Equal(t, "ok", chunk.Delta.Content)
	assert.Equal(t, "flaky", p.Name())
}

func TestResilientProvider_CanceledContext(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: context.Canceled}
	p := NewResilientProvider(inner, fastConfig(3), zap.NewNop())

	_, err := p.Completion(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), inner.calls.Load())
}
