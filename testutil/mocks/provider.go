// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持脚本化流式输出、固定补全响应与错误注入。
package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/agentjobs/llm"
)

// MockProvider 是 llm.Provider 的模拟实现。
// 每次 Stream 调用按顺序消费一段脚本化的 chunk 序列；
// Completion 按顺序消费脚本化的文本响应，耗尽后重复最后一个。
type MockProvider struct {
	mu sync.Mutex

	streams   [][]llm.StreamChunk
	responses []string
	err       error

	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	streamRequests     []*llm.ChatRequest
	completionRequests []*llm.ChatRequest
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// WithStream 追加一段流式脚本
func (m *MockProvider) WithStream(chunks ...llm.StreamChunk) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, chunks)
	return m
}

// WithResponses 设置 Completion 的文本响应序列
func (m *MockProvider) WithResponses(responses ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
	return m
}

// WithError 所有调用返回该错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithCompletionFunc 自定义 Completion
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: m.err == nil}, m.err
}

func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.completionRequests = append(m.completionRequests, req)
	fn, err := m.completionFunc, m.err
	var text string
	if len(m.responses) > 0 {
		text = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		}},
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.streamRequests = append(m.streamRequests, req)
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	if len(m.streams) == 0 {
		m.mu.Unlock()
		return nil, errors.New("mock provider: no scripted stream left")
	}
	script := m.streams[0]
	m.streams = m.streams[1:]
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// StreamRequests 返回记录的流式请求
func (m *MockProvider) StreamRequests() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.streamRequests...)
}

// CompletionRequests 返回记录的补全请求
func (m *MockProvider) CompletionRequests() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.completionRequests...)
}
