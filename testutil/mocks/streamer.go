package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentjobs/llm"
)

// TurnFunc 根据请求生成一个回合的事件序列，返回 error 表示调用失败
type TurnFunc func(ctx context.Context, req *llm.TurnRequest) ([]llm.StreamEvent, error)

// MockStreamer 是 llm.TurnStreamer 的模拟实现
type MockStreamer struct {
	mu       sync.Mutex
	turns    []TurnFunc
	fallback TurnFunc
	requests []*llm.TurnRequest
}

// NewMockStreamer 创建 MockStreamer，fallback 在脚本耗尽后使用
func NewMockStreamer(fallback TurnFunc) *MockStreamer {
	return &MockStreamer{fallback: fallback}
}

// WithTurn 追加一个脚本化回合
func (m *MockStreamer) WithTurn(fn TurnFunc) *MockStreamer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, fn)
	return m
}

// WithEvents 追加一个固定事件序列的回合
func (m *MockStreamer) WithEvents(events ...llm.StreamEvent) *MockStreamer {
	return m.WithTurn(func(context.Context, *llm.TurnRequest) ([]llm.StreamEvent, error) {
		return events, nil
	})
}

func (m *MockStreamer) StreamTurn(ctx context.Context, req *llm.TurnRequest) (<-chan llm.StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.fallback
	if len(m.turns) > 0 {
		fn = m.turns[0]
		m.turns = m.turns[1:]
	}
	m.mu.Unlock()

	if fn == nil {
		fn = TextTurn("ok", nil)
	}
	events, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// Requests 返回记录的回合请求
func (m *MockStreamer) Requests() []*llm.TurnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.TurnRequest(nil), m.requests...)
}

// CallCount 返回回合调用次数
func (m *MockStreamer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// TextTurn 生成一个纯文本回合：文本分两段输出，以 stop 结束
func TextTurn(text string, usage *llm.ChatUsage) TurnFunc {
	return func(context.Context, *llm.TurnRequest) ([]llm.StreamEvent, error) {
		half := len(text) / 2
		return []llm.StreamEvent{
			{Type: llm.EventTextDelta, Step: 1, TextDelta: text[:half]},
			{Type: llm.EventTextDelta, Step: 1, TextDelta: text[half:]},
			{Type: llm.EventFinish, Step: 1, FinishReason: llm.FinishStop, Usage: usage},
		}, nil
	}
}

// ErrorTurn 生成一个调用即失败的回合
func ErrorTurn(err error) TurnFunc {
	return func(context.Context, *llm.TurnRequest) ([]llm.StreamEvent, error) {
		return nil, err
	}
}
