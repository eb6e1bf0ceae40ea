package llm

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/agentjobs/types"
)

// DefaultMaxSteps 单个回合内允许的最大工具调用步数
const DefaultMaxSteps = 100

// TurnRequest 一个模型回合的输入
type TurnRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	ToolChoice   string
	MaxSteps     int
	MaxTokens    int
}

// EventType 回合事件类型
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// 结束原因
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
	FinishMaxSteps  = "max-steps"
	FinishError     = "error"
)

// StreamEvent 回合内的类型化流式事件。
// 一个回合以 finish 或 error 事件结束。
type StreamEvent struct {
	Type         EventType         `json:"type"`
	Step         int               `json:"step,omitempty"`
	TextDelta    string            `json:"text_delta,omitempty"`
	ToolCall     *types.ToolCall   `json:"tool_call,omitempty"`
	ToolResult   *types.ToolResult `json:"tool_result,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *ChatUsage        `json:"usage,omitempty"`
	Err          error             `json:"-"`
}

// ToolInput 返回工具调用事件的参数
func (e StreamEvent) ToolInput() json.RawMessage {
	if e.ToolCall == nil {
		return nil
	}
	return e.ToolCall.Arguments
}

// TurnStreamer 语言模型客户端：执行一个可包含多步工具调用的回合，
// 以事件流的形式返回增量结果。
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req *TurnRequest) (<-chan StreamEvent, error)
}

// Completer 单次补全能力，供摘要、分解与评估使用
type Completer interface {
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
