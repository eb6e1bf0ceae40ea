package types

import (
	"encoding/json"
	"time"
)

// ToolSchema 暴露给模型的工具描述，Parameters 为 JSON Schema。
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult 一次工具调用（含重试）的最终结果，也是 tool_calls 记录的来源。
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Duration   time.Duration   `json:"duration"`

	// 重试已用尽，当前迭代应以失败结束
	Exhausted bool `json:"exhausted,omitempty"`
}

// ToolErrorContent 失败结果回填给模型时的内容
func ToolErrorContent(errText string) string {
	return "Error: " + errText
}

// ToMessage 转为 tool 角色消息
func (tr ToolResult) ToMessage() Message {
	if tr.IsError() {
		return NewToolMessage(tr.ToolCallID, tr.Name, ToolErrorContent(tr.Error))
	}
	return NewToolMessage(tr.ToolCallID, tr.Name, string(tr.Result))
}

func (tr ToolResult) IsError() bool { return tr.Error != "" }
