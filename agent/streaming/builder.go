package streaming

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/agentjobs/types"
)

// MessageBuilder 把一条消息的事件流还原为助手消息。
// 所有 text-delta 合并为一个文本片段；tool-call 片段立即带上输入，
// 收到同 ID 的 tool-result 后转为 output-available。找不到对应调用的
// 结果会生成一个已完成的合成片段，不会被丢弃。
type MessageBuilder struct {
	id      string
	parts   []types.MessagePart
	textIdx int
	text    strings.Builder
	byID    map[string]int
}

// NewMessageBuilder creates a builder for message id.
func NewMessageBuilder(id string) *MessageBuilder {
	return &MessageBuilder{id: id, textIdx: -1, byID: make(map[string]int)}
}

// Apply 累积一条事件，与消息内容无关的事件被忽略
func (b *MessageBuilder) Apply(e Event) {
	switch e.Type {
	case EventTextDelta:
		b.addText(e.TextDelta)
	case EventToolCall:
		if e.ToolCall != nil {
			b.addToolCall(e.ToolCall)
		}
	case EventToolResult:
		if e.ToolResult != nil {
			b.addToolResult(e.ToolResult)
		}
	}
}

func (b *MessageBuilder) addText(delta string) {
	if delta == "" {
		return
	}
	if b.textIdx < 0 {
		b.textIdx = len(b.parts)
		b.parts = append(b.parts, types.MessagePart{Type: types.PartText})
	}
	b.text.WriteString(delta)
}

func (b *MessageBuilder) addToolCall(call *ToolCallInfo) {
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if i, ok := b.byID[call.ID]; ok {
		b.parts[i].Input = input
		if b.parts[i].ToolName == "" {
			b.parts[i].ToolName = call.Name
		}
		return
	}
	b.byID[call.ID] = len(b.parts)
	b.parts = append(b.parts, types.MessagePart{
		Type:       types.PartToolCall,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      input,
		State:      types.ToolStateInputAvailable,
	})
}

func (b *MessageBuilder) addToolResult(res *ToolResultInfo) {
	i, ok := b.byID[res.ID]
	if !ok {
		i = len(b.parts)
		b.byID[res.ID] = i
		b.parts = append(b.parts, types.MessagePart{
			Type:       types.PartToolCall,
			ToolCallID: res.ID,
			ToolName:   res.Name,
			Input:      json.RawMessage(`{}`),
		})
	}
	p := &b.parts[i]
	if p.ToolName == "" {
		p.ToolName = res.Name
	}
	if res.Error != "" {
		p.ErrorText = res.Error
		p.State = types.ToolStateOutputError
		return
	}
	p.Output = res.Output
	p.State = types.ToolStateOutputAvailable
}

// Text 当前累积的文本
func (b *MessageBuilder) Text() string {
	return b.text.String()
}

// PendingToolCalls 仍为 input-available 的调用数
func (b *MessageBuilder) PendingToolCalls() int {
	n := 0
	for _, p := range b.parts {
		if p.Type == types.PartToolCall && p.State == types.ToolStateInputAvailable {
			n++
		}
	}
	return n
}

// Message 返回组装好的助手消息
func (b *MessageBuilder) Message() types.Message {
	parts := make([]types.MessagePart, len(b.parts))
	copy(parts, b.parts)
	if b.textIdx >= 0 {
		parts[b.textIdx].Text = b.text.String()
	}
	msg := types.NewAssistantMessage(b.text.String())
	msg.ID = b.id
	msg.Parts = parts
	return msg
}
