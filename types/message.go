package types

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Attachment represents a non-text payload carried by a message (image, file).
type Attachment struct {
	Type     string `json:"type"` // "url" or "base64"
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
}

// PartType 消息分段类型
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool-call"
)

// ToolPartState 工具调用分段的生命周期
type ToolPartState string

const (
	ToolStateInputAvailable  ToolPartState = "input-available"
	ToolStateOutputAvailable ToolPartState = "output-available"
	ToolStateOutputError     ToolPartState = "output-error"
)

// MessagePart is one ordered segment of an assistant message.
type MessagePart struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
	State      ToolPartState   `json:"state,omitempty"`
}

// Message represents a conversation message.
//
// Assistant messages produced by the engine carry Parts; Content and ToolCalls
// are the flattened provider view.
type Message struct {
	ID          string         `json:"id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content,omitempty"`
	Name        string         `json:"name,omitempty"`
	Parts       []MessagePart  `json:"parts,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       name,
		ToolCallID: toolCallID,
		Timestamp:  time.Now(),
	}
}

// WithToolCalls adds tool calls to the message.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// WithAttachments adds attachments to the message.
func (m Message) WithAttachments(attachments []Attachment) Message {
	m.Attachments = attachments
	return m
}

// Text returns the message text, joining text parts when present.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Flatten expands a parts-based message into provider-level messages:
// one assistant message with tool calls, followed by a tool message per
// completed tool part. Messages without parts are returned unchanged.
func (m Message) Flatten() []Message {
	if len(m.Parts) == 0 {
		return []Message{m}
	}

	head := Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Text(),
		Name:      m.Name,
		Metadata:  m.Metadata,
		Timestamp: m.Timestamp,
	}
	var results []Message
	for _, p := range m.Parts {
		if p.Type != PartToolCall {
			continue
		}
		args := p.Input
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		head.ToolCalls = append(head.ToolCalls, ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: args})
		switch p.State {
		case ToolStateOutputAvailable:
			results = append(results, NewToolMessage(p.ToolCallID, p.ToolName, string(p.Output)))
		case ToolStateOutputError:
			results = append(results, NewToolMessage(p.ToolCallID, p.ToolName, ToolErrorContent(p.ErrorText)))
		default:
			// 缺少结果的调用也必须有对应的 tool 消息
			results = append(results, NewToolMessage(p.ToolCallID, p.ToolName, ToolErrorContent("no result")))
		}
	}
	return append([]Message{head}, results...)
}

// FlattenMessages flattens every message in order.
func FlattenMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Flatten()...)
	}
	return out
}
