package streaming

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/agentjobs/types"
)

// EventType 进度事件类型
type EventType string

const (
	EventMessageStart    EventType = "message-start"
	EventTextDelta       EventType = "text-delta"
	EventToolCall        EventType = "tool-call"
	EventToolResult      EventType = "tool-result"
	EventMessageComplete EventType = "message-complete"
	EventStatusUpdate    EventType = "status-update"
	EventJobComplete     EventType = "job-complete"
)

// ToolCallInfo tool-call 事件负载
type ToolCallInfo struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultInfo tool-result 事件负载
type ToolResultInfo struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event 进度事件
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	MessageID string    `json:"messageId,omitempty"`
	Iteration int       `json:"iteration"`

	TextDelta  string          `json:"textDelta,omitempty"`
	ToolCall   *ToolCallInfo   `json:"toolCall,omitempty"`
	ToolResult *ToolResultInfo `json:"toolResult,omitempty"`
	Message    *types.Message  `json:"message,omitempty"`

	Status     string            `json:"status,omitempty"`
	StopReason string            `json:"stopReason,omitempty"`
	Usage      *types.TokenUsage `json:"usage,omitempty"`
	Error      string            `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	return e.Type == EventJobComplete
}

// Encode 序列化为 JSON
func (e Event) Encode() ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(e)
}

// DecodeEvent 反序列化事件
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
