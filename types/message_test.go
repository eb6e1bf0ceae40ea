package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Flatten(t *testing.T) {
	t.Run("plain message unchanged", func(t *testing.T) {
		m := NewUserMessage("hi")
		out := m.Flatten()
		require.Len(t, out, 1)
		assert.Equal(t, "hi", out[0].Content)
	})

	t.Run("parts expand into tool messages", func(t *testing.T) {
		m := Message{
			Role: RoleAssistant,
			Parts: []MessagePart{
				{Type: PartText, Text: "look"},
				{Type: PartText, Text: "ing"},
				{Type: PartToolCall, ToolCallID: "c1", ToolName: "search", Input: json.RawMessage(`{"q":"go"}`),
					Output: json.RawMessage(`"ok"`), State: ToolStateOutputAvailable},
				{Type: PartToolCall, ToolCallID: "c2", ToolName: "fetch", State: ToolStateOutputError, ErrorText: "boom"},
			},
		}
		out := m.Flatten()
		require.Len(t, out, 3)
		assert.Equal(t, "looking", out[0].Content)
		require.Len(t, out[0].ToolCalls, 2)
		assert.JSONEq(t, `{}`, string(out[0].ToolCalls[1].Arguments))
		assert.Equal(t, RoleTool, out[1].Role)
		assert.Equal(t, `"ok"`, out[1].Content)
		assert.Equal(t, "Error: boom", out[2].Content)
	})
}

func TestError_Chain(t *testing.T) {
	base := NewError(ErrJobNotFound, "job not found").WithRetryable(false)
	wrapped := NewError(ErrInternalError, "process").WithCause(base)

	assert.True(t, IsErrorCode(wrapped, ErrJobNotFound))
	assert.Equal(t, ErrInternalError, GetErrorCode(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "JOB_NOT_FOUND")
}

func TestTokenUsage_AddNormalize(t *testing.T) {
	var u TokenUsage
	assert.True(t, u.IsZero())
	u.Add(TokenUsage{PromptTokens: 10, CompletionTokens: 5}.Normalize())
	u.Add(TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
	assert.Equal(t, 17, u.TotalTokens)
	assert.Equal(t, 11, u.PromptTokens)
}
