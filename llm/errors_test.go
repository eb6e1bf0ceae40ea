package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/BaSui01/agentjobs/types"
	"github.com/stretchr/testify/assert"
)

func TestIsContextLengthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"llm code", &Error{Code: ErrContextTooLong, Message: "x"}, true},
		{"types code", types.NewError(types.ErrContextTooLong, "x"), true},
		{"openai message", errors.New("This model's maximum context length is 8192 tokens"), true},
		{"wrapped signature", fmt.Errorf("stream: %w", errors.New("context_length_exceeded")), true},
		{"unrelated", errors.New("rate limited"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContextLengthError(tt.err))
		})
	}
}

func TestChatUsage_TokenUsage(t *testing.T) {
	u := ChatUsage{PromptTokens: 7, CompletionTokens: 3}.TokenUsage()
	assert.Equal(t, 10, u.TotalTokens)
}
