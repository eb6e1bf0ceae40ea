package context

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentjobs/testutil/mocks"
	"github.com/BaSui01/agentjobs/types"
)

func userMsg(content string) types.Message {
	return types.Message{Role: types.RoleUser, Content: content}
}
func assistMsg(content string) types.Message {
	return types.Message{Role: types.RoleAssistant, Content: content}
}
func sysMsg(content string) types.Message {
	return types.Message{Role: types.RoleSystem, Content: content}
}
func toolMsg(content string) types.Message {
	return types.Message{Role: types.RoleTool, Content: content, ToolCallID: "c", Name: "t"}
}

func TestBudget_ContextWindowLimit(t *testing.T) {
	b := NewBudget(BudgetConfig{Windows: map[string]int{"my-model": 4000}})
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128000},
		{"gpt-4", 8192},
		{"openai/gpt-3.5-turbo", 16385},
		{"claude-3-7-sonnet-latest", 200000},
		{"gemini-2.5-pro", 1048576},
		{"deepseek-v3", 64000},
		{"my-model", 4000},
		{"MY-MODEL", 4000},
		{"something-else", DefaultContextWindow},
		{"", DefaultContextWindow},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, b.ContextWindowLimit(tt.model))
		})
	}
}

func TestBudget_ShouldSummarize(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig())

	ok, reason := b.ShouldSummarize(102399, "gpt-4o")
	assert.False(t, ok)
	assert.Empty(t, reason)

	ok, reason = b.ShouldSummarize(102400, "gpt-4o")
	assert.True(t, ok)
	assert.Contains(t, reason, "gpt-4o")

	assert.False(t, b.Exceeded(127999, "gpt-4o"))
	assert.True(t, b.Exceeded(128000, "gpt-4o"))

	custom := NewBudget(BudgetConfig{Ratio: 0.5, DefaultWindow: 1000})
	ok, _ = custom.ShouldSummarize(500, "unknown")
	assert.True(t, ok)
	assert.Equal(t, 0.5, custom.Ratio())

	invalid := NewBudget(BudgetConfig{Ratio: 3})
	assert.Equal(t, DefaultSummarizeRatio, invalid.Ratio())
}

func TestPreservedStart(t *testing.T) {
	tests := []struct {
		name string
		msgs []types.Message
		want int
	}{
		{"empty", nil, 0},
		{"one pair", []types.Message{userMsg("u1"), assistMsg("a1")}, 0},
		{"two pairs only", []types.Message{userMsg("u1"), assistMsg("a1"), userMsg("u2"), assistMsg("a2")}, 0},
		{"three pairs", []types.Message{userMsg("u1"), assistMsg("a1"), userMsg("u2"), assistMsg("a2"), userMsg("u3"), assistMsg("a3")}, 2},
		{"trailing user", []types.Message{userMsg("u1"), assistMsg("a1"), userMsg("u2"), assistMsg("a2"), userMsg("u3"), assistMsg("a3"), userMsg("u4")}, 2},
		{"tool messages inside pair", []types.Message{
			userMsg("u1"), assistMsg("a1"),
			userMsg("u2"), assistMsg("call"), toolMsg("r"), assistMsg("a2"),
			userMsg("u3"), assistMsg("a3"),
		}, 2},
		{"consecutive users", []types.Message{
			userMsg("u0"), userMsg("u1"), assistMsg("a1"), userMsg("u2"), assistMsg("a2"), userMsg("u3"), assistMsg("a3"),
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreservedStart(tt.msgs, PreservedPairs))
		})
	}
}

func conversation(pairs int) []types.Message {
	msgs := []types.Message{sysMsg("you are helpful")}
	for i := 1; i <= pairs; i++ {
		msgs = append(msgs, userMsg(fmt.Sprintf("question %d", i)), assistMsg(fmt.Sprintf("answer %d", i)))
	}
	return msgs
}

func TestSummarizer_ReplacesOldMessages(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses("The user asked three questions about queues.")
	s := NewSummarizer(provider, SummarizerConfig{Model: "gpt-4o"}, zap.NewNop())

	msgs := conversation(5)
	res := s.Summarize(context.Background(), msgs)

	require.NoError(t, res.Err)
	require.True(t, res.Summarized)
	assert.Equal(t, 6, res.MessagesSummarized)
	require.Len(t, res.Messages, 1+1+4)

	assert.Equal(t, "you are helpful", res.Messages[0].Content)
	assert.True(t, IsSummary(res.Messages[1]))
	assert.Equal(t, "Previous conversation summary (6 messages): The user asked three questions about queues.", res.Messages[1].Content)
	assert.Equal(t, msgs[7:], res.Messages[2:])
	assert.Equal(t, 15, res.Usage.TotalTokens)

	reqs := provider.CompletionRequests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[1].Content
	assert.Contains(t, prompt, "question 1")
	assert.NotContains(t, prompt, "question 4")
}

func TestSummarizer_NothingToSummarize(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses("unused")
	s := NewSummarizer(provider, SummarizerConfig{}, nil)

	msgs := conversation(2)
	res := s.Summarize(context.Background(), msgs)
	assert.False(t, res.Summarized)
	assert.NoError(t, res.Err)
	assert.Equal(t, msgs, res.Messages)
	assert.Empty(t, provider.CompletionRequests())
}

func TestSummarizer_FailOpen(t *testing.T) {
	for name, provider := range map[string]*mocks.MockProvider{
		"provider error": mocks.NewMockProvider().WithError(errors.New("boom")),
		"empty summary":  mocks.NewMockProvider().WithResponses("   "),
	} {
		t.Run(name, func(t *testing.T) {
			s := NewSummarizer(provider, SummarizerConfig{}, nil)
			msgs := conversation(4)
			res := s.Summarize(context.Background(), msgs)
			assert.False(t, res.Summarized)
			assert.Error(t, res.Err)
			assert.True(t, types.IsErrorCode(res.Err, types.ErrSummarizationFail))
			assert.Equal(t, msgs, res.Messages)
		})
	}
}

func TestSummarizer_ResummarizesPreviousSummary(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses("first", "second")
	s := NewSummarizer(provider, SummarizerConfig{}, nil)

	first := s.Summarize(context.Background(), conversation(4))
	require.True(t, first.Summarized)

	next := append(first.Messages, userMsg("q5"), assistMsg("a5"))
	second := s.Summarize(context.Background(), next)
	require.True(t, second.Summarized)

	summaries := 0
	for _, m := range second.Messages {
		if IsSummary(m) {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
	assert.True(t, strings.HasSuffix(second.Messages[1].Content, "second"))
	assert.Equal(t, types.RoleSystem, second.Messages[0].Role)
}

func TestManager_Prepare(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses("summary")
	m := NewManager(NewBudget(BudgetConfig{DefaultWindow: 1000}), NewSummarizer(provider, SummarizerConfig{}, nil), nil)
	msgs := conversation(4)

	p := m.Prepare(context.Background(), "unknown", 100, msgs, false)
	assert.Nil(t, p.Summary)
	assert.Equal(t, msgs, p.Messages)

	p = m.Prepare(context.Background(), "unknown", 900, msgs, false)
	require.NotNil(t, p.Summary)
	assert.True(t, p.Summary.Summarized)
	assert.NotEmpty(t, p.Reason)

	p = m.Prepare(context.Background(), "unknown", 0, msgs, true)
	require.NotNil(t, p.Summary)
	assert.Equal(t, "forced after context length error", p.Reason)
}
